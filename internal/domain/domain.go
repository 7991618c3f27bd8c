package domain

import "time"

type LeadType string

const (
	LeadSupplier LeadType = "supplier"
	LeadCustomer LeadType = "customer"
)

func (t LeadType) Valid() bool { return t == LeadSupplier || t == LeadCustomer }

type Campaign struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	LeadType  LeadType `json:"lead_type" enum:"supplier,customer"`
	FromName  string   `json:"from_name,omitempty"`
	FromEmail string   `json:"from_email,omitempty"`
	ReplyTo   string   `json:"reply_to,omitempty"`
	DryRun    bool     `json:"dry_run"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// Template is the subject/body pair bound to one step and variant of a campaign.
type Template struct {
	ID         int64  `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	Step       int    `json:"step"`
	Variant    string `json:"variant"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// Lead is a company admitted into outreach. Emails is the ordered list of
// candidate addresses, normalised when the lead was selected.
type Lead struct {
	ID          int64      `json:"id"`
	Orgnr       string     `json:"orgnr"`
	CompanyName string     `json:"company_name,omitempty"`
	City        string     `json:"city,omitempty"`
	SNICodes    string     `json:"sni_codes,omitempty"`
	Website     string     `json:"website,omitempty"`
	Emails      []string   `json:"emails"`
	LeadType    LeadType   `json:"lead_type"`
	Status      LeadStatus `json:"status"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// Link is the per lead x campaign sequence cursor.
type Link struct {
	ID             int64           `json:"id"`
	LeadID         int64           `json:"lead_id"`
	CampaignID     int64           `json:"campaign_id"`
	CurrentStep    int             `json:"current_step"`
	CurrentVariant string          `json:"current_variant,omitempty"`
	NextSendAt     *time.Time      `json:"next_send_at,omitempty"`
	State          LinkState       `json:"state"`
	Tier           *int            `json:"tier,omitempty"`
	MatchFlags     map[string]bool `json:"match_flags,omitempty"`
	Score          float64         `json:"score"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

type MessageStatus string

const (
	MessageQueued  MessageStatus = "queued"
	MessageSent    MessageStatus = "sent"
	MessageBounced MessageStatus = "bounced"
	MessageFailed  MessageStatus = "failed"
	MessageReplied MessageStatus = "replied"
)

// Message is one rendered outbound email. Only status, timestamps and error
// change after insert.
type Message struct {
	ID                int64         `json:"id"`
	LeadID            int64         `json:"lead_id"`
	CampaignID        int64         `json:"campaign_id"`
	TemplateID        int64         `json:"template_id,omitempty"`
	Step              int           `json:"step"`
	Variant           string        `json:"variant,omitempty"`
	ToEmail           string        `json:"to_email"`
	FromEmail         string        `json:"from_email,omitempty"`
	Subject           string        `json:"subject_rendered"`
	Body              string        `json:"body_rendered"`
	Status            MessageStatus `json:"status" enum:"queued,sent,bounced,failed,replied"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ScheduledAt       *time.Time    `json:"scheduled_at,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
}

type EventType string

const (
	EventSent        EventType = "sent"
	EventReply       EventType = "reply"
	EventBounce      EventType = "bounce"
	EventBooked      EventType = "booked"
	EventWon         EventType = "won"
	EventLost        EventType = "lost"
	EventUnsubscribe EventType = "unsubscribe"
	EventManualStop  EventType = "manual_stop"
	EventComplaint   EventType = "complaint"
)

// Suppressing reports whether the event permanently blocks the lead.
func (t EventType) Suppressing() bool {
	return t == EventBounce || t == EventComplaint || t == EventUnsubscribe
}

func (t EventType) Valid() bool {
	switch t {
	case EventSent, EventReply, EventBounce, EventBooked, EventWon, EventLost, EventUnsubscribe, EventManualStop, EventComplaint:
		return true
	}
	return false
}

type Event struct {
	ID         int64     `json:"id"`
	LeadID     int64     `json:"lead_id"`
	CampaignID *int64    `json:"campaign_id,omitempty"`
	MessageID  *int64    `json:"message_id,omitempty"`
	Type       EventType `json:"type"`
	Meta       string    `json:"meta"`
	CreatedAt  string    `json:"created_at" format:"date-time"`
}

// Suppression is one do-not-contact entry, keyed by email, orgnr or both.
type Suppression struct {
	ID        int64  `json:"id"`
	Email     string `json:"email,omitempty"`
	Orgnr     string `json:"orgnr,omitempty"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
