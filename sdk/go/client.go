package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal leadline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Campaign represents the API campaign model.
type Campaign struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	LeadType  string `json:"lead_type"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	ReplyTo   string `json:"reply_to"`
	DryRun    bool   `json:"dry_run"`
}

// Stats summarises one campaign.
type Stats struct {
	Campaign Campaign `json:"campaign"`
	Links    struct {
		Total   int            `json:"total"`
		Active  int            `json:"active"`
		Stopped map[string]int `json:"stopped"`
		Tiers   map[string]int `json:"tiers"`
	} `json:"links"`
	Messages map[string]int `json:"messages"`
	Events   map[string]int `json:"events"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	LeadID     int64          `json:"lead_id"`
	CampaignID *int64         `json:"campaign_id"`
	MessageID  *int64         `json:"message_id"`
	Type       string         `json:"type"`
	Meta       map[string]any `json:"meta"`
	CreatedAt  string         `json:"created_at"`
}

// PaginatedEvents wraps list responses. NextAfter is zero on the last page.
type PaginatedEvents struct {
	Items     []Event `json:"items"`
	NextAfter int64   `json:"next_after"`
}

// EventQuery narrows an event listing. Zero values are omitted.
type EventQuery struct {
	LeadID     int64
	CampaignID int64
	Type       string
	After      int64
	Limit      int
}

// Mark reports an outcome. Target a message, or a lead with an optional campaign.
type Mark struct {
	Type       string `json:"type"`
	LeadID     int64  `json:"lead_id,omitempty"`
	CampaignID int64  `json:"campaign_id,omitempty"`
	MessageID  int64  `json:"message_id,omitempty"`
	Note       string `json:"note,omitempty"`
}

// MarkResult is what a mark changed.
type MarkResult struct {
	LeadID int64  `json:"lead_id"`
	Orgnr  string `json:"orgnr"`
	Status string `json:"status"`
	Links  []struct {
		LinkID     int64  `json:"link_id"`
		CampaignID int64  `json:"campaign_id"`
		State      string `json:"state"`
		Changed    bool   `json:"changed"`
		Reason     string `json:"reason"`
	} `json:"links"`
	EventIDs   []int64 `json:"event_ids"`
	Suppressed bool    `json:"suppressed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Campaigns lists campaigns.
func (c *Client) Campaigns(ctx context.Context) ([]Campaign, error) {
	var resp []Campaign
	err := c.do(ctx, http.MethodGet, "campaigns", nil, &resp)
	return resp, err
}

// Stats returns statistics for a campaign by name.
func (c *Client) Stats(ctx context.Context, campaign string) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("campaigns/%s/stats", url.PathEscape(campaign)), nil, &resp)
	return resp, err
}

// Events returns one page of events.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	params := url.Values{}
	if q.LeadID > 0 {
		params.Set("lead_id", strconv.FormatInt(q.LeadID, 10))
	}
	if q.CampaignID > 0 {
		params.Set("campaign_id", strconv.FormatInt(q.CampaignID, 10))
	}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.After > 0 {
		params.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Mark reports an outcome.
func (c *Client) Mark(ctx context.Context, m Mark) (MarkResult, error) {
	var resp MarkResult
	err := c.do(ctx, http.MethodPost, "marks", m, &resp)
	return resp, err
}

// Health checks liveness without credentials.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
