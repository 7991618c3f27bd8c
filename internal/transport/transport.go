// Package transport delivers rendered messages. The send-state machine only
// talks to the Sender interface; a campaign in dry-run never reaches it.
package transport

import (
	"context"
	"errors"
	"time"
)

// Email is one outbound message.
type Email struct {
	To        string
	FromName  string
	FromEmail string
	ReplyTo   string
	Subject   string
	Body      string
	Tags      map[string]string
}

// Receipt confirms delivery to the provider.
type Receipt struct {
	ProviderMessageID string
	SentAt            time.Time
}

type Sender interface {
	Send(ctx context.Context, e Email) (Receipt, error)
	Name() string
}

var ErrRejected = errors.New("transport rejected message")
