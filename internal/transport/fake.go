package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Recorder is an in-memory Sender. Addresses listed in Fail are rejected.
// AfterSend, when set, runs after each accepted message.
type Recorder struct {
	mu        sync.Mutex
	Sent      []Email
	Fail      map[string]bool
	Now       func() time.Time
	AfterSend func(Email)
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Send(_ context.Context, e Email) (Receipt, error) {
	r.mu.Lock()
	if r.Fail[e.To] {
		r.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: mailbox unavailable", ErrRejected)
	}
	r.Sent = append(r.Sent, e)
	id := fmt.Sprintf("rec-%d", len(r.Sent))
	r.mu.Unlock()
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if r.AfterSend != nil {
		r.AfterSend(e)
	}
	return Receipt{ProviderMessageID: id, SentAt: now()}, nil
}
