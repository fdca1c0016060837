// Package notify delivers alert and operator messages. Delivery is best
// effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrDelivery wraps every sink failure.
var ErrDelivery = errors.New("notification delivery failed")

const (
	KindPriceChange = "price_change"
	KindNewJourney  = "new_journey"
	KindBanAlert    = "ban_alert"
	KindRunSummary  = "run_summary"
)

// Message is one outgoing notification. Operator messages go to the
// operator channel; the rest go to ChatID when it is set.
type Message struct {
	Kind     string    `json:"kind"`
	Text     string    `json:"text"`
	ChatID   string    `json:"-"`
	Operator bool      `json:"operator"`
	UserID   uint      `json:"user_id,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Notifier delivers one message.
type Notifier interface {
	// Send reports whether the message reached its addressed recipient.
	Send(ctx context.Context, msg Message) (bool, error)
}

// Broadcaster is a sink that reaches whoever is listening rather than the
// addressed recipient.
type Broadcaster interface {
	Notifier
	Broadcasts() bool
}

// Multi fans a message out to every notifier. Only non-broadcast sinks
// count towards delivery.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) (bool, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	delivered := false
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		ok, err := n.Send(ctx, msg)
		if err != nil {
			errs = append(errs, err)
		}
		if b, isBroadcast := n.(Broadcaster); isBroadcast && b.Broadcasts() {
			continue
		}
		delivered = delivered || ok
	}
	return delivered, errors.Join(errs...)
}

// Nop drops every message.
type Nop struct{}

func (Nop) Send(context.Context, Message) (bool, error) { return false, nil }
