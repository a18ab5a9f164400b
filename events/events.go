// Package events publishes ledger and payout events after they are committed.
// The ledger stays the source of truth; publishing is best-effort.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

//go:generate mockgen -destination=./mock_publisher.go -package=events . Publisher

type Type string

const (
	LedgerPosted   Type = "ledger.posted"
	ReferralPayout Type = "referral.payout"
	CodeRedeemed   Type = "invitation.redeemed"
)

type Event struct {
	Type       Type            `json:"type"`
	Key        string          `json:"key"` // partition key, usually the account id
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// New marshals payload into an event. Payload types are plain structs, so a
// marshal failure is a programming error and yields an empty payload.
func New(t Type, key string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("{}")
	}
	return Event{Type: t, Key: key, Payload: raw, OccurredAt: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, events ...Event) error {
	for _, e := range events {
		p.Logger.Info("event",
			zap.String("type", string(e.Type)),
			zap.String("key", e.Key),
			zap.ByteString("payload", e.Payload),
		)
	}
	return nil
}
