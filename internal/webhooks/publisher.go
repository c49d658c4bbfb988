// Package webhooks queues trip events for tenant subscriptions and delivers
// them from a background worker. Each POST carries an X-Signature header from
// SignHMAC; subscribers check it with VerifyHMAC.
package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tripnav/internal/store"
)

type Publisher struct {
	Store store.Store
	Log   *slog.Logger
}

func NewPublisher(s store.Store, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{Store: s, Log: log}
}

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenantId"`
	TS       string `json:"ts"`
	Data     any    `json:"data"`
}

// Emit enqueues the event for every subscription of the tenant that listens
// for eventType. Failures are logged; they never fail the caller.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		p.Log.Warn("webhook subscriptions lookup failed", "tenant", tenantID, "event", eventType, "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(Envelope{
		ID:       "evt_" + uuid.NewString(),
		Type:     eventType,
		TenantID: tenantID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		Data:     data,
	})
	if err != nil {
		p.Log.Error("webhook payload marshal failed", "event", eventType, "err", err)
		return
	}
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			p.Log.Warn("webhook enqueue failed", "subscription", s.ID, "event", eventType, "err", err)
		}
	}
}
