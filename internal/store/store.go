package store

import (
	"context"
	"errors"
	"time"

	"tripnav/internal/model"
)

// Store is the persistence interface used by the trip service and API server.
type Store interface {
	// Trips
	CreateTrip(ctx context.Context, trip model.Trip) (model.Trip, error)
	GetTrip(ctx context.Context, tenantID, tripID string) (model.Trip, error)
	ListTrips(ctx context.Context, tenantID, driverID, cursor string, limit int) ([]model.Trip, string, error)
	// SaveTrip replaces the stored trip when its version still equals
	// expectedVersion and returns it with the version bumped.
	SaveTrip(ctx context.Context, trip model.Trip, expectedVersion int) (model.Trip, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error

	// Dead-letter queue
	ListWebhookDLQ(ctx context.Context, tenantID, cursor string, limit int) ([]map[string]any, string, error)
	RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)
