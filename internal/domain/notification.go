package domain

import (
	"context"
	"fmt"
	"time"
)

// NotificationType represents the delivery channel requested by the client.
type NotificationType string

const (
	TypeEmail NotificationType = "EMAIL"
	TypePush  NotificationType = "PUSH"
)

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeEmail, TypePush:
		return true
	}
	return false
}

// RoutingKey returns the broker routing key for the type.
func (t NotificationType) RoutingKey() string {
	switch t {
	case TypeEmail:
		return "email"
	case TypePush:
		return "push"
	}
	return ""
}

// Status represents the delivery status of an accepted notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Priority bounds for notification requests. The broker's native priority
// field is a uint8; notification queues are declared with x-max-priority=10
// by their consumers.
const (
	MinPriority = 0
	MaxPriority = 9
)

// NotificationRequest is a validated inbound notification. Immutable once
// constructed; the dispatch pipeline never mutates it.
type NotificationRequest struct {
	RequestID    string           `json:"request_id"`
	UserID       string           `json:"user_id"`
	Type         NotificationType `json:"notification_type"`
	TemplateCode string           `json:"template_code"`
	Priority     int              `json:"priority"`
	Data         map[string]any   `json:"data,omitempty"`
}

// TrackingRecord is the queryable delivery status of a published
// notification. Seeded with status pending by the publisher; terminal
// transitions are written by the status consumer through the same store.
type TrackingRecord struct {
	NotificationID string    `json:"notification_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// NewTrackingRecord creates a pending record for a freshly accepted
// notification.
func NewTrackingRecord(notificationID string) *TrackingRecord {
	return &TrackingRecord{
		NotificationID: notificationID,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// TrackingMetadata is the status block injected into every published message
// body under the "tracking_metadata" key. Channel consumers echo it back on
// delivery-outcome messages.
type TrackingMetadata struct {
	NotificationID string `json:"notification_id"`
	Status         Status `json:"status"`
	Timestamp      string `json:"timestamp"`
	Error          string `json:"error"`
}

// IdempotencyGuard answers "was this request_id already processed?" and
// marks it in a single atomic step. Markers expire after a configured TTL,
// after which a replay is treated as a new request. Marking happens before
// the request is processed, so a crash mid-dispatch drops the request until
// the marker expires (deliberate at-most-once-attempt tradeoff).
type IdempotencyGuard interface {
	// MarkIfNew atomically marks request_id as processed. Returns true if
	// this call created the marker (first sight), false on a replay.
	MarkIfNew(ctx context.Context, requestID string) (bool, error)

	// BindNotification records the request_id -> notification_id mapping so
	// idempotent replays can be correlated with their original tracking id.
	BindNotification(ctx context.Context, requestID, notificationID string) error

	// NotificationID returns the tracking id bound to request_id, or
	// ErrNotFound if no binding exists.
	NotificationID(ctx context.Context, requestID string) (string, error)
}

// StatusStore provides read/write access to tracking records. Shared
// contract with the status consumer, which writes terminal transitions.
type StatusStore interface {
	Seed(ctx context.Context, record *TrackingRecord) error
	Get(ctx context.Context, notificationID string) (*TrackingRecord, error)
}

// Instance is a resolved downstream service endpoint.
type Instance struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// BaseURL returns the HTTP base URL for the instance.
func (i Instance) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", i.Address, i.Port)
}

// Resolver resolves a logical service name to a live instance.
type Resolver interface {
	// Resolve returns an instance for the named service, or
	// ErrServiceUnresolved if none is registered.
	Resolve(ctx context.Context, serviceName string) (Instance, error)
}
