package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/insider-one/notification-gateway/internal/domain"
)

const statusKeyPrefix = "notification:status:"

// StatusStore implements domain.StatusStore as one Redis hash per tracking
// id. The status consumer writes terminal transitions through the same key
// layout; this core never deletes records (retention is an external policy).
type StatusStore struct {
	client *Client
}

// NewStatusStore creates a new StatusStore.
func NewStatusStore(client *Client) *StatusStore {
	return &StatusStore{client: client}
}

func statusKey(notificationID string) string {
	return statusKeyPrefix + notificationID
}

// Seed writes the initial tracking record.
func (s *StatusStore) Seed(ctx context.Context, record *domain.TrackingRecord) error {
	fields := map[string]any{
		"notification_id": record.NotificationID,
		"status":          string(record.Status),
		"created_at":      record.CreatedAt.Format(time.RFC3339Nano),
		"last_error":      record.LastError,
	}
	if err := s.client.client.HSet(ctx, statusKey(record.NotificationID), fields).Err(); err != nil {
		return fmt.Errorf("failed to seed tracking record: %w", err)
	}
	return nil
}

// Get returns the tracking record for a notification id, or
// domain.ErrNotFound when the id is unknown.
func (s *StatusStore) Get(ctx context.Context, notificationID string) (*domain.TrackingRecord, error) {
	fields, err := s.client.client.HGetAll(ctx, statusKey(notificationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tracking record: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}

	record := &domain.TrackingRecord{
		NotificationID: fields["notification_id"],
		Status:         domain.Status(fields["status"]),
		LastError:      fields["last_error"],
	}
	if createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		record.CreatedAt = createdAt
	}
	return record, nil
}
