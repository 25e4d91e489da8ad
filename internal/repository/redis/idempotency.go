package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/insider-one/notification-gateway/internal/domain"
)

const (
	requestKeyPrefix  = "request:processed:"
	trackingKeyPrefix = "request:notification:"
)

// IdempotencyGuard implements domain.IdempotencyGuard on Redis.
//
// The marker is written with SET NX so checking and marking a request_id is
// a single atomic round trip: two identical requests racing each other can
// never both observe "new". Markers carry a TTL; once it expires a replay
// is treated as a new request, which is the accepted, bounded weakening of
// exactly-once.
type IdempotencyGuard struct {
	client *Client
	ttl    time.Duration
}

// NewIdempotencyGuard creates a guard with the given marker TTL.
func NewIdempotencyGuard(client *Client, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{client: client, ttl: ttl}
}

func requestKey(requestID string) string {
	return requestKeyPrefix + requestID
}

func trackingKey(requestID string) string {
	return trackingKeyPrefix + requestID
}

// MarkIfNew atomically marks the request_id as processed. Returns true when
// this call created the marker.
func (g *IdempotencyGuard) MarkIfNew(ctx context.Context, requestID string) (bool, error) {
	created, err := g.client.client.SetNX(ctx, requestKey(requestID), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark request: %w", err)
	}
	return created, nil
}

// BindNotification stores the request_id -> notification_id mapping with the
// same lifetime as the marker, so replays can echo the original tracking id.
func (g *IdempotencyGuard) BindNotification(ctx context.Context, requestID, notificationID string) error {
	if err := g.client.client.Set(ctx, trackingKey(requestID), notificationID, g.ttl).Err(); err != nil {
		return fmt.Errorf("failed to bind notification id: %w", err)
	}
	return nil
}

// NotificationID returns the tracking id bound to the request_id.
func (g *IdempotencyGuard) NotificationID(ctx context.Context, requestID string) (string, error) {
	id, err := g.client.client.Get(ctx, trackingKey(requestID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("failed to look up notification id: %w", err)
	}
	return id, nil
}
