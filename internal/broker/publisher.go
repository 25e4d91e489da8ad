package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/insider-one/notification-gateway/internal/domain"
)

// ChannelSource provides a publish channel on demand.
type ChannelSource interface {
	Acquire(ctx context.Context) (Channel, error)
}

// Publisher builds and publishes notification messages and seeds the
// trackable status record.
type Publisher struct {
	channels ChannelSource
	status   domain.StatusStore
	exchange string
	logger   *slog.Logger
}

// NewPublisher creates a publisher over the given channel source.
func NewPublisher(channels ChannelSource, status domain.StatusStore, exchange string, logger *slog.Logger) *Publisher {
	return &Publisher{
		channels: channels,
		status:   status,
		exchange: exchange,
		logger:   logger,
	}
}

// Publish hands a validated notification to the broker and returns its
// tracking id (generated when trackingID is empty).
//
// The seed write to the status store is best effort: status visibility is
// a convenience, not a correctness gate, so a store outage must not
// sacrifice delivery. The publish itself is fatal to the operation and is
// returned wrapped as domain.ErrPublishFailed; retry budgets live with the
// channel manager and the client, not here.
func (p *Publisher) Publish(ctx context.Context, req *domain.NotificationRequest, extra map[string]any, trackingID string) (string, error) {
	if trackingID == "" {
		trackingID = uuid.New().String()
	}

	meta := domain.TrackingMetadata{
		NotificationID: trackingID,
		Status:         domain.StatusPending,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Error:          "",
	}

	body, err := p.buildBody(req, extra, meta)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}

	ch, err := p.channels.Acquire(ctx)
	if err != nil {
		return "", err
	}

	// Seed the status record before publishing so a successful publish is
	// immediately queryable. Failure is logged, never fatal.
	if err := p.status.Seed(ctx, domain.NewTrackingRecord(trackingID)); err != nil {
		p.logger.Warn("failed to seed tracking record",
			"notification_id", trackingID,
			"error", err,
		)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Priority:     uint8(req.Priority),
		DeliveryMode: amqp.Persistent,
		MessageId:    trackingID,
		Timestamp:    time.Now().UTC(),
	}

	routingKey := req.Type.RoutingKey()
	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.logger.Error("failed to publish notification",
			"notification_id", trackingID,
			"routing_key", routingKey,
			"error", err,
		)
		return "", fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}

	p.logger.Info("notification published",
		"notification_id", trackingID,
		"routing_key", routingKey,
		"priority", req.Priority,
	)
	return trackingID, nil
}

// buildBody serializes the request, merges caller-provided enrichment
// (resolved template, recipient email) and injects the tracking metadata
// block the channel consumers echo back.
func (p *Publisher) buildBody(req *domain.NotificationRequest, extra map[string]any, meta domain.TrackingMetadata) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	for k, v := range extra {
		payload[k] = v
	}
	payload["tracking_metadata"] = meta

	return json.Marshal(payload)
}
