package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/insider-one/notification-gateway/internal/client"
	"github.com/insider-one/notification-gateway/internal/domain"
)

const defaultStepTimeout = 5 * time.Second

// Downstream is the slice of the service client the dispatcher needs.
type Downstream interface {
	Get(ctx context.Context, path string) (client.Document, error)
	Name() string
}

// Publisher hands a validated notification to the broker.
type Publisher interface {
	Publish(ctx context.Context, req *domain.NotificationRequest, extra map[string]any, trackingID string) (string, error)
}

// MetricsRecorder receives dispatch outcome counters.
type MetricsRecorder interface {
	RecordDispatched(routingKey string)
	RecordRejected(reason string)
}

// DispatchResult is the outcome of an accepted or replayed request.
type DispatchResult struct {
	RequestID      string
	NotificationID string

	// Duplicate marks an idempotent replay: the request was already
	// processed and nothing was published. NotificationID is filled on a
	// best-effort basis from the request/tracking binding.
	Duplicate bool
}

// DispatchService sequences a notification request through idempotency,
// preference and template lookups, routing, and publish. The pipeline is
// linear with no backtracking; each network-bound step runs under its own
// timeout so one slow dependency cannot stall the handler pool.
type DispatchService struct {
	guard       domain.IdempotencyGuard
	users       Downstream
	templates   Downstream
	publisher   Publisher
	logger      *slog.Logger
	metrics     MetricsRecorder
	stepTimeout time.Duration
}

// NewDispatchService creates a new DispatchService.
func NewDispatchService(
	guard domain.IdempotencyGuard,
	users Downstream,
	templates Downstream,
	publisher Publisher,
	logger *slog.Logger,
) *DispatchService {
	return &DispatchService{
		guard:       guard,
		users:       users,
		templates:   templates,
		publisher:   publisher,
		logger:      logger,
		stepTimeout: defaultStepTimeout,
	}
}

// SetMetrics attaches an outcome recorder.
func (s *DispatchService) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// SetStepTimeout overrides the per-step timeout.
func (s *DispatchService) SetStepTimeout(d time.Duration) {
	if d > 0 {
		s.stepTimeout = d
	}
}

// Dispatch runs the full pipeline for one validated request.
//
// Error mapping for callers: ErrNotificationBlocked and ErrUnsupportedType
// reject the request, ErrTemplateUnavailable abandons it before publish,
// ErrQueueUnavailable and ErrPublishFailed surface broker trouble. All
// other errors are internal.
func (s *DispatchService) Dispatch(ctx context.Context, req *domain.NotificationRequest) (*DispatchResult, error) {
	// Mark before processing. A concurrent retry racing the first attempt
	// hits the atomic marker, not a stale read; the cost is a dropped
	// request if we crash between here and the publish, bounded by the
	// marker TTL.
	fresh, err := s.markProcessed(ctx, req.RequestID)
	if err != nil {
		// Guard outage: dedupe is best effort, delivery is not. Proceed.
		s.logger.Warn("idempotency guard unavailable, processing without dedupe",
			"request_id", req.RequestID,
			"error", err,
		)
		fresh = true
	}
	if !fresh {
		s.logger.Info("duplicate request detected", "request_id", req.RequestID)
		s.recordRejected("duplicate")
		return s.replayResult(ctx, req.RequestID), nil
	}

	extra := make(map[string]any)

	// Preference check. Failure here must never block delivery: log and
	// proceed without the enrichment.
	if err := s.checkPreferences(ctx, req, extra); err != nil {
		if s.isBlocked(err) {
			s.recordRejected("preference_blocked")
			return nil, err
		}
		s.logger.Warn("could not verify user preferences, proceeding",
			"request_id", req.RequestID,
			"user_id", req.UserID,
			"error", err,
		)
	}

	// Template fetch. Unlike preferences, the template is required content.
	if err := s.fetchTemplate(ctx, req, extra); err != nil {
		s.logger.Error("failed to fetch template",
			"request_id", req.RequestID,
			"template_code", req.TemplateCode,
			"error", err,
		)
		s.recordRejected("template_unavailable")
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateUnavailable, req.TemplateCode)
	}

	// Route by notification type.
	if !req.Type.IsValid() {
		s.recordRejected("unsupported_type")
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedType, req.Type)
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	notificationID, err := s.publisher.Publish(pubCtx, req, extra, "")
	if err != nil {
		s.recordRejected("publish_failed")
		return nil, err
	}

	s.bindTracking(ctx, req.RequestID, notificationID)

	if s.metrics != nil {
		s.metrics.RecordDispatched(req.Type.RoutingKey())
	}
	s.logger.Info("notification accepted",
		"request_id", req.RequestID,
		"notification_id", notificationID,
		"type", req.Type,
		"priority", req.Priority,
	)

	return &DispatchResult{
		RequestID:      req.RequestID,
		NotificationID: notificationID,
	}, nil
}

func (s *DispatchService) markProcessed(ctx context.Context, requestID string) (bool, error) {
	stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	return s.guard.MarkIfNew(stepCtx, requestID)
}

// replayResult builds the idempotent-replay success result, correlating the
// original tracking id when the binding is still present.
func (s *DispatchService) replayResult(ctx context.Context, requestID string) *DispatchResult {
	result := &DispatchResult{RequestID: requestID, Duplicate: true}

	stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	if id, err := s.guard.NotificationID(stepCtx, requestID); err == nil {
		result.NotificationID = id
	}
	return result
}

// checkPreferences fetches the user and rejects the request when the user
// disabled this notification type. Missing preference data defaults to
// allowed. The user's email is collected as enrichment for the email
// channel consumer.
func (s *DispatchService) checkPreferences(ctx context.Context, req *domain.NotificationRequest, extra map[string]any) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	doc, err := s.users.Get(stepCtx, "/users/"+req.UserID)
	if err != nil {
		return err
	}

	info, _ := doc["data"].(map[string]any)
	if prefs, ok := info["preferences"].(map[string]any); ok {
		if enabled, ok := prefs[req.Type.RoutingKey()].(bool); ok && !enabled {
			return fmt.Errorf("%w: %s for user %s", domain.ErrNotificationBlocked, req.Type, req.UserID)
		}
	}
	if email, ok := info["email"].(string); ok && email != "" {
		extra["to_email"] = email
	}
	return nil
}

func (s *DispatchService) isBlocked(err error) bool {
	return errors.Is(err, domain.ErrNotificationBlocked)
}

func (s *DispatchService) fetchTemplate(ctx context.Context, req *domain.NotificationRequest, extra map[string]any) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	doc, err := s.templates.Get(stepCtx, "/templates/name/"+req.TemplateCode)
	if err != nil {
		return err
	}
	if data, ok := doc["data"]; ok {
		extra["template"] = data
	}
	return nil
}

// bindTracking is best effort; a failed binding only degrades replay
// correlation, never the accepted request.
func (s *DispatchService) bindTracking(ctx context.Context, requestID, notificationID string) {
	stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	if err := s.guard.BindNotification(stepCtx, requestID, notificationID); err != nil {
		s.logger.Warn("failed to bind notification id to request",
			"request_id", requestID,
			"notification_id", notificationID,
			"error", err,
		)
	}
}

func (s *DispatchService) recordRejected(reason string) {
	if s.metrics != nil {
		s.metrics.RecordRejected(reason)
	}
}
