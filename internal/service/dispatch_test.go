package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-gateway/internal/client"
	"github.com/insider-one/notification-gateway/internal/domain"
)

// MockIdempotencyGuard is a mock implementation of domain.IdempotencyGuard
type MockIdempotencyGuard struct {
	mock.Mock
}

func (m *MockIdempotencyGuard) MarkIfNew(ctx context.Context, requestID string) (bool, error) {
	args := m.Called(ctx, requestID)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyGuard) BindNotification(ctx context.Context, requestID, notificationID string) error {
	args := m.Called(ctx, requestID, notificationID)
	return args.Error(0)
}

func (m *MockIdempotencyGuard) NotificationID(ctx context.Context, requestID string) (string, error) {
	args := m.Called(ctx, requestID)
	return args.String(0), args.Error(1)
}

// MockDownstream is a mock implementation of Downstream
type MockDownstream struct {
	mock.Mock
	name string
}

func (m *MockDownstream) Get(ctx context.Context, path string) (client.Document, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(client.Document), args.Error(1)
}

func (m *MockDownstream) Name() string {
	return m.name
}

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, req *domain.NotificationRequest, extra map[string]any, trackingID string) (string, error) {
	args := m.Called(ctx, req, extra, trackingID)
	return args.String(0), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func validRequest() *domain.NotificationRequest {
	return &domain.NotificationRequest{
		RequestID:    "r1",
		UserID:       "u1",
		Type:         domain.TypeEmail,
		TemplateCode: "welcome",
		Priority:     5,
	}
}

type fixture struct {
	guard     *MockIdempotencyGuard
	users     *MockDownstream
	templates *MockDownstream
	publisher *MockPublisher
	svc       *DispatchService
}

func newFixture() *fixture {
	f := &fixture{
		guard:     new(MockIdempotencyGuard),
		users:     &MockDownstream{name: "user-service"},
		templates: &MockDownstream{name: "template-service"},
		publisher: new(MockPublisher),
	}
	f.svc = NewDispatchService(f.guard, f.users, f.templates, f.publisher, testLogger())
	return f
}

func (f *fixture) userAllows() {
	f.users.On("Get", mock.Anything, "/users/u1").Return(client.Document{
		"data": map[string]any{
			"email": "u1@example.com",
			"preferences": map[string]any{
				"email": true,
				"push":  true,
			},
		},
	}, nil)
}

func (f *fixture) templateExists() {
	f.templates.On("Get", mock.Anything, "/templates/name/welcome").Return(client.Document{
		"data": map[string]any{"subject": "Welcome!"},
	}, nil)
}

func TestDispatch_Accepted(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.userAllows()
	f.templateExists()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, "").Return("track-1", nil)
	f.guard.On("BindNotification", mock.Anything, "r1", "track-1").Return(nil)

	result, err := f.svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Equal(t, "r1", result.RequestID)
	assert.Equal(t, "track-1", result.NotificationID)

	// The enrichment carries the user's email and the resolved template.
	f.publisher.AssertCalled(t, "Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(extra map[string]any) bool {
		_, hasTemplate := extra["template"]
		return extra["to_email"] == "u1@example.com" && hasTemplate
	}), "")
}

func TestDispatch_IdempotentReplay(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(false, nil)
	f.guard.On("NotificationID", mock.Anything, "r1").Return("track-1", nil)

	result, err := f.svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, result.Duplicate)
	assert.Equal(t, "r1", result.RequestID)
	assert.Equal(t, "track-1", result.NotificationID)

	// Nothing downstream of the guard runs, and nothing is published.
	f.users.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_ReplayWithoutBinding(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(false, nil)
	f.guard.On("NotificationID", mock.Anything, "r1").Return("", domain.ErrNotFound)

	result, err := f.svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Empty(t, result.NotificationID)
}

func TestDispatch_GuardOutageDegradesToProcessing(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(false, errors.New("redis down"))
	f.userAllows()
	f.templateExists()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, "").Return("track-1", nil)
	f.guard.On("BindNotification", mock.Anything, "r1", "track-1").Return(nil)

	result, err := f.svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "track-1", result.NotificationID)
}

func TestDispatch_PreferenceBlocked(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.users.On("Get", mock.Anything, "/users/u1").Return(client.Document{
		"data": map[string]any{
			"preferences": map[string]any{"email": false},
		},
	}, nil)

	_, err := f.svc.Dispatch(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrNotificationBlocked)

	f.templates.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_PreferenceServiceFailureDegrades(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.users.On("Get", mock.Anything, "/users/u1").Return(nil, domain.ErrServiceUnavailable)
	f.templateExists()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, "").Return("track-1", nil)
	f.guard.On("BindNotification", mock.Anything, "r1", "track-1").Return(nil)

	// Preference-check failure must never block delivery.
	result, err := f.svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "track-1", result.NotificationID)
}

func TestDispatch_TemplateFailureAbandonsRequest(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.userAllows()
	f.templates.On("Get", mock.Anything, "/templates/name/welcome").Return(nil, domain.ErrServiceUnavailable)

	_, err := f.svc.Dispatch(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrTemplateUnavailable)

	// Template is required content: no publish on failure.
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_UnsupportedType(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.users.On("Get", mock.Anything, mock.Anything).Return(nil, domain.ErrServiceUnavailable)
	f.templates.On("Get", mock.Anything, mock.Anything).Return(client.Document{
		"data": map[string]any{},
	}, nil)

	req := validRequest()
	req.Type = domain.NotificationType("FAX")

	_, err := f.svc.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_QueueUnavailable(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.userAllows()
	f.templateExists()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, "").Return("", domain.ErrQueueUnavailable)

	_, err := f.svc.Dispatch(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}

func TestDispatch_PublishFailure(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.userAllows()
	f.templateExists()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, "").Return("", domain.ErrPublishFailed)

	_, err := f.svc.Dispatch(context.Background(), validRequest())
	assert.ErrorIs(t, err, domain.ErrPublishFailed)
}

func TestDispatch_BindFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.userAllows()
	f.templateExists()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, "").Return("track-1", nil)
	f.guard.On("BindNotification", mock.Anything, "r1", "track-1").Return(errors.New("redis down"))

	result, err := f.svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "track-1", result.NotificationID)
}

func TestDispatch_PriorityPassedThrough(t *testing.T) {
	f := newFixture()
	f.guard.On("MarkIfNew", mock.Anything, "r1").Return(true, nil)
	f.userAllows()
	f.templateExists()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, "").Return("track-1", nil)
	f.guard.On("BindNotification", mock.Anything, "r1", "track-1").Return(nil)

	req := validRequest()
	req.Priority = 9

	_, err := f.svc.Dispatch(context.Background(), req)
	require.NoError(t, err)

	f.publisher.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(r *domain.NotificationRequest) bool {
		return r.Priority == 9
	}), mock.Anything, "")
}
