package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/insider-one/notification-gateway/internal/domain"
	"github.com/insider-one/notification-gateway/internal/service"
)

// NotificationHandler handles notification dispatch and status requests
type NotificationHandler struct {
	dispatch *service.DispatchService
	status   domain.StatusStore
	validate *validator.Validate
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(dispatch *service.DispatchService, status domain.StatusStore) *NotificationHandler {
	return &NotificationHandler{
		dispatch: dispatch,
		status:   status,
		validate: validator.New(),
	}
}

// RegisterRoutes registers notification routes
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Dispatch)
	r.Get("/{id}", h.Status)
}

// DispatchRequest represents an inbound notification request. The
// notification_type value is deliberately not enum-validated here: an
// unknown type is a routing rejection (400), not a malformed payload (422).
type DispatchRequest struct {
	RequestID    string         `json:"request_id" validate:"required"`
	UserID       string         `json:"user_id" validate:"required"`
	Type         string         `json:"notification_type" validate:"required"`
	TemplateCode string         `json:"template_code" validate:"required"`
	Priority     int            `json:"priority" validate:"gte=0,lte=9"`
	Data         map[string]any `json:"data,omitempty"`
}

// Dispatch accepts a notification request for processing.
func (h *NotificationHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := DecodeJSON(r, &req); err != nil {
		JSONError(w, http.StatusUnprocessableEntity, "Invalid payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusUnprocessableEntity, "Invalid payload", "Request validation failed")
		return
	}

	result, err := h.dispatch.Dispatch(r.Context(), &domain.NotificationRequest{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Type:         domain.NotificationType(req.Type),
		TemplateCode: req.TemplateCode,
		Priority:     req.Priority,
		Data:         req.Data,
	})
	if err != nil {
		h.handleDispatchError(w, req, err)
		return
	}

	if result.Duplicate {
		body := map[string]any{
			"success":    true,
			"message":    "Request already processed",
			"request_id": result.RequestID,
		}
		if result.NotificationID != "" {
			body["notification_id"] = result.NotificationID
		}
		JSON(w, http.StatusOK, body)
		return
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"success":         true,
		"message":         "Notification accepted for processing",
		"notification_id": result.NotificationID,
		"request_id":      result.RequestID,
	})
}

func (h *NotificationHandler) handleDispatchError(w http.ResponseWriter, req DispatchRequest, err error) {
	switch {
	case errors.Is(err, domain.ErrNotificationBlocked):
		JSONError(w, http.StatusBadRequest,
			fmt.Sprintf("User has disabled %s notifications", req.Type),
			"Notification blocked by user preference")

	case errors.Is(err, domain.ErrUnsupportedType):
		JSONError(w, http.StatusBadRequest,
			fmt.Sprintf("Unsupported notification type: %s", req.Type),
			"Invalid notification type provided")

	case errors.Is(err, domain.ErrTemplateUnavailable):
		JSONError(w, http.StatusInternalServerError,
			"Template service unavailable",
			"Failed to retrieve notification template")

	case errors.Is(err, domain.ErrQueueUnavailable):
		JSONError(w, http.StatusServiceUnavailable,
			"Message queue unavailable",
			"Notification cannot be queued at this time")

	case errors.Is(err, domain.ErrPublishFailed):
		JSONError(w, http.StatusInternalServerError,
			"Publish failed",
			"Failed to queue notification for delivery")

	default:
		JSONError(w, http.StatusInternalServerError,
			"Internal server error",
			"Failed to process notification request")
	}
}

// Status returns the current tracking record for a notification.
func (h *NotificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.status.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			JSONError(w, http.StatusNotFound,
				"Notification not found",
				"No notification found with the provided ID")
			return
		}
		JSONError(w, http.StatusInternalServerError,
			"Internal server error",
			"Failed to retrieve notification status")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    record,
		"message": "Notification status retrieved successfully",
	})
}
