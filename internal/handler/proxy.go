package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/insider-one/notification-gateway/internal/client"
	"github.com/insider-one/notification-gateway/internal/domain"
)

// Proxied is the slice of the service client the proxy endpoints use.
type Proxied interface {
	Get(ctx context.Context, path string) (client.Document, error)
	Post(ctx context.Context, path string, body any) (client.Document, error)
	Name() string
}

// ProxyHandler forwards user and template management requests to their
// owning services. These are thin pass-throughs: no state, no retry policy
// beyond what the service clients already provide.
type ProxyHandler struct {
	users     Proxied
	templates Proxied
	logger    *slog.Logger
}

// NewProxyHandler creates a new ProxyHandler
func NewProxyHandler(users, templates Proxied, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{users: users, templates: templates, logger: logger}
}

// RegisterUserRoutes registers the user-service pass-throughs.
func (h *ProxyHandler) RegisterUserRoutes(r chi.Router) {
	r.Post("/users/", h.post(h.users, "/auth/register"))
	r.Post("/auth/login", h.post(h.users, "/auth/login"))
	r.Get("/users/", h.get(h.users, "/users/"))
}

// RegisterTemplateRoutes registers the template-service pass-throughs.
func (h *ProxyHandler) RegisterTemplateRoutes(r chi.Router) {
	r.Post("/templates/", h.post(h.templates, "/templates/"))
	r.Get("/templates/", h.get(h.templates, "/templates/"))
	r.Get("/templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.forward(w, r, func(ctx context.Context) (client.Document, error) {
			return h.templates.Get(ctx, "/templates/"+chi.URLParam(r, "id"))
		}, h.templates.Name())
	})
}

func (h *ProxyHandler) get(svc Proxied, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.forward(w, r, func(ctx context.Context) (client.Document, error) {
			return svc.Get(ctx, path)
		}, svc.Name())
	}
}

func (h *ProxyHandler) post(svc Proxied, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := DecodeJSON(r, &body); err != nil {
			JSONError(w, http.StatusUnprocessableEntity, "Invalid payload", err.Error())
			return
		}
		h.forward(w, r, func(ctx context.Context) (client.Document, error) {
			return svc.Post(ctx, path, body)
		}, svc.Name())
	}
}

func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, call func(context.Context) (client.Document, error), serviceName string) {
	doc, err := call(r.Context())
	if err != nil {
		h.logger.Error("proxy request failed",
			"service", serviceName,
			"path", r.URL.Path,
			"error", err,
		)

		switch {
		case errors.Is(err, domain.ErrServiceUnavailable), errors.Is(err, domain.ErrServiceUnresolved):
			JSONError(w, http.StatusServiceUnavailable,
				"Service unavailable",
				"Failed to communicate with downstream service")
		default:
			var de domain.DownstreamError
			if errors.As(err, &de) && de.StatusCode >= 400 && de.StatusCode < 500 {
				// Client-caused rejections pass through with their status.
				JSONError(w, de.StatusCode,
					"Request rejected by downstream service",
					"Downstream service rejected the request")
				return
			}
			JSONError(w, http.StatusInternalServerError,
				"Service unavailable",
				"Failed to communicate with downstream service")
		}
		return
	}

	JSON(w, http.StatusOK, doc)
}
