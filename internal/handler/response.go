package handler

import (
	"encoding/json"
	"net/http"

	"github.com/insider-one/notification-gateway/internal/domain"
)

// ErrorResponse is the wire shape for every client-facing error. Internal
// error text is never echoed through it.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// JSONError writes a structured error response.
func JSONError(w http.ResponseWriter, status int, errText, message string) {
	JSON(w, status, ErrorResponse{
		Success: false,
		Error:   errText,
		Message: message,
	})
}

// DecodeJSON decodes a JSON request body. Unknown fields are tolerated:
// clients attach arbitrary template-fill data.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return domain.NewValidationError("body", "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}
