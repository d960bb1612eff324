// Package handler implements HTTP request handlers
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// JSONResponse is the standard API response envelope.
type JSONResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON writes the standard JSON envelope.
func WriteJSON(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(JSONResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// WriteError writes an error envelope with no data payload.
func WriteError(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, message, nil)
}
