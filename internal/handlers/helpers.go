package handlers

import (
	"encoding/json"
	"net/http"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// APIError is the error envelope every failing endpoint returns.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError writes the standard error payload.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) error {
	return WriteErrorDetails(w, statusCode, code, message, nil)
}

// WriteErrorDetails writes the standard error payload with extra details.
func WriteErrorDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) error {
	return WriteJSON(w, statusCode, map[string]interface{}{
		"error": APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
