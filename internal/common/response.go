package common

import (
	"encoding/json"
	"net/http"
)

// Responses use a two-sided envelope: successful payloads are wrapped under
// "data", failures carry an ErrorBody under "error". Handlers never mix the
// two in one response.

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Data writes v under the data envelope.
func Data(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, map[string]any{"data": v})
}

// JSONError writes code, message and optional details under the error
// envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{"error": ErrorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
