package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON error envelope shared by every referrald endpoint.
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retriable bool   `json:"retriable"`
}

// WriteError writes an ErrorBody with the given status.
func WriteError(w http.ResponseWriter, status int, kind, message string, retriable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: message, Kind: kind, Retriable: retriable})
}
