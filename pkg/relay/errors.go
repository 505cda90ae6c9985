package relay

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Messages returned to callers for rejected input.
const (
	msgInvalidRequest  = "Invalid request. No data received."
	msgRequestTooLarge = "Request body too large."
)

var (
	// ErrPredictionUnreachable indicates the scoring request produced no HTTP response.
	ErrPredictionUnreachable = errors.New("prediction service unreachable")

	// ErrMalformedPrediction indicates the scoring service answered with a body that is not JSON.
	ErrMalformedPrediction = errors.New("prediction service returned a malformed response")

	// ErrPredictionTooLarge indicates the scoring response exceeded the buffering cap.
	ErrPredictionTooLarge = errors.New("prediction service response too large")
)

// errorResponse is the single failure shape the relay returns.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
