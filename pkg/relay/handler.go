// Package relay implements the HTTP surface that forwards prediction
// requests to the scoring service with a freshly issued bearer token.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/insights-relay/internal/secrets"
	"github.com/polisai/insights-relay/pkg/identity"
)

// WelcomeMessage is the fixed body served at the root path.
const WelcomeMessage = "Welcome to the Customer Insights API!"

// DefaultMaxBodyBytes caps inbound prediction payloads when no limit is configured.
const DefaultMaxBodyBytes = 10 << 20

// HandlerConfig wires the relay handler's collaborators.
type HandlerConfig struct {
	Tokens       identity.TokenSource
	Predictor    PredictionClient
	Redactor     *secrets.Redactor
	Metrics      *Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Handler serves the root and /predict endpoints.
type Handler struct {
	tokens       identity.TokenSource
	predictor    PredictionClient
	redactor     *secrets.Redactor
	metrics      *Metrics
	logger       *slog.Logger
	maxBodyBytes int64
	mux          *http.ServeMux
}

// NewHandler builds the relay handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	h := &Handler{
		tokens:       cfg.Tokens,
		predictor:    cfg.Predictor,
		redactor:     cfg.Redactor,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux.HandleFunc("POST /predict", h.handlePredict)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, WelcomeMessage)
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := h.logger.With("request_id", RequestIDFromContext(r.Context()))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("prediction request rejected: body too large", "limit_bytes", tooLarge.Limit)
			h.metrics.RecordPrediction(ResultTooLarge, time.Since(start))
			writeError(w, http.StatusRequestEntityTooLarge, msgRequestTooLarge)
			return
		}
		logger.Warn("prediction request rejected: unreadable body", "error", err)
		h.metrics.RecordPrediction(ResultBadRequest, time.Since(start))
		writeError(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	if !HasData(payload) {
		logger.Info("prediction request rejected: no data", "body_bytes", len(payload))
		h.metrics.RecordPrediction(ResultBadRequest, time.Since(start))
		writeError(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	token, err := h.tokens.Token(r.Context())
	if err != nil {
		h.fail(w, logger, "identity", err, start)
		return
	}

	result, err := h.predictor.Predict(r.Context(), token, payload)
	if err != nil {
		h.fail(w, logger, "prediction", err, start)
		return
	}

	h.metrics.RecordPrediction(ResultOK, time.Since(start))
	logger.Info("prediction relayed",
		"request_bytes", len(payload),
		"response_bytes", len(result),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// fail collapses every upstream failure into a 500 carrying the error text.
func (h *Handler) fail(w http.ResponseWriter, logger *slog.Logger, stage string, err error, start time.Time) {
	message := h.redactor.Redact(err.Error())

	logger.Error("prediction relay failed",
		"stage", stage,
		"identity_unreachable", identity.IsUnreachable(err),
		"token_missing", identity.IsTokenMissing(err),
		"prediction_unreachable", errors.Is(err, ErrPredictionUnreachable),
		"malformed_prediction", errors.Is(err, ErrMalformedPrediction),
		"error", message,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.metrics.RecordPrediction(ResultFailed, time.Since(start))
	writeError(w, http.StatusInternalServerError, message)
}

// HasData reports whether payload is JSON carrying a non-empty value. null,
// false, numeric zero, "", [] and {} all count as no data, as does anything
// that does not parse. Numbers outside float64 range are data.
func HasData(payload []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return false
	}

	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case json.Number:
		// Overflow yields ±Inf and underflow yields 0, matching float truthiness.
		f, _ := strconv.ParseFloat(t.String(), 64)
		return f != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
