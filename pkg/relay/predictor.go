package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/insights-relay/internal/governance"
	"github.com/polisai/insights-relay/internal/secrets"
	"github.com/polisai/insights-relay/pkg/telemetry"
)

// DefaultMaxResponseBytes bounds how much of a scoring response is buffered.
const DefaultMaxResponseBytes = 32 << 20

// PredictionClient sends a JSON payload to the scoring service on behalf of a caller.
type PredictionClient interface {
	Predict(ctx context.Context, token string, payload []byte) (json.RawMessage, error)
}

// PredictorOptions configures a Predictor. Redactor scrubs error text
// recorded on spans. MaxResponseBytes caps the buffered response; zero uses
// DefaultMaxResponseBytes.
type PredictorOptions struct {
	URL              string
	HTTPClient       *http.Client
	Timeouts         *governance.TimeoutManager
	Redactor         *secrets.Redactor
	Logger           *slog.Logger
	MaxResponseBytes int64
}

// Predictor posts payloads to a fixed scoring endpoint.
type Predictor struct {
	url        string
	httpClient *http.Client
	timeouts   *governance.TimeoutManager
	redactor   *secrets.Redactor
	logger     *slog.Logger
	maxBytes   int64
}

// NewPredictor creates a scoring client for opts.URL.
func NewPredictor(opts PredictorOptions) *Predictor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}

	return &Predictor{
		url:        opts.URL,
		httpClient: opts.HTTPClient,
		timeouts:   opts.Timeouts,
		redactor:   opts.Redactor,
		logger:     opts.Logger,
		maxBytes:   opts.MaxResponseBytes,
	}
}

// Predict sends payload unmodified with a bearer token and returns the
// response body, which must be valid JSON. The downstream status code does
// not affect the result.
func (p *Predictor) Predict(ctx context.Context, token string, payload []byte) (json.RawMessage, error) {
	ctx, cancel := p.timeouts.WithTimeout(ctx, governance.CallPrediction)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "prediction.score",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("relay.call", string(governance.CallPrediction))),
	)

	start := time.Now()
	body, statusCode, outcome, err := p.post(ctx, token, payload)
	duration := time.Since(start)

	telemetry.EndSpan(span, statusCode, err, p.redactor)
	telemetry.RecordUpstreamCall(ctx, telemetry.UpstreamCall{
		Call:       string(governance.CallPrediction),
		Outcome:    outcome,
		StatusCode: statusCode,
		Duration:   duration,
	})

	if err != nil {
		return nil, err
	}

	if statusCode < 200 || statusCode >= 300 {
		p.logger.Warn("prediction service returned non-success status, passing body through",
			"status", statusCode,
			"duration_ms", duration.Milliseconds(),
		)
	}

	return body, nil
}

func (p *Predictor) post(ctx context.Context, token string, payload []byte) (json.RawMessage, int, telemetry.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, telemetry.OutcomeError, fmt.Errorf("%w: build request: %w", ErrPredictionUnreachable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			outcome := telemetry.OutcomeError
			if governance.IsTimeout(cause) {
				outcome = telemetry.OutcomeTimeout
			}
			return nil, 0, outcome, fmt.Errorf("%w: %w", ErrPredictionUnreachable, cause)
		}
		return nil, 0, telemetry.OutcomeError, fmt.Errorf("%w: %w", ErrPredictionUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read one byte past the cap so an oversized body is reported as such
	// rather than failing JSON validation after truncation.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, telemetry.OutcomeError, fmt.Errorf("%w: read response: %w", ErrPredictionUnreachable, err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, resp.StatusCode, telemetry.OutcomeError, fmt.Errorf("%w (status %d): exceeds %d bytes", ErrPredictionTooLarge, resp.StatusCode, p.maxBytes)
	}

	var body json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, resp.StatusCode, telemetry.OutcomeMalformed, fmt.Errorf("%w (status %d): %w", ErrMalformedPrediction, resp.StatusCode, err)
	}

	return json.RawMessage(data), resp.StatusCode, telemetry.OutcomeSuccess, nil
}
