// Package identity exchanges a long-lived API key for a short-lived bearer
// token at an IAM token endpoint.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/insights-relay/internal/governance"
	"github.com/polisai/insights-relay/internal/secrets"
	"github.com/polisai/insights-relay/pkg/telemetry"
)

// GrantTypeAPIKey is the grant type the IAM token endpoint expects for API key exchange.
const GrantTypeAPIKey = "urn:ibm:params:oauth:grant-type:apikey"

// maxTokenResponseBytes bounds how much of the identity response is read.
const maxTokenResponseBytes = 1 << 20

// TokenSource yields a bearer token for one outbound call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Client. Redactor scrubs error text recorded on spans.
type Options struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Timeouts   *governance.TimeoutManager
	Redactor   *secrets.Redactor
	Logger     *slog.Logger
}

// Client fetches a fresh token on every call. Tokens are never cached.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	timeouts   *governance.TimeoutManager
	redactor   *secrets.Redactor
	logger     *slog.Logger
}

// NewClient creates a token client.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Client{
		url:        opts.URL,
		apiKey:     opts.APIKey,
		httpClient: opts.HTTPClient,
		timeouts:   opts.Timeouts,
		redactor:   opts.Redactor,
		logger:     opts.Logger,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Token performs one form-encoded POST to the identity endpoint and returns
// the access_token from its JSON response.
func (c *Client) Token(ctx context.Context) (string, error) {
	ctx, cancel := c.timeouts.WithTimeout(ctx, governance.CallIdentity)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "identity.token",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("relay.call", string(governance.CallIdentity))),
	)

	start := time.Now()
	token, statusCode, outcome, err := c.fetch(ctx)
	duration := time.Since(start)

	telemetry.EndSpan(span, statusCode, err, c.redactor)
	telemetry.RecordUpstreamCall(ctx, telemetry.UpstreamCall{
		Call:       string(governance.CallIdentity),
		Outcome:    outcome,
		StatusCode: statusCode,
		Duration:   duration,
	})

	if err != nil {
		return "", err
	}

	c.logger.Debug("identity token acquired",
		"status", statusCode,
		"duration_ms", duration.Milliseconds(),
	)
	return token, nil
}

func (c *Client) fetch(ctx context.Context) (string, int, telemetry.Outcome, error) {
	form := url.Values{
		"grant_type": {GrantTypeAPIKey},
		"apikey":     {c.apiKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, telemetry.OutcomeError, fmt.Errorf("%w: build request: %w", ErrIdentityUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			outcome := telemetry.OutcomeError
			if governance.IsTimeout(cause) {
				outcome = telemetry.OutcomeTimeout
			}
			return "", 0, outcome, fmt.Errorf("%w: %w", ErrIdentityUnreachable, cause)
		}
		return "", 0, telemetry.OutcomeError, fmt.Errorf("%w: %w", ErrIdentityUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return "", resp.StatusCode, telemetry.OutcomeError, fmt.Errorf("%w: read response: %w", ErrIdentityUnreachable, err)
	}

	var body tokenResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return "", resp.StatusCode, telemetry.OutcomeMalformed, fmt.Errorf("%w (status %d): %w", ErrMalformedTokenResponse, resp.StatusCode, err)
	}

	if body.AccessToken == "" {
		return "", resp.StatusCode, telemetry.OutcomeError, &TokenMissingError{
			StatusCode: resp.StatusCode,
			Message:    body.ErrorMessage,
		}
	}

	return body.AccessToken, resp.StatusCode, telemetry.OutcomeSuccess, nil
}
