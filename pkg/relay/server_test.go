package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/insights-relay/internal/governance"
)

func TestServer_ServesOnMultipleListeners(t *testing.T) {
	srv := NewServer(Chain(NewHandler(HandlerConfig{}), NewMetrics(), nil), ServerOptions{Name: "test"})

	first, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	extra, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Serve(extra)

	for _, addr := range []string{first.String(), extra.Addr().String()} {
		resp, err := http.Get("http://" + addr + "/")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, WelcomeMessage, string(body))
		assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + first.String() + "/")
	assert.Error(t, err, "listener should be closed after shutdown")
}

func TestServer_ListenError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = occupied.Close() }()

	srv := NewServer(http.NotFoundHandler(), ServerOptions{})
	_, err = srv.Listen(occupied.Addr().String())
	assert.Error(t, err)
}

func TestAdminHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordPrediction(ResultOK, time.Millisecond)
	h := NewAdminHandler(m)

	rec := doRequest(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = doRequest(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relay_predictions_total{result="ok"} 1`)
}

func TestWriteTimeoutFor(t *testing.T) {
	tests := []struct {
		name     string
		timeouts *governance.TimeoutManager
		want     time.Duration
	}{
		{
			name:     "defaults",
			timeouts: governance.NewTimeoutManager(governance.DefaultTimeoutConfig()),
			want:     60 * time.Second,
		},
		{
			name:     "long outbound timeouts",
			timeouts: governance.NewTimeoutManager(governance.TimeoutConfig{Identity: time.Minute, Prediction: 2 * time.Minute}),
			want:     3*time.Minute + writeTimeoutMargin,
		},
		{
			name:     "prediction without deadline",
			timeouts: governance.NewTimeoutManager(governance.TimeoutConfig{Identity: time.Second}),
			want:     -1,
		},
		{
			name: "nil manager",
			want: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WriteTimeoutFor(tt.timeouts))
		})
	}
}

func TestNewServer_WriteTimeout(t *testing.T) {
	assert.Equal(t, 60*time.Second, NewServer(http.NotFoundHandler(), ServerOptions{}).server.WriteTimeout)
	assert.Equal(t, 90*time.Second, NewServer(http.NotFoundHandler(), ServerOptions{WriteTimeout: 90 * time.Second}).server.WriteTimeout)
	assert.Zero(t, NewServer(http.NotFoundHandler(), ServerOptions{WriteTimeout: -1}).server.WriteTimeout)
}

func TestServer_SlowUpstreamStillGetsJSONError(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	timeouts := governance.NewTimeoutManager(governance.TimeoutConfig{Identity: time.Second, Prediction: 200 * time.Millisecond})
	srv := NewServer(NewHandler(HandlerConfig{
		Tokens:    staticToken("tok"),
		Predictor: NewPredictor(PredictorOptions{URL: slow.URL, Timeouts: timeouts}),
	}), ServerOptions{WriteTimeout: WriteTimeoutFor(timeouts)})

	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	resp, err := http.Post("http://"+addr.String()+"/predict", "application/json", strings.NewReader(`{"x":1}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "request timeout exceeded")
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }
