package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScoringServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPredictor_ResponseAtLimit(t *testing.T) {
	body := `{"values":"` + strings.Repeat("x", 100) + `"}`
	srv := newScoringServer(t, body)
	p := NewPredictor(PredictorOptions{URL: srv.URL, MaxResponseBytes: int64(len(body))})

	got, err := p.Predict(context.Background(), "tok", []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestPredictor_ResponseTooLarge(t *testing.T) {
	body := `{"values":"` + strings.Repeat("x", 100) + `"}`
	srv := newScoringServer(t, body)
	p := NewPredictor(PredictorOptions{URL: srv.URL, MaxResponseBytes: int64(len(body) - 1)})

	_, err := p.Predict(context.Background(), "tok", []byte(`{"x":1}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPredictionTooLarge)
	assert.NotErrorIs(t, err, ErrMalformedPrediction)
	assert.Contains(t, err.Error(), "status 200")
}

func TestNewPredictor_DefaultResponseLimit(t *testing.T) {
	p := NewPredictor(PredictorOptions{URL: "http://scoring.invalid"})
	assert.Equal(t, int64(DefaultMaxResponseBytes), p.maxBytes)
}
