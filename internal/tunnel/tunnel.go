// Package tunnel exposes the locally bound relay under a public URL.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// ErrMissingAuthToken is returned when a tunnel is requested without credentials.
var ErrMissingAuthToken = errors.New("tunnel auth token is required")

// Listener is a net.Listener reachable at a public URL.
type Listener interface {
	net.Listener
	URL() string
}

// Opener creates public listeners.
type Opener interface {
	Open(ctx context.Context) (Listener, error)
}

// NgrokOpener opens HTTP endpoints through ngrok.
type NgrokOpener struct {
	AuthToken string
	// Domain optionally pins the endpoint to a reserved domain.
	Domain string
}

// Open connects to ngrok and starts an HTTP endpoint.
func (o NgrokOpener) Open(ctx context.Context) (Listener, error) {
	if o.AuthToken == "" {
		return nil, ErrMissingAuthToken
	}

	var endpointOpts []config.HTTPEndpointOption
	if o.Domain != "" {
		endpointOpts = append(endpointOpts, config.WithDomain(o.Domain))
	}

	tun, err := ngrok.Listen(ctx,
		config.HTTPEndpoint(endpointOpts...),
		ngrok.WithAuthtoken(o.AuthToken),
	)
	if err != nil {
		return nil, fmt.Errorf("open ngrok tunnel: %w", err)
	}
	return tun, nil
}

// Tunnel is an open public listener. Close is idempotent so both the HTTP
// server and the owner may close it.
type Tunnel struct {
	Listener

	logger   *slog.Logger
	once     sync.Once
	closeErr error
}

// Open opens a tunnel using opener and logs its public URL.
func Open(ctx context.Context, opener Opener, logger *slog.Logger) (*Tunnel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := opener.Open(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("public tunnel established", "url", ln.URL())
	return &Tunnel{Listener: ln, logger: logger}, nil
}

// Close tears the tunnel down.
func (t *Tunnel) Close() error {
	t.once.Do(func() {
		t.closeErr = t.Listener.Close()
		t.logger.Info("public tunnel closed", "url", t.URL())
	})
	return t.closeErr
}
