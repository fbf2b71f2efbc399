// Package proxy forwards HTTP requests to viewers and relays WebSocket
// messages between clients and viewers.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nixpig/ocrdmonitor/internal/browser"
	"github.com/nixpig/ocrdmonitor/internal/redirect"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single receive of Tunnel.
const DefaultTimeout = 100 * time.Millisecond

// ErrViewFailed is returned when the viewer could not be reached.
var ErrViewFailed = errors.New("view failed")

// hopHeaders are connection specific and not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Tunnel moves at most one message from source to target. A receive that
// times out is not an error. Errors from either channel are returned as is,
// so a closed channel yields an error wrapping browser.ErrChannelClosed.
func Tunnel(
	ctx context.Context,
	source browser.Channel,
	target browser.Channel,
	timeout time.Duration,
) error {
	receiveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := source.Receive(receiveCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil
		}

		return err
	}

	return target.Send(ctx, msg)
}

// Relay tunnels messages in both directions between client and viewer until
// either channel closes or ctx is done, and returns the error that ended it.
func Relay(
	ctx context.Context,
	client browser.Channel,
	viewer browser.Channel,
	timeout time.Duration,
) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g, ctx := errgroup.WithContext(ctx)

	pump := func(source, target browser.Channel) func() error {
		return func() error {
			for {
				if err := Tunnel(ctx, source, target, timeout); err != nil {
					return err
				}
			}
		}
	}

	g.Go(pump(client, viewer))
	g.Go(pump(viewer, client))

	return g.Wait()
}

// Forwarder issues GET requests to viewers without following redirects.
type Forwarder struct {
	client *http.Client
}

// NewForwarder creates a Forwarder using client, which has its redirect
// policy replaced. A nil client uses a client with a 30 second timeout.
func NewForwarder(client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Forwarder{client: &c}
}

// Forward fetches the viewer URL for path and copies status, headers and
// body to w. A viewer that cannot be reached yields an error wrapping
// ErrViewFailed and nothing is written to w.
func (f *Forwarder) Forward(
	ctx context.Context,
	w http.ResponseWriter,
	rd *redirect.Redirect,
	path string,
	rawQuery string,
) error {
	target := rd.URL(path)
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", target, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrViewFailed, err)
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}

	for _, h := range hopHeaders {
		header.Del(h)
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("copy response of %s: %w", target, err)
	}

	return nil
}
