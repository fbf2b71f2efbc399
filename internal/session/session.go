// Package session orchestrates viewers on behalf of browser sessions. A
// session views at most one workspace at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nixpig/ocrdmonitor/internal/browser"
	"github.com/nixpig/ocrdmonitor/internal/redirect"
	"github.com/nixpig/ocrdmonitor/internal/workspace"
)

// Controller launches viewers into sessions and keeps the redirects of each
// session in line with the viewers it owns. Operations on one session are
// serialised; different sessions proceed concurrently.
type Controller struct {
	root      string
	registry  *browser.Registry
	redirects *redirect.Map
	logger    *slog.Logger

	locks   map[string]*sessionLock
	locksMu sync.Mutex
}

// sessionLock serialises the operations of one session. refs counts the
// holders and waiters so the entry can be dropped once nobody uses it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewController creates a Controller for the workspaces below root.
func NewController(
	root string,
	registry *browser.Registry,
	redirects *redirect.Map,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		root:      root,
		registry:  registry,
		redirects: redirects,
		logger:    logger,
		locks:     make(map[string]*sessionLock),
	}
}

// Open launches or reuses the viewer of the session for workspace, a path
// relative to the root, after stopping the viewers of the session in other
// workspaces. On failure the session has no viewer for workspace.
func (c *Controller) Open(ctx context.Context, session, ws string) (browser.Browser, error) {
	ws = clean(ws)

	full, err := c.resolve(ws)
	if err != nil {
		return nil, err
	}

	unlock := c.lock(session)
	defer unlock()

	stopped, err := c.registry.StopOwnedInOtherWorkspaces(ctx, session, full)
	if err != nil {
		c.logger.Warn("stop browsers in other workspaces", "session", session, "err", err)
	}

	for _, b := range stopped {
		c.removeRedirect(session, b)
	}

	b, err := c.registry.Launch(ctx, session, full)
	if err != nil {
		return nil, err
	}

	// A viewer that exited on its own leaves a stale redirect behind.
	if rd, err := c.redirects.Get(session, ws); err == nil && rd.Browser() != b {
		c.redirects.Remove(session, rd.Workspace())
	}

	c.redirects.Add(session, ws, b)

	c.logger.Info(
		"open workspace",
		"session", session,
		"workspace", ws,
		"address", b.Address(),
	)

	return b, nil
}

// Redirect returns the redirect of the session matching path. It waits for a
// concurrent Open of the session to finish. The redirect of a viewer that is
// no longer running is removed, since its port may already serve another
// session.
func (c *Controller) Redirect(session, path string) (*redirect.Redirect, error) {
	unlock := c.lock(session)
	defer unlock()

	rd, err := c.redirects.Get(session, clean(path))
	if err != nil {
		return nil, err
	}

	if state := rd.Browser().State(); state != browser.StateRunning {
		c.redirects.Remove(session, rd.Workspace())

		c.logger.Info(
			"drop stale redirect",
			"session", session,
			"workspace", rd.Workspace(),
			"state", state,
		)

		return nil, fmt.Errorf("%w: %s", redirect.ErrNoRedirect, rd.Workspace())
	}

	return rd, nil
}

// Browser returns the viewer of the session for workspace.
func (c *Controller) Browser(session, ws string) (browser.Browser, error) {
	full, err := c.resolve(clean(ws))
	if err != nil {
		return nil, err
	}

	return c.registry.Find(session, full)
}

// Close stops the viewers of the session in workspace and removes its
// redirect.
func (c *Controller) Close(ctx context.Context, session, ws string) error {
	ws = clean(ws)

	unlock := c.lock(session)
	defer unlock()

	stopped, err := c.registry.StopOwnedInWorkspace(ctx, session, filepath.Join(c.root, ws))

	if err := c.redirects.Remove(session, ws); err != nil && !errors.Is(err, redirect.ErrNoRedirect) {
		return err
	}

	c.logger.Info(
		"close workspace",
		"session", session,
		"workspace", ws,
		"stopped", len(stopped),
	)

	return err
}

// Shutdown stops every viewer.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.registry.Shutdown(ctx)
}

func (c *Controller) resolve(ws string) (string, error) {
	if ws == "" || !filepath.IsLocal(ws) {
		return "", fmt.Errorf("%w: %s", workspace.ErrInvalidWorkspace, ws)
	}

	full := filepath.Join(c.root, ws)
	if !workspace.IsValid(full) {
		return "", fmt.Errorf("%w: %s", workspace.ErrInvalidWorkspace, ws)
	}

	return full, nil
}

func (c *Controller) removeRedirect(session string, b browser.Browser) {
	rel, err := filepath.Rel(absPath(c.root), b.Workspace())
	if err != nil {
		return
	}

	if err := c.redirects.Remove(session, filepath.ToSlash(rel)); err != nil {
		c.logger.Debug("remove redirect", "session", session, "workspace", rel, "err", err)
	}
}

func (c *Controller) lock(session string) func() {
	c.locksMu.Lock()

	l, ok := c.locks[session]
	if !ok {
		l = &sessionLock{}
		c.locks[session] = l
	}

	l.refs++

	c.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		c.locksMu.Lock()
		defer c.locksMu.Unlock()

		l.refs--
		if l.refs == 0 {
			delete(c.locks, session)
		}
	}
}

func clean(ws string) string {
	return strings.Trim(ws, "/")
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}

	return abs
}
