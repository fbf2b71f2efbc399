// Package redirect maps the workspaces opened by a session to the Browsers
// serving them and rewrites request paths into viewer URLs.
package redirect

import (
	"errors"
	"strings"
	"sync"

	"github.com/nixpig/ocrdmonitor/internal/browser"
)

var ErrNoRedirect = errors.New("no redirect found")

// Redirect associates a workspace with the Browser serving it.
type Redirect struct {
	workspace string
	browser   browser.Browser
}

func New(workspace string, b browser.Browser) *Redirect {
	return &Redirect{workspace: workspace, browser: b}
}

func (r *Redirect) Browser() browser.Browser {
	return r.browser
}

func (r *Redirect) Workspace() string {
	return r.workspace
}

// Matches reports whether path starts with the workspace of r. The test is a
// plain string prefix, so "ws2/file" matches a redirect for "ws".
func (r *Redirect) Matches(path string) bool {
	return strings.HasPrefix(path, r.workspace)
}

// URL returns the viewer URL for path, which may be relative to the
// workspace or start with it. The result never has a trailing slash.
func (r *Redirect) URL(path string) string {
	path = strings.TrimPrefix(path, r.workspace)
	path = strings.TrimPrefix(path, "/")
	address := strings.TrimSuffix(r.browser.Address(), "/")

	return strings.TrimSuffix(address+"/"+path, "/")
}

// Map holds the Redirects of every session. Safe for concurrent use.
type Map struct {
	redirects map[string][]*Redirect
	mu        sync.RWMutex
}

func NewMap() *Map {
	return &Map{redirects: make(map[string][]*Redirect)}
}

// Add stores a Redirect from workspace to b for the session, unless the
// session already has a Redirect matching workspace, which is returned
// instead.
func (m *Map) Add(session, workspace string, b browser.Browser) *Redirect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.find(session, workspace); ok {
		return r
	}

	r := New(workspace, b)
	m.redirects[session] = append(m.redirects[session], r)

	return r
}

// Get returns the first Redirect of the session matching path.
func (m *Map) Get(session, path string) (*Redirect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.find(session, path)
	if !ok {
		return nil, ErrNoRedirect
	}

	return r, nil
}

// Remove deletes the Redirect of the session matching workspace.
func (m *Map) Remove(session, workspace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.find(session, workspace)
	if !ok {
		return ErrNoRedirect
	}

	redirects := m.redirects[session]
	for i, candidate := range redirects {
		if candidate == r {
			redirects = append(redirects[:i], redirects[i+1:]...)
			break
		}
	}

	if len(redirects) == 0 {
		delete(m.redirects, session)
	} else {
		m.redirects[session] = redirects
	}

	return nil
}

// Contains reports whether the session has a Redirect matching workspace.
func (m *Map) Contains(session, workspace string) bool {
	_, err := m.Get(session, workspace)
	return err == nil
}

// Redirects returns the Redirects of the session.
func (m *Map) Redirects(session string) []*Redirect {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*Redirect(nil), m.redirects[session]...)
}

// Must hold mu.
func (m *Map) find(session, path string) (*Redirect, bool) {
	for _, r := range m.redirects[session] {
		if r.Matches(path) {
			return r, true
		}
	}

	return nil, false
}
