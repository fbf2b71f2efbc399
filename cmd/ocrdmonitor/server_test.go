package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nixpig/ocrdmonitor/internal/browser"
	"github.com/nixpig/ocrdmonitor/internal/jobs"
	"github.com/nixpig/ocrdmonitor/internal/redirect"
	"github.com/nixpig/ocrdmonitor/internal/session"
	"github.com/nixpig/ocrdmonitor/internal/workspace"
)

type fakeBrowser struct {
	owner     string
	workspace string
	address   string
	output    string
	state     browser.AtomicState
}

func (b *fakeBrowser) Owner() string        { return b.owner }
func (b *fakeBrowser) Workspace() string    { return b.workspace }
func (b *fakeBrowser) Address() string      { return b.address }
func (b *fakeBrowser) State() browser.State { return b.state.Load() }

func (b *fakeBrowser) Start(ctx context.Context) error {
	b.state.Store(browser.StateRunning)
	return nil
}

func (b *fakeBrowser) Stop(ctx context.Context) error {
	b.state.Store(browser.StateStopped)
	return nil
}

func (b *fakeBrowser) OpenChannel(ctx context.Context) (browser.Channel, error) {
	return browser.DialWebSocket(ctx, b.address+"/socket")
}

type outputBrowser struct {
	*fakeBrowser
}

func (b outputBrowser) StreamOutput() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(b.output)), nil
}

// fakeFactory records the browsers it creates.
type fakeFactory struct {
	address string
	output  bool
	err     error

	mu      sync.Mutex
	created []*fakeBrowser
}

func (f *fakeFactory) Create(owner, ws string) (browser.Browser, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	b := &fakeBrowser{
		owner:     owner,
		workspace: ws,
		address:   f.address,
		output:    "broadwayd :1\nviewer started\n",
	}
	b.state.Store(browser.StateCreated)

	f.created = append(f.created, b)

	if f.output {
		return outputBrowser{b}, nil
	}

	return b, nil
}

func (f *fakeFactory) browsers() []*fakeBrowser {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeBrowser(nil), f.created...)
}

// newViewer serves a page, an echoing script and an echoing broadway socket.
func newViewer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{Subprotocols: []string{browser.Subprotocol}}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		io.WriteString(w, "viewer index")
	})
	mux.HandleFunc("/broadway.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		io.WriteString(w, "broadway "+r.URL.RawQuery)
	})
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if err := conn.WriteMessage(typ, data); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

type testEnv struct {
	root    string
	srv     *httptest.Server
	client  *http.Client
	factory *fakeFactory
}

func setupTestServer(
	t *testing.T,
	factory *fakeFactory,
	jobController *jobs.Controller,
	configure ...func(cfg *config),
) *testEnv {
	t.Helper()

	root := t.TempDir()
	for _, ws := range []string{"a_workspace", "b_workspace", "nested/c_workspace"} {
		if err := os.MkdirAll(filepath.Join(root, ws), 0755); err != nil {
			t.Fatalf("failed to create workspace: '%v'", err)
		}

		if err := os.WriteFile(filepath.Join(root, ws, workspace.MetsFile), nil, 0644); err != nil {
			t.Fatalf("failed to create mets file: '%v'", err)
		}
	}

	cfg := defaultConfig()
	cfg.Browser.WorkspaceDir = root

	for _, fn := range configure {
		fn(cfg)
	}

	logger := slog.New(slog.DiscardHandler)

	sessions := session.NewController(
		root,
		browser.NewRegistry(factory),
		redirect.NewMap(),
		logger,
	)

	s, err := newServer(cfg, logger, sessions, workspace.NewIndex(root, logger), jobController)
	if err != nil {
		t.Fatalf("failed to create server: '%v'", err)
	}

	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: '%v'", err)
	}

	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}

	return &testEnv{root: root, srv: srv, client: client, factory: factory}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := e.client.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("failed to get %s: '%v'", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body of %s: '%v'", path, err)
	}

	return resp, string(body)
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()

	if resp.StatusCode != want {
		t.Errorf(
			"expected status of %s: got '%d', want '%d'",
			resp.Request.URL.Path,
			resp.StatusCode,
			want,
		)
	}
}

func expectContains(t *testing.T, body, want string) {
	t.Helper()

	if !strings.Contains(body, want) {
		t.Errorf("expected body to contain '%s': got '%s'", want, body)
	}
}

func waitForState(t *testing.T, b *fakeBrowser, want browser.State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for b.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected browser state: got '%s', want '%s'", b.State(), want)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerWorkspaces(t *testing.T) {
	t.Parallel()

	t.Run("Test index", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		resp, body := env.get(t, "/")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, "OCR-D Monitor")
	})

	t.Run("Test list workspaces", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		resp, body := env.get(t, "/workspaces/")
		expectStatus(t, resp, http.StatusOK)

		for _, ws := range []string{"a_workspace", "b_workspace", "nested/c_workspace"} {
			expectContains(t, body, "/workspaces/open/"+ws)
		}
	})

	t.Run("Test open and view workspace", func(t *testing.T) {
		viewer := newViewer(t)
		env := setupTestServer(t, &fakeFactory{address: viewer.URL}, nil)

		resp, body := env.get(t, "/workspaces/open/a_workspace")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, `src="/workspaces/view/a_workspace/"`)

		var cookie *http.Cookie
		for _, c := range resp.Cookies() {
			if c.Name == sessionCookie {
				cookie = c
			}
		}

		if cookie == nil || cookie.Value == "" {
			t.Fatalf("expected session cookie: got '%v'", resp.Cookies())
		}

		resp, body = env.get(t, "/workspaces/view/a_workspace/")
		expectStatus(t, resp, http.StatusOK)

		if body != "viewer index" {
			t.Errorf("expected viewer page: got '%s', want '%s'", body, "viewer index")
		}

		resp, body = env.get(t, "/workspaces/view/a_workspace/broadway.js?v=2")
		expectStatus(t, resp, http.StatusOK)

		if body != "broadway v=2" {
			t.Errorf("expected viewer script: got '%s', want '%s'", body, "broadway v=2")
		}

		if got := resp.Header.Get("Content-Type"); got != "text/javascript" {
			t.Errorf("expected content type: got '%s', want '%s'", got, "text/javascript")
		}

		created := env.factory.browsers()
		if len(created) != 1 {
			t.Fatalf("expected browsers created: got '%d', want '%d'", len(created), 1)
		}

		if created[0].Owner() != cookie.Value {
			t.Errorf("expected owner: got '%s', want '%s'", created[0].Owner(), cookie.Value)
		}

		if created[0].Workspace() != filepath.Join(env.root, "a_workspace") {
			t.Errorf("expected workspace: got '%s'", created[0].Workspace())
		}
	})

	t.Run("Test reopen keeps session and viewer", func(t *testing.T) {
		viewer := newViewer(t)
		env := setupTestServer(t, &fakeFactory{address: viewer.URL}, nil)

		env.get(t, "/workspaces/open/a_workspace")
		resp, _ := env.get(t, "/workspaces/open/a_workspace")
		expectStatus(t, resp, http.StatusOK)

		if got := len(env.factory.browsers()); got != 1 {
			t.Errorf("expected browsers created: got '%d', want '%d'", got, 1)
		}
	})

	t.Run("Test view without trailing slash redirects", func(t *testing.T) {
		viewer := newViewer(t)
		env := setupTestServer(t, &fakeFactory{address: viewer.URL}, nil)

		env.get(t, "/workspaces/open/a_workspace")

		resp, _ := env.get(t, "/workspaces/view/a_workspace")
		expectStatus(t, resp, http.StatusMovedPermanently)

		if got := resp.Header.Get("Location"); got != "/workspaces/view/a_workspace/" {
			t.Errorf("expected location: got '%s', want '%s'", got, "/workspaces/view/a_workspace/")
		}
	})

	t.Run("Test view without session", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		resp, body := env.get(t, "/workspaces/view/a_workspace/")
		expectStatus(t, resp, http.StatusNotFound)
		expectContains(t, body, "not open in this session")
	})

	t.Run("Test open invalid workspace", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		for _, ws := range []string{"missing", "nested"} {
			resp, body := env.get(t, "/workspaces/open/"+ws)
			expectStatus(t, resp, http.StatusNotFound)
			expectContains(t, body, "Not a valid workspace")
		}

		if got := len(env.factory.browsers()); got != 0 {
			t.Errorf("expected browsers created: got '%d', want '%d'", got, 0)
		}
	})

	t.Run("Test open with no ports available", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{err: browser.ErrNoPortsAvailable}, nil)

		resp, body := env.get(t, "/workspaces/open/a_workspace")
		expectStatus(t, resp, http.StatusServiceUnavailable)
		expectContains(t, body, "Not enough resources")

		resp, _ = env.get(t, "/workspaces/view/a_workspace/")
		expectStatus(t, resp, http.StatusNotFound)
	})

	t.Run("Test open with launch failure", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{
			err: &browser.LaunchError{
				Workspace: "a_workspace",
				Err:       browser.ErrExecutableNotFound,
			},
		}, nil)

		resp, body := env.get(t, "/workspaces/open/a_workspace")
		expectStatus(t, resp, http.StatusInternalServerError)
		expectContains(t, body, "Failed to launch the viewer for a_workspace")
	})

	t.Run("Test view failed", func(t *testing.T) {
		gone := httptest.NewServer(http.NotFoundHandler())
		gone.Close()

		env := setupTestServer(t, &fakeFactory{address: gone.URL}, nil)

		env.get(t, "/workspaces/open/a_workspace")

		resp, body := env.get(t, "/workspaces/view/a_workspace/")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, "not ready")
	})

	t.Run("Test switching workspace stops previous viewer", func(t *testing.T) {
		viewer := newViewer(t)
		env := setupTestServer(t, &fakeFactory{address: viewer.URL}, nil)

		env.get(t, "/workspaces/open/a_workspace")
		env.get(t, "/workspaces/open/nested/c_workspace")

		created := env.factory.browsers()
		if len(created) != 2 {
			t.Fatalf("expected browsers created: got '%d', want '%d'", len(created), 2)
		}

		if created[0].State() != browser.StateStopped {
			t.Errorf("expected first browser state: got '%s', want '%s'", created[0].State(), browser.StateStopped)
		}

		resp, _ := env.get(t, "/workspaces/view/a_workspace/")
		expectStatus(t, resp, http.StatusNotFound)

		resp, body := env.get(t, "/workspaces/view/nested/c_workspace/")
		expectStatus(t, resp, http.StatusOK)

		if body != "viewer index" {
			t.Errorf("expected viewer page: got '%s', want '%s'", body, "viewer index")
		}
	})
}

func TestServerSocket(t *testing.T) {
	t.Parallel()

	t.Run("Test relay and close", func(t *testing.T) {
		viewer := newViewer(t)
		env := setupTestServer(t, &fakeFactory{address: viewer.URL}, nil)

		env.get(t, "/workspaces/open/a_workspace")

		dialer := websocket.Dialer{
			Jar:              env.client.Jar,
			Subprotocols:     []string{browser.Subprotocol},
			HandshakeTimeout: 5 * time.Second,
		}

		url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/workspaces/view/a_workspace/socket"

		conn, resp, err := dialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("failed to dial socket: '%v'", err)
		}

		if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != browser.Subprotocol {
			t.Errorf("expected subprotocol: got '%s', want '%s'", got, browser.Subprotocol)
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, []byte("frame")); err != nil {
			t.Fatalf("failed to write message: '%v'", err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read message: '%v'", err)
		}

		if typ != websocket.BinaryMessage || string(data) != "frame" {
			t.Errorf("expected echoed frame: got '%d %s', want '%d %s'", typ, data, websocket.BinaryMessage, "frame")
		}

		conn.Close()

		created := env.factory.browsers()
		if len(created) != 1 {
			t.Fatalf("expected browsers created: got '%d', want '%d'", len(created), 1)
		}

		waitForState(t, created[0], browser.StateStopped)

		// The redirect goes with the viewer.
		deadline := time.Now().Add(5 * time.Second)
		for {
			resp, _ := env.get(t, "/workspaces/view/a_workspace/")
			if resp.StatusCode == http.StatusNotFound {
				break
			}

			if time.Now().After(deadline) {
				t.Fatalf("expected redirect removed: got '%d'", resp.StatusCode)
			}

			time.Sleep(10 * time.Millisecond)
		}
	})

	t.Run("Test socket without session", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		dialer := websocket.Dialer{Subprotocols: []string{browser.Subprotocol}}
		url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/workspaces/view/a_workspace/socket"

		_, resp, err := dialer.Dial(url, nil)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("expected bad handshake: got '%v'", err)
		}

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected status: got '%d', want '%d'", resp.StatusCode, http.StatusNotFound)
		}
	})
}

func TestServerOutput(t *testing.T) {
	t.Parallel()

	t.Run("Test stream output", func(t *testing.T) {
		viewer := newViewer(t)
		env := setupTestServer(t, &fakeFactory{address: viewer.URL, output: true}, nil)

		env.get(t, "/workspaces/open/a_workspace")

		resp, body := env.get(t, "/workspaces/output/a_workspace")
		expectStatus(t, resp, http.StatusOK)

		if body != "broadwayd :1\nviewer started\n" {
			t.Errorf("expected output: got '%s'", body)
		}

		if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
			t.Errorf("expected content type: got '%s', want 'text/plain'", got)
		}
	})

	t.Run("Test output not captured", func(t *testing.T) {
		viewer := newViewer(t)
		env := setupTestServer(t, &fakeFactory{address: viewer.URL}, nil)

		env.get(t, "/workspaces/open/a_workspace")

		resp, body := env.get(t, "/workspaces/output/a_workspace")
		expectStatus(t, resp, http.StatusNotFound)
		expectContains(t, body, "does not capture")
	})

	t.Run("Test output without viewer", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{output: true}, nil)

		resp, body := env.get(t, "/workspaces/output/a_workspace")
		expectStatus(t, resp, http.StatusNotFound)
		expectContains(t, body, "No viewer is running")
	})
}

func TestServerPages(t *testing.T) {
	t.Parallel()

	t.Run("Test logs of workspace dir", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		os.WriteFile(filepath.Join(env.root, "a_workspace", logFile), []byte("step 1 done"), 0644)

		resp, body := env.get(t, "/logs/view/a_workspace")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, "step 1 done")
	})

	t.Run("Test logs of file", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		os.WriteFile(filepath.Join(env.root, "b_workspace", "run.log"), []byte("<run>"), 0644)

		resp, body := env.get(t, "/logs/view/b_workspace/run.log")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, "&lt;run&gt;")
	})

	t.Run("Test missing logs", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		resp, body := env.get(t, "/logs/view/b_workspace")
		expectStatus(t, resp, http.StatusNotFound)
		expectContains(t, body, "No logs found")
	})

	t.Run("Test workflow detail", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "ocr.sh"), []byte("ocrd process"), 0644)
		os.Mkdir(filepath.Join(dir, "sub"), 0755)

		env := setupTestServer(t, &fakeFactory{}, nil, func(cfg *config) {
			cfg.Controller.WorkflowDir = dir
		})

		resp, body := env.get(t, "/workflows/detail/ocr.sh")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, "ocrd process")

		resp, _ = env.get(t, "/workflows/detail/sub")
		expectStatus(t, resp, http.StatusNotFound)

		resp, _ = env.get(t, "/workflows/detail/missing.sh")
		expectStatus(t, resp, http.StatusNotFound)
	})

	t.Run("Test workflow without workflow dir", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		resp, _ := env.get(t, "/workflows/detail/ocr.sh")
		expectStatus(t, resp, http.StatusNotFound)
	})

	t.Run("Test logview redirect", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		resp, _ := env.get(t, "/logview")
		expectStatus(t, resp, http.StatusTemporaryRedirect)

		if got := resp.Header.Get("Location"); got != "http://127.0.0.1:8022/" {
			t.Errorf("expected location: got '%s', want '%s'", got, "http://127.0.0.1:8022/")
		}
	})

	t.Run("Test jobs", func(t *testing.T) {
		dir := t.TempDir()

		os.WriteFile(filepath.Join(dir, "running"), []byte(strings.Join([]string{
			"PID=42",
			"PROCESS_ID=5",
			"TASK_ID=6",
			"PROCESS_DIR=/data/5",
			"WORKDIR=a_workspace",
			"WORKFLOW=/workflows/ocr.sh",
			"REMOTEDIR=/remote/5",
			"CONTROLLER=controller:22",
		}, "\n")), 0644)

		os.WriteFile(filepath.Join(dir, "completed"), []byte(strings.Join([]string{
			"RETVAL=1",
			"PROCESS_ID=7",
			"TASK_ID=8",
			"PROCESS_DIR=/data/7",
			"WORKDIR=b_workspace",
			"WORKFLOW=/workflows/layout.sh",
			"REMOTEDIR=/remote/7",
			"CONTROLLER=controller:22",
		}, "\n")), 0644)

		query := jobs.ProcessQueryFunc(func(ctx context.Context, group int) ([]jobs.ProcessStatus, error) {
			return []jobs.ProcessStatus{{
				PID:        group,
				State:      jobs.ProcessState("R"),
				PercentCPU: 12.5,
				Memory:     2048,
				CPUTime:    90 * time.Second,
			}}, nil
		})

		env := setupTestServer(t, &fakeFactory{}, jobs.NewController(query, dir))

		resp, body := env.get(t, "/jobs/")
		expectStatus(t, resp, http.StatusOK)

		for _, want := range []string{"ocr.sh", "layout.sh", "12.5", "2048", "1m30s"} {
			expectContains(t, body, want)
		}

		if strings.Contains(body, "could not be queried") {
			t.Errorf("expected no query error: got '%s'", body)
		}
	})

	t.Run("Test jobs with failing query", func(t *testing.T) {
		dir := t.TempDir()

		os.WriteFile(filepath.Join(dir, "running"), []byte(strings.Join([]string{
			"PID=42",
			"PROCESS_ID=5",
			"TASK_ID=6",
			"PROCESS_DIR=/data/5",
			"WORKDIR=a_workspace",
			"WORKFLOW=/workflows/ocr.sh",
			"REMOTEDIR=/remote/5",
			"CONTROLLER=controller:22",
		}, "\n")), 0644)

		query := jobs.ProcessQueryFunc(func(context.Context, int) ([]jobs.ProcessStatus, error) {
			return nil, errNoController
		})

		env := setupTestServer(t, &fakeFactory{}, jobs.NewController(query, dir))

		resp, body := env.get(t, "/jobs/")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, "could not be queried")
	})

	t.Run("Test jobs without job dir", func(t *testing.T) {
		env := setupTestServer(t, &fakeFactory{}, nil)

		resp, body := env.get(t, "/jobs/")
		expectStatus(t, resp, http.StatusOK)
		expectContains(t, body, "No job directory configured")
	})

	t.Run("Test panic redirects to index", func(t *testing.T) {
		s := &server{logger: slog.New(slog.DiscardHandler)}

		rec := httptest.NewRecorder()
		s.handlePanic(rec, httptest.NewRequest(http.MethodGet, "/jobs/", nil), "boom")

		if rec.Code != http.StatusSeeOther {
			t.Errorf("expected status: got '%d', want '%d'", rec.Code, http.StatusSeeOther)
		}

		if got := rec.Header().Get("Location"); got != "/" {
			t.Errorf("expected location: got '%s', want '%s'", got, "/")
		}
	})
}

func TestLocalPath(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		rel    string
		wantOK bool
	}{
		"Test plain":    {rel: "a_workspace/ocrd.log", wantOK: true},
		"Test parent":   {rel: "../etc/passwd", wantOK: false},
		"Test escaping": {rel: "a_workspace/../../etc", wantOK: false},
		"Test absolute": {rel: "/etc/passwd", wantOK: false},
		"Test empty":    {rel: "", wantOK: false},
	}

	for name, data := range scenarios {
		t.Run(name, func(t *testing.T) {
			got, ok := localPath("/data", data.rel)

			if ok != data.wantOK {
				t.Errorf("expected ok: got '%t', want '%t'", ok, data.wantOK)
			}

			if ok && got != filepath.Join("/data", data.rel) {
				t.Errorf("expected path: got '%s', want '%s'", got, filepath.Join("/data", data.rel))
			}
		})
	}
}
