package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/nixpig/ocrdmonitor/internal/browser"
	"github.com/nixpig/ocrdmonitor/internal/jobs"
	"github.com/nixpig/ocrdmonitor/internal/proxy"
	"github.com/nixpig/ocrdmonitor/internal/redirect"
	"github.com/nixpig/ocrdmonitor/internal/session"
	"github.com/nixpig/ocrdmonitor/internal/tlsconfig"
	"github.com/nixpig/ocrdmonitor/internal/workspace"
)

const (
	sessionCookie = "session_id"

	// streamBufferSize is the buffer size for reading viewer output.
	streamBufferSize = 4096

	// closeTimeout bounds stopping a viewer after its socket closed.
	closeTimeout = 10 * time.Second

	logFile = "ocrd.log"
)

type server struct {
	cfg        *config
	logger     *slog.Logger
	sessions   *session.Controller
	index      *workspace.Index
	jobs       *jobs.Controller
	forwarder  *proxy.Forwarder
	upgrader   websocket.Upgrader
	pages      map[string]*template.Template
	httpServer *http.Server
}

// newServer creates the dashboard server. jobController may be nil, in which
// case the jobs page reports that no job directory is configured.
func newServer(
	cfg *config,
	logger *slog.Logger,
	sessions *session.Controller,
	index *workspace.Index,
	jobController *jobs.Controller,
) (*server, error) {
	pages, err := parsePages()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &server{
		cfg:       cfg,
		logger:    logger,
		sessions:  sessions,
		index:     index,
		jobs:      jobController,
		forwarder: proxy.NewForwarder(nil),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{browser.Subprotocol},
		},
		pages: pages,
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return s, nil
}

func (s *server) routes() http.Handler {
	router := httprouter.New()

	router.GET("/", s.handleIndex)
	router.GET("/workspaces/", s.handleWorkspaces)
	router.GET("/workspaces/open/*workspace", s.handleOpen)
	router.GET("/workspaces/view/*path", s.handleView)
	router.GET("/workspaces/output/*workspace", s.handleOutput)
	router.GET("/jobs/", s.handleJobs)
	router.GET("/logs/view/*path", s.handleLogs)
	router.GET("/workflows/detail/*path", s.handleWorkflow)
	router.GET("/logview", s.handleLogview)

	router.PanicHandler = s.handlePanic

	return router
}

// start serves on listener until shutdown. With a certificate configured the
// listener is wrapped in TLS.
func (s *server) start(listener net.Listener) error {
	if s.cfg.Server.TLSCert != "" {
		tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   s.cfg.Server.TLSCert,
			KeyPath:    s.cfg.Server.TLSKey,
			CACertPath: s.cfg.Server.CACert,
			Server:     true,
		})
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}

		listener = tls.NewListener(listener, tlsConfig)
	}

	if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *server) shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.render(w, http.StatusOK, "index", nil)
}

func (s *server) handleWorkspaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	spaces, err := s.index.Workspaces()
	if err != nil {
		s.mapError(w, "list workspaces", err)
		return
	}

	s.render(w, http.StatusOK, "workspaces", map[string]any{"Workspaces": spaces})
}

func (s *server) handleOpen(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ws := strings.Trim(ps.ByName("workspace"), "/")

	id := sessionID(r)
	if id == "" {
		id = uuid.NewString()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if _, err := s.sessions.Open(r.Context(), id, ws); err != nil {
		s.mapError(w, "open workspace", err)
		return
	}

	s.render(w, http.StatusOK, "workspace", map[string]any{"Workspace": ws})
}

// handleView proxies the viewer of the session. The workspace path must end
// with a slash, otherwise relative URLs on the viewer page resolve against
// the parent directory.
func (s *server) handleView(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path := ps.ByName("path")
	id := sessionID(r)

	rd, err := s.sessions.Redirect(id, path)
	if err != nil {
		s.mapError(w, "view workspace", err)
		return
	}

	rel := strings.Trim(path, "/")

	if websocket.IsWebSocketUpgrade(r) && rel == rd.Workspace()+"/socket" {
		s.tunnel(w, r, id, rd)
		return
	}

	if rel == rd.Workspace() && !strings.HasSuffix(path, "/") {
		http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
		return
	}

	if err := s.forwarder.Forward(r.Context(), w, rd, rel, r.URL.RawQuery); err != nil {
		s.mapError(w, "forward request", err)
	}
}

// tunnel relays the socket of the client to the viewer until either side
// closes. A closed channel stops the viewer and removes the redirect.
func (s *server) tunnel(
	w http.ResponseWriter,
	r *http.Request,
	session string,
	rd *redirect.Redirect,
) {
	viewer, err := rd.Browser().OpenChannel(r.Context())
	if err != nil {
		s.mapError(w, "open viewer channel", err)
		return
	}
	defer viewer.Close()

	// Upgrade replies with an HTTP error itself.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade client socket", "session", session, "err", err)
		return
	}

	client := browser.NewWebSocketChannel(conn)
	defer client.Close()

	s.logger.Debug("open socket", "session", session, "workspace", rd.Workspace())

	err = proxy.Relay(r.Context(), client, viewer, proxy.DefaultTimeout)
	if !errors.Is(err, browser.ErrChannelClosed) {
		s.logger.Warn("relay socket", "session", session, "workspace", rd.Workspace(), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := s.sessions.Close(ctx, session, rd.Workspace()); err != nil {
		s.logger.Warn("close workspace", "session", session, "workspace", rd.Workspace(), "err", err)
	}
}

func (s *server) handleOutput(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ws := strings.Trim(ps.ByName("workspace"), "/")

	b, err := s.sessions.Browser(sessionID(r), ws)
	if err != nil {
		s.mapError(w, "stream output", err)
		return
	}

	streamer, ok := b.(browser.OutputStreamer)
	if !ok {
		s.mapError(w, "stream output", browser.ErrNoOutput)
		return
	}

	output, err := streamer.StreamOutput()
	if err != nil {
		s.mapError(w, "stream output", err)
		return
	}
	defer output.Close()

	// Read blocks until more output arrives, closing wakes it.
	stop := context.AfterFunc(r.Context(), func() { output.Close() })
	defer stop()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	flusher, _ := w.(http.Flusher)

	buf := make([]byte, streamBufferSize)
	for {
		n, err := output.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}

			if flusher != nil {
				flusher.Flush()
			}
		}

		if err != nil {
			if err != io.EOF {
				s.logger.Warn("read viewer output", "workspace", ws, "err", err)
			}

			return
		}
	}
}

func (s *server) handleJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data := map[string]any{}

	if s.jobs == nil {
		data["Error"] = "No job directory configured."
		s.render(w, http.StatusOK, "jobs", data)
		return
	}

	running, completed, err := s.jobs.Overview(r.Context())
	if err != nil {
		s.logger.Warn("query jobs", "err", err)
		data["Error"] = "Some jobs could not be queried."
	}

	data["Running"] = running
	data["Completed"] = completed

	s.render(w, http.StatusOK, "jobs", data)
}

// handleLogs shows the log file at path, or the ocrd.log inside it when path
// is a directory, relative to the workspace root.
func (s *server) handleLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rel := strings.Trim(ps.ByName("path"), "/")

	full, ok := localPath(s.cfg.Browser.WorkspaceDir, rel)
	if !ok {
		s.renderError(w, http.StatusNotFound, "No logs found.")
		return
	}

	if info, err := os.Stat(full); err == nil && info.IsDir() {
		full = filepath.Join(full, logFile)
	}

	content, err := os.ReadFile(full)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read logs", "path", rel, "err", err)
		}

		s.renderError(w, http.StatusNotFound, "No logs found.")
		return
	}

	s.render(w, http.StatusOK, "logs", map[string]any{
		"Path": rel,
		"Logs": string(content),
	})
}

func (s *server) handleWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rel := strings.Trim(ps.ByName("path"), "/")

	full, ok := localPath(s.cfg.Controller.WorkflowDir, rel)
	if !ok || s.cfg.Controller.WorkflowDir == "" {
		s.renderError(w, http.StatusNotFound, "Workflow not found.")
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		s.renderError(w, http.StatusNotFound, "Workflow not found.")
		return
	}

	content, err := os.ReadFile(full)
	if err != nil {
		s.mapError(w, "read workflow", err)
		return
	}

	s.render(w, http.StatusOK, "workflow", map[string]any{
		"Name":     rel,
		"Workflow": string(content),
	})
}

// handleLogview redirects to the log viewer on the same host.
func (s *server) handleLogview(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	target := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(int(s.cfg.Logview.Port))),
		Path:   "/",
	}

	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

// handlePanic logs the panic and sends the client back to the index.
func (s *server) handlePanic(w http.ResponseWriter, r *http.Request, v any) {
	s.logger.Error("recover handler panic", "path", r.URL.Path, "panic", v)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// mapError translates errors to error pages.
func (s *server) mapError(w http.ResponseWriter, logMsg string, err error) {
	var launchErr *browser.LaunchError

	switch {
	case errors.Is(err, browser.ErrNoPortsAvailable):
		s.logger.Warn(logMsg, "err", err)
		s.renderError(
			w,
			http.StatusServiceUnavailable,
			"Not enough resources to open the workspace. Close other viewers or try again later.",
		)

	case errors.Is(err, workspace.ErrInvalidWorkspace):
		s.logger.Warn(logMsg, "err", err)
		s.renderError(w, http.StatusNotFound, "Not a valid workspace.")

	case errors.Is(err, redirect.ErrNoRedirect):
		s.logger.Warn(logMsg, "err", err)
		s.renderError(w, http.StatusNotFound, "The workspace is not open in this session.")

	case errors.Is(err, browser.ErrBrowserNotFound):
		s.logger.Warn(logMsg, "err", err)
		s.renderError(w, http.StatusNotFound, "No viewer is running for the workspace in this session.")

	case errors.Is(err, browser.ErrNoOutput):
		s.logger.Warn(logMsg, "err", err)
		s.renderError(w, http.StatusNotFound, "The viewer does not capture its output.")

	case errors.Is(err, proxy.ErrViewFailed):
		s.logger.Warn(logMsg, "err", err)
		s.render(w, http.StatusOK, "view_failed", nil)

	case errors.As(err, &launchErr):
		s.logger.Error(logMsg, "err", err)
		s.renderError(
			w,
			http.StatusInternalServerError,
			fmt.Sprintf("Failed to launch the viewer for %s.", filepath.Base(launchErr.Workspace)),
		)

	default:
		s.logger.Error(logMsg, "err", err)
		s.renderError(w, http.StatusInternalServerError, "Internal server error.")
	}
}

func (s *server) renderError(w http.ResponseWriter, status int, message string) {
	s.render(w, status, "error", map[string]any{"Message": message})
}

func sessionID(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}

	return c.Value
}

// localPath joins rel to root when rel stays below root.
func localPath(root, rel string) (string, bool) {
	if !filepath.IsLocal(rel) {
		return "", false
	}

	return filepath.Join(root, rel), true
}
