package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nixpig/ocrdmonitor/internal/browser"
	"github.com/nixpig/ocrdmonitor/internal/browser/cgroups"
	"github.com/nixpig/ocrdmonitor/internal/jobs"
	"github.com/nixpig/ocrdmonitor/internal/redirect"
	"github.com/nixpig/ocrdmonitor/internal/session"
	"github.com/nixpig/ocrdmonitor/internal/tlsconfig"
	"github.com/nixpig/ocrdmonitor/internal/workspace"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TODO: Inject version at build time.
const version = "0.0.1"

const shutdownTimeout = 15 * time.Second

var errNoController = errors.New("no controller host configured")

func rootCmd() *cobra.Command {
	cfg := defaultConfig()

	var configPath string

	serve := func(cmd *cobra.Command, args []string) error {
		if err := cfg.validate(); err != nil {
			return err
		}

		return runServer(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), cfg.Debug))
	}

	command := &cobra.Command{
		Use:          "ocrdmonitor",
		Short:        "Web dashboard for OCR-D jobs and workspaces",
		Example:      "  ocrdmonitor --workspace-dir /data/workspaces --port-range 9000-9100",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return nil
			}

			return cfg.load(configPath, cmd.Flags())
		},
		RunE: serve,
	}

	command.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the dashboard (default)",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		workspacesCmd(cfg),
		healthCmd(cfg),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML settings file")
	cfg.bindFlags(command.PersistentFlags())

	return command
}

func workspacesCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:     "workspaces",
		Short:   "List the workspaces below the workspace dir",
		Example: "  ocrdmonitor workspaces --workspace-dir /data/workspaces",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spaces, err := workspace.List(cfg.Browser.WorkspaceDir)
			if err != nil {
				return err
			}

			for _, ws := range spaces {
				fmt.Fprintln(cmd.OutOrStdout(), ws)
			}

			return nil
		},
	}
}

func healthCmd(cfg *config) *cobra.Command {
	var (
		service string
		timeout time.Duration
	)

	command := &cobra.Command{
		Use:   "health",
		Short: "Query the health server of a running dashboard",
		Long: "Query the health server of a running dashboard. With --ca-cert the " +
			"server is verified and --tls-cert/--tls-key are sent as client certificate.",
		Example: "  ocrdmonitor health --host localhost --health-port 5001",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Server.HealthPort == 0 {
				return errors.New("health-port is not set")
			}

			var tlsConfig *tls.Config
			if cfg.Server.CACert != "" {
				c, err := tlsconfig.SetupTLS(&tlsconfig.Config{
					CertPath:   cfg.Server.TLSCert,
					KeyPath:    cfg.Server.TLSKey,
					CACertPath: cfg.Server.CACert,
					ServerName: cfg.Server.Host,
				})
				if err != nil {
					return err
				}

				tlsConfig = c
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, err := checkHealth(
				ctx,
				net.JoinHostPort(cfg.Server.Host, strconv.Itoa(int(cfg.Server.HealthPort))),
				service,
				tlsConfig,
			)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), st.String())

			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service is %s", st.String())
			}

			return nil
		},
	}

	command.Flags().StringVar(&service, "service", "", "Service to check, empty for the whole server")
	command.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Timeout of the check")

	return command
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// runServer serves the dashboard until ctx is done and then shuts down in
// order: health reports NOT_SERVING, HTTP requests drain, viewers stop.
func runServer(ctx context.Context, cfg *config, logger *slog.Logger) error {
	root, err := filepath.Abs(cfg.Browser.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("resolve workspace dir: %w", err)
	}

	ports := browser.NewPortPool(cfg.Browser.PortRange.ports())

	var (
		factory    browser.Factory
		containers *browser.DockerFactory
	)

	switch cfg.Browser.Mode {
	case modeDocker:
		containers = browser.NewDockerFactory(ports, browser.DockerConfig{
			Host:   cfg.Browser.Host,
			Image:  cfg.Browser.Image,
			Logger: logger,
		})
		factory = containers

	default:
		limits := cfg.limits()
		if limits != nil {
			if err := cgroups.ValidateRoot(cfg.Browser.CgroupRoot); err != nil {
				return err
			}
		}

		factory = browser.NewSubprocessFactory(ports, browser.SubprocessConfig{
			Host:       cfg.Browser.Host,
			Viewer:     cfg.Browser.Viewer,
			Broadwayd:  cfg.Browser.Broadwayd,
			CgroupRoot: cfg.Browser.CgroupRoot,
			Limits:     limits,
			Logger:     logger,
		})
	}

	sessions := session.NewController(
		root,
		browser.NewRegistry(factory),
		redirect.NewMap(),
		logger,
	)

	index := workspace.NewIndex(root, logger)
	if err := index.Watch(ctx); err != nil {
		logger.Warn("watch workspaces", "root", root, "err", err)
	}

	jobController, err := newJobController(cfg)
	if err != nil {
		return err
	}

	s, err := newServer(cfg, logger, sessions, index, jobController)
	if err != nil {
		return err
	}

	listener, err := net.Listen(
		"tcp",
		net.JoinHostPort(cfg.Server.Host, strconv.Itoa(int(cfg.Server.Port))),
	)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var (
		hs             *healthServer
		healthListener net.Listener
	)

	if cfg.Server.HealthPort != 0 {
		hs, err = newHealthServer(cfg, logger)
		if err != nil {
			listener.Close()
			return err
		}

		healthListener, err = net.Listen(
			"tcp",
			net.JoinHostPort(cfg.Server.Host, strconv.Itoa(int(cfg.Server.HealthPort))),
		)
		if err != nil {
			listener.Close()
			return fmt.Errorf("listen health: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(
			"start server",
			"addr", listener.Addr().String(),
			"mode", cfg.Browser.Mode,
			"workspaces", root,
			"ports", cfg.Browser.PortRange.String(),
		)

		return s.start(listener)
	})

	if hs != nil {
		g.Go(func() error {
			return hs.start(healthListener)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutdown server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if hs != nil {
			hs.drain()
			defer hs.shutdown()
		}

		errs := []error{s.shutdown(shutdownCtx)}

		if err := sessions.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop viewers: %w", err))
		}

		if containers != nil {
			if err := containers.StopAll(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop containers: %w", err))
			}
		}

		return errors.Join(errs...)
	})

	return g.Wait()
}

// newJobController returns nil when no job dir is configured. Without a
// controller host, status queries fail and running jobs are left out.
func newJobController(cfg *config) (*jobs.Controller, error) {
	if cfg.Controller.JobDir == "" {
		return nil, nil
	}

	var query jobs.ProcessQuery = jobs.ProcessQueryFunc(
		func(context.Context, int) ([]jobs.ProcessStatus, error) {
			return nil, errNoController
		},
	)

	if cfg.Controller.Host != "" {
		q, err := jobs.NewSSHProcessQuery(jobs.SSHConfig{
			Host:    cfg.Controller.Host,
			Port:    cfg.Controller.Port,
			User:    cfg.Controller.User,
			KeyFile: cfg.Controller.KeyFile,
		})
		if err != nil {
			return nil, err
		}

		query = q
	}

	return jobs.NewController(query, cfg.Controller.JobDir), nil
}
