package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/nixpig/ocrdmonitor/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// healthService is the service name reported next to the overall "" status.
const healthService = "ocrdmonitor"

// healthServer reports whether the dashboard is serving over the standard
// gRPC health protocol.
type healthServer struct {
	logger     *slog.Logger
	cfg        *config
	health     *health.Server
	grpcServer *grpc.Server
}

func newHealthServer(cfg *config, logger *slog.Logger) (*healthServer, error) {
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(contextCheckUnaryInterceptor),
	}

	if cfg.Server.TLSCert != "" {
		tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   cfg.Server.TLSCert,
			KeyPath:    cfg.Server.TLSKey,
			CACertPath: cfg.Server.CACert,
			Server:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("load TLS credentials: %w", err)
		}

		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	h := &healthServer{
		logger:     logger,
		cfg:        cfg,
		health:     health.NewServer(),
		grpcServer: grpc.NewServer(opts...),
	}

	healthpb.RegisterHealthServer(h.grpcServer, h.health)

	return h, nil
}

func (h *healthServer) start(listener net.Listener) error {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	h.logger.Info("start health server", "addr", listener.Addr().String())

	return h.grpcServer.Serve(listener)
}

// drain reports NOT_SERVING for every service while the server keeps
// answering.
func (h *healthServer) drain() {
	h.health.Shutdown()
}

func (h *healthServer) shutdown() {
	h.grpcServer.GracefulStop()
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}

// checkHealth queries the health server at addr. A nil tlsConfig connects
// without transport security.
func checkHealth(
	ctx context.Context,
	addr string,
	service string,
	tlsConfig *tls.Config,
) (healthpb.HealthCheckResponse_ServingStatus, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(
		ctx,
		&healthpb.HealthCheckRequest{Service: service},
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, mapError(err)
	}

	return resp.GetStatus(), nil
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return errors.New("unknown service")
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.Unavailable:
		return errors.New("server unavailable")
	case codes.DeadlineExceeded:
		return errors.New("timed out")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
