package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"hackohio/execstream/internal/config"
	"hackohio/execstream/internal/logging"
	"hackohio/execstream/internal/service"
	"hackohio/execstream/pkg/driver"
)

const shutdownGrace = 5 * time.Second

func main() {
	var (
		cfgPath = flag.String("config", "", "path to TOML config file")
		sock    = flag.String("socket", "", "unix socket path or host:port; overrides config")
		feats   = flag.String("features", "", "comma-separated feature list; overrides config")
		vmode   = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "driverd: %v\n", err)
		os.Exit(2)
	}
	if *sock != "" {
		cfg.Listen = *sock
	}
	if *feats != "" {
		cfg.Features = splitComma(*feats)
	}
	if *vmode {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "driverd: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Sugar().Errorw("driverd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	log := logger.Sugar()

	drv := driver.NewExecDriver(driver.Config{
		MaxConcurrency:   cfg.Exec.MaxConcurrency,
		TerminationGrace: cfg.Exec.TerminationGrace.Duration,
		PollInterval:     cfg.Exec.PollInterval.Duration,
		DefaultTimeout:   cfg.Exec.DefaultTimeout.Duration,
		DefaultDir:       cfg.Exec.DefaultDir,
		AllowedBinaries:  cfg.Exec.AllowedBinaries,
		Logger:           logger,
	})
	defer drv.Shutdown()

	l, err := listen(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	grpcServer := grpc.NewServer()
	service.Register(grpcServer, service.NewExecutionService(drv, service.Options{
		Profiles: driver.Profiles(cfg.Profiles),
		Features: cfg.Features,
		Metadata: cfg.Metadata,
		Logger:   logger,
	}))

	hs := health.NewServer()
	hs.SetServingStatus(service.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	// Enable server reflection for grpcurl and other tools
	reflection.Register(grpcServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("driverd listening", "addr", l.Addr().String(), "features", cfg.Features, "profiles", len(cfg.Profiles))

	errc := make(chan error, 1)
	go func() { errc <- grpcServer.Serve(l) }()

	select {
	case <-ctx.Done():
		log.Infow("shutting down", "running", drv.Registry().Len())
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	}

	hs.Shutdown()
	// In-flight streams only end once their commands do; kill them after a
	// bounded wait.
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace):
		log.Warnw("graceful stop timed out; killing executions", "running", drv.Registry().Len())
		drv.Shutdown()
		grpcServer.Stop()
	}
	return nil
}

func listen(cfg config.Config) (net.Listener, error) {
	network, addr := cfg.Network()
	if network != "unix" {
		return net.Listen(network, addr)
	}

	// Remove existing socket file if any
	if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	if _, err := os.Stat(addr); err == nil {
		_ = os.Remove(addr)
	}
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	_ = os.Chmod(addr, 0o766)
	return l, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
