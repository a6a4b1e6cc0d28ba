package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	flag "github.com/spf13/pflag"

	"github.com/MrSnakeDoc/quay/internal/buildpipe"
	"github.com/MrSnakeDoc/quay/internal/config"
	"github.com/MrSnakeDoc/quay/internal/dashboard"
	"github.com/MrSnakeDoc/quay/internal/logger"
	"github.com/MrSnakeDoc/quay/internal/proxy"
	"github.com/MrSnakeDoc/quay/internal/routetable"
	"github.com/MrSnakeDoc/quay/internal/supervisor"
	"github.com/MrSnakeDoc/quay/internal/version"
)

// App owns the wired-together system: one route table shared by the
// supervisor group and the proxy, plus the proxy server itself.
type App struct {
	cfg    *config.Config
	logger logger.Logger
	routes *routetable.Table
	group  *supervisor.Group
	server *proxy.Server
}

// New parses flags, loads and validates configuration, and wires every
// component. A configuration error is returned before anything is spawned;
// the caller exits non-zero.
func New() (*App, error) {
	var (
		configPath = flag.String("config", "", "path to the services yaml (default: $QUAY_SERVICE_FILE, then quay.yaml)")
		logLevel   = flag.String("log-level", "", "override the configured log level")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// The route table is the single shared resource: supervisors write at
	// lifecycle edges, the proxy reads on every connection.
	routes := routetable.New(cfg.DashboardHost)

	pipeline := buildpipe.New(cfg.RootDir, cfg.UpdateOnStart, loggerClient)

	group := supervisor.NewGroup(cfg.Services, supervisor.Options{
		Pipeline:       pipeline,
		Routes:         routes,
		Log:            loggerClient,
		Ready:          supervisor.DialReady(cfg.ProbeInterval, cfg.ProbeTimeout),
		StartupTimeout: cfg.StartupTimeout,
		RestartBackoff: cfg.RestartBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxRestarts:    cfg.MaxRestarts,
		StopGrace:      cfg.StopGrace,
	})

	var dash http.Handler
	if cfg.DashboardHost != "" {
		dash = dashboard.New(dashboard.Options{
			Source:    group,
			Log:       loggerClient,
			StartTime: time.Now(),
		})
		loggerClient.Info("dashboard enabled", logger.String("host", cfg.DashboardHost))
	} else {
		loggerClient.Info("dashboard disabled")
	}

	handler := proxy.NewHandler(proxy.HandlerOptions{
		Routes:         routes,
		Dashboard:      dash,
		Log:            loggerClient,
		ConnectTimeout: cfg.ConnectTimeout,
		HeaderTimeout:  cfg.HeaderTimeout,
	})
	server := proxy.NewServer(
		cfg.BindAddrPort(),
		proxy.AccessLog(loggerClient)(middleware.Recoverer(handler)),
		cfg.IdleTimeout,
		loggerClient,
	)

	return &App{
		cfg:    cfg,
		logger: loggerClient,
		routes: routes,
		group:  group,
		server: server,
	}, nil
}

// Run starts every supervisor and the proxy, then blocks until a signal or
// a server error, shutting everything down gracefully.
func (a *App) Run() error {
	a.logger.Infof("🚀 Starting quay %s on %s (%d services)",
		version.Version, a.cfg.BindAddrPort(), len(a.cfg.Services))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.group.StartAll(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
		a.logger.Error("proxy server failed", logger.Error(runErr))
	}

	// Stop accepting and drain in-flight connections, then bring every
	// backend down within the same grace budget.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warnf("failed to stop proxy cleanly: %v", err)
	}
	a.group.StopAll(shutdownCtx)

	if runErr == nil {
		a.logger.Info("✅ quay stopped cleanly")
	}
	_ = a.logger.Sync()
	return runErr
}
