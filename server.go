package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/KingCide/Mariner/internal/audit"
	"github.com/KingCide/Mariner/internal/catalog"
	"github.com/KingCide/Mariner/internal/config"
	"github.com/KingCide/Mariner/internal/crypto"
	"github.com/KingCide/Mariner/internal/database"
	"github.com/KingCide/Mariner/internal/dispatcher"
	"github.com/KingCide/Mariner/internal/engine"
	"github.com/KingCide/Mariner/internal/handlers"
	"github.com/KingCide/Mariner/internal/logging"
	"github.com/KingCide/Mariner/internal/middleware"
	"github.com/KingCide/Mariner/internal/monitor"
	"github.com/KingCide/Mariner/internal/registry"
	"github.com/KingCide/Mariner/internal/sshtunnel"
	"github.com/KingCide/Mariner/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// stack is the wired connection layer shared by the server and the CLI
// commands.
type stack struct {
	tunnels    *sshtunnel.Manager
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
}

func (s *stack) close() {
	s.registry.CleanupAll()
	if err := s.tunnels.CloseAll(); err != nil {
		log.Warnf("Tunnel shutdown: %v", err)
	}
}

// setup loads config, logging and the database, then builds the
// connection layer. logLevel overrides the configured level when set.
func setup(logLevel string) (*stack, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}
	if logLevel == "" {
		logLevel = config.Cfg.LogLevel
	}
	logging.Init(config.Cfg.LogPath, logLevel)

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		return nil, err
	}

	tunnelCfg := sshtunnel.Config{
		ConnectTimeout:       config.Cfg.SSHConnectTimeout,
		KeepaliveInterval:    config.Cfg.SSHKeepaliveInterval,
		KeepaliveMaxFailures: config.Cfg.SSHKeepaliveMaxFailures,
	}
	if config.Cfg.SSHKnownHosts != "" {
		cb, err := sshtunnel.KnownHostsCallback(config.Cfg.SSHKnownHosts)
		if err != nil {
			database.Close()
			return nil, err
		}
		tunnelCfg.HostKeyCallback = cb
	}
	tunnels := sshtunnel.NewManager(tunnelCfg)

	reg := registry.New(registry.Options{
		Resolver: &transport.Resolver{LocalSocketPath: config.Cfg.LocalSocketPath},
		Builder:  &engine.Factory{Tunnels: tunnels, ProbeTimeout: config.Cfg.ProbeTimeout},
		Tunnels:  tunnels,
		RateLimiter: registry.NewRateLimiter(registry.RateLimitConfig{
			MaxAttemptsPerMinute: config.Cfg.ConnectAttemptsPerMinute,
			MaxConsecFailures:    config.Cfg.ConnectMaxConsecFailures,
			BlockDuration:        config.Cfg.ConnectBlockDuration,
		}),
		HealthTimeout: config.Cfg.ProbeTimeout,
	})
	disp := dispatcher.New(reg, dispatcher.WithBatchConcurrency(config.Cfg.BatchConcurrency))
	return &stack{tunnels: tunnels, registry: reg, dispatcher: disp}, nil
}

// connectAutoHosts connects every host flagged for auto-connect. Failures
// are collected and returned; successful connections stay up.
func connectAutoHosts(ctx context.Context, reg *registry.Registry) error {
	entries, err := catalog.AutoConnect()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, e := range entries {
		if _, err := reg.Connect(ctx, e.Descriptor); err != nil {
			result = multierror.Append(result, err)
			continue
		}
	}
	if n := len(entries); n > 0 {
		log.Infof("Auto-connect: %d/%d host(s) connected", n-countErrors(result), n)
	}
	return result.ErrorOrNil()
}

func countErrors(err *multierror.Error) int {
	if err == nil {
		return 0
	}
	return len(err.Errors)
}

func serve() error {
	s, err := setup("")
	if err != nil {
		return err
	}
	defer database.Close()
	defer logging.Close()

	if path := config.Cfg.HostsFile; path != "" {
		entries, err := config.LoadHostsFile(path)
		if err != nil {
			return err
		}
		n, err := catalog.Import(entries)
		if err != nil {
			return err
		}
		log.Infof("Imported %d host(s) from %s", n, path)
	}

	allowed, err := middleware.ParseAllowedIPs(config.Cfg.APIAllowedIPs)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditor := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	audit.SetGlobal(auditor)
	auditor.WatchRegistry(s.registry)
	monitor.LogTransitions(s.registry)
	if err := connectAutoHosts(sigCtx, s.registry); err != nil {
		log.Warnf("Auto-connect: %v", err)
	}

	mon, err := monitor.New(s.registry, config.Cfg.HealthCheckSchedule)
	if err != nil {
		return err
	}
	if err := mon.AddJob(config.Cfg.AuditPurgeSchedule, "audit purge", func() {
		auditor.PurgeOlderThan(0)
	}); err != nil {
		return err
	}
	mon.Start()

	handlers.Registry = s.registry
	handlers.Dispatcher = s.dispatcher
	handlers.HealthMonitor = mon
	handlers.ConnectTimeout = config.Cfg.SSHConnectTimeout + config.Cfg.ProbeTimeout
	handlers.StatsInterval = config.Cfg.StatsStreamInterval

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.AllowIPs(allowed))

	r.Get("/health", handlers.HealthCheck)
	r.Route("/api/v1", handlers.APIRoutes)

	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if config.Cfg.APITLS {
		cert, _, err := crypto.ServerCertificate(config.Cfg.APITLSHosts)
		if err != nil {
			return err
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server starting on %s (tls=%v)", config.Cfg.ListenAddr, config.Cfg.APITLS)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-sigCtx.Done():
		log.Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			mon.Stop()
			s.close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown error: %v", err)
	}

	mon.Stop()
	s.close()
	log.Info("Server stopped")
	return nil
}
