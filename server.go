package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kyxap1/geoecho/internal/cache"
	"github.com/kyxap1/geoecho/internal/certs"
	"github.com/kyxap1/geoecho/internal/config"
	"github.com/kyxap1/geoecho/internal/edge"
	"github.com/kyxap1/geoecho/internal/geodb"
	"github.com/kyxap1/geoecho/internal/handlers"
	"github.com/kyxap1/geoecho/internal/metrics"
)

const (
	shutdownTimeout = 30 * time.Second
	// databases older than this are refreshed once at startup
	staleAfter = 7 * 24 * time.Hour
)

// app holds the wired components of a running service
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Manager
	cache   *cache.LookupCache
	store   *geodb.Store

	public    http.Handler
	admin     http.Handler
	tlsConfig *tls.Config
}

// providerChain orders the edge header provider ahead of the local database
func providerChain(cfg *config.Config, store *geodb.Store) edge.Chain {
	var chain edge.Chain
	if cfg.TrustEdgeHeaders {
		chain = append(chain, edge.NewHeaderProvider())
	}
	return append(chain, store)
}

// newApp wires every component without opening any listener
func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewManager(),
	}

	if cfg.CacheEnabled {
		a.cache = cache.NewLookupCache(cfg.CacheTTL, cfg.CacheMaxEntries, logger)
		logger.Infof("Cache enabled - TTL: %v, Max entries: %d", cfg.CacheTTL, cfg.CacheMaxEntries)
	} else {
		logger.Info("Cache disabled")
	}

	a.store = geodb.NewStore(cfg.DBPath, a.cache, a.metrics, logger)
	if err := a.store.Load(); err != nil {
		if !errors.Is(err, geodb.ErrNoDatabase) {
			a.close()
			return nil, fmt.Errorf("failed to load databases: %w", err)
		}
		logger.Warn("No local database loaded, geolocation relies on edge headers only")
	}

	echo := handlers.NewEchoHandler(providerChain(cfg, a.store), cfg.IPHeader)
	a.public = echo.SetupRoutes(handlers.NewMiddleware(logger, a.metrics, cfg.IPHeader))
	a.admin = handlers.NewAdminHandler(a.store, a.metrics, logger).SetupRoutes()

	if cfg.EnableTLS {
		certManager := newCertManager(cfg)
		if err := certManager.Ensure(cfg.GenerateCerts, cfg.CertHosts, cfg.CertValidDays); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to prepare certificate: %w", err)
		}
		tlsConfig, err := certManager.TLSConfig()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		a.tlsConfig = tlsConfig
	}

	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Errorf("Database close error: %v", err)
		} else {
			a.logger.Info("Database connections closed")
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
}

// update refreshes the databases, logging the outcome
func (a *app) update(ctx context.Context) {
	a.logger.Info("Running database update...")
	if err := a.store.Update(ctx, a.cfg.MaxMindLicense); err != nil {
		a.logger.Errorf("Failed to update databases: %v", err)
		return
	}
	a.logger.Info("Database update completed successfully")
}

// scheduleUpdates starts the cron refresh when auto update is configured
func (a *app) scheduleUpdates(ctx context.Context) (*cron.Cron, error) {
	if !a.cfg.AutoUpdate {
		return nil, nil
	}
	if a.cfg.MaxMindLicense == "" {
		a.logger.Warn("Automatic updates disabled: MaxMind license key not provided")
		return nil, nil
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(a.cfg.UpdateInterval, func() { a.update(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid update interval %q: %w", a.cfg.UpdateInterval, err)
	}
	scheduler.Start()
	a.logger.Infof("Scheduled database updates: %s", a.cfg.UpdateInterval)
	return scheduler, nil
}

func (a *app) newServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// servers returns every listener the configuration asks for
func (a *app) servers() map[string]*http.Server {
	servers := map[string]*http.Server{
		"HTTP": a.newServer(a.cfg.Port, a.public),
	}
	if a.tlsConfig != nil {
		s := a.newServer(a.cfg.HTTPSPort, a.public)
		s.TLSConfig = a.tlsConfig
		servers["HTTPS"] = s
	}
	if a.cfg.AdminPort > 0 {
		servers["Admin"] = a.newServer(a.cfg.AdminPort, a.admin)
	}
	return servers
}

func runServer(cmd *cobra.Command, args []string) error {
	logger.Info("Starting GeoEcho server...")

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler, err := a.scheduleUpdates(ctx)
	if err != nil {
		return err
	}

	var updates sync.WaitGroup
	if cfg.AutoUpdate && cfg.MaxMindLicense != "" && a.store.Stale(staleAfter) {
		updates.Add(1)
		go func() {
			defer updates.Done()
			a.update(ctx)
		}()
	}

	servers := a.servers()
	var wg sync.WaitGroup
	serverErrChan := make(chan error, len(servers))

	for name, server := range servers {
		wg.Add(1)
		go func(name string, server *http.Server) {
			defer wg.Done()
			logger.Infof("Starting %s server on %s", name, server.Addr)

			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("%s server error: %w", name, err)
			}
		}(name, server)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down gracefully...")
	case runErr = <-serverErrChan:
		logger.Errorf("Server error: %v", runErr)
	}

	// abort any in-flight download before the store is closed
	stop()
	gracefulShutdown(servers, scheduler, &wg)
	updates.Wait()
	return runErr
}

// gracefulShutdown stops the scheduler and drains every listener
func gracefulShutdown(servers map[string]*http.Server, scheduler *cron.Cron, wg *sync.WaitGroup) {
	logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if scheduler != nil {
		logger.Info("Stopping cron scheduler...")
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			logger.Warn("Timeout waiting for a running database update")
		}
	}

	for name, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			logger.Errorf("%s server shutdown error: %v", name, err)
			server.Close()
		} else {
			logger.Infof("%s server shut down gracefully", name)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All server goroutines finished")
	case <-ctx.Done():
		logger.Warn("Timeout waiting for server goroutines to finish")
	}

	logger.Info("Graceful shutdown completed")
}

// newCertManager resolves the certificate pair location from the configuration
func newCertManager(cfg *config.Config) *certs.Manager {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.CertPath, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.CertPath, "server.key")
	}
	return certs.NewManager(certPath, keyPath, logger)
}
