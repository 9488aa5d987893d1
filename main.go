package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/gluk-w/claworc/shellkeeper/internal/audit"
	"github.com/gluk-w/claworc/shellkeeper/internal/config"
	"github.com/gluk-w/claworc/shellkeeper/internal/crypto"
	"github.com/gluk-w/claworc/shellkeeper/internal/database"
	"github.com/gluk-w/claworc/shellkeeper/internal/handlers"
	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/middleware"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/sshterminal"
	"github.com/gluk-w/claworc/shellkeeper/internal/suspend"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	cfg := config.Cfg

	if err := logging.Init(cfg.LogPath, cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("logging init")
	}
	defer logging.Close()
	logger := logging.For("main")

	if err := database.Init(cfg.DatabasePath); err != nil {
		logger.Fatal().Err(err).Msg("database init")
	}
	defer database.Close()

	store := profiles.NewStore(database.DB)
	if cfg.ProfilesFile != "" {
		n, err := profiles.ImportFile(store, cfg.ProfilesFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ProfilesFile).Msg("import profiles")
		}
		logger.Info().Int("count", n).Str("path", cfg.ProfilesFile).Msg("profiles imported")
	}

	allowed, err := middleware.ParseAllowedSources(cfg.AllowedSources)
	if err != nil {
		logger.Fatal().Err(err).Msg("ALLOWED_SOURCES")
	}

	auditor := audit.NewAuditor(database.DB, cfg.AuditRetentionDays)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coord := suspend.NewCoordinator(suspend.Options{
		IdleTimeout:     cfg.SuspendIdleTimeout,
		ReplayMaxBytes:  int(cfg.ReplayMaxBytes),
		ReplayChunkSize: int(cfg.ReplayChunkSize),
		Store:           suspend.NewGormStore(database.DB),
		Auditor:         auditor,
		Metrics:         suspend.NewMetrics(reg),
	})
	if n, err := coord.RecoverOrphans(); err != nil {
		logger.Error().Err(err).Msg("recover suspended entries")
	} else if n > 0 {
		logger.Warn().Int("count", n).Msg("suspended shells lost with the previous process")
	}

	maint, err := startMaintenance(cfg, coord, auditor)
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.MaintenanceSchedule).Msg("maintenance schedule")
	}

	driver := sshterminal.NewDriver(cfg.Shell)
	server := &handlers.Server{
		Coordinator: coord,
		Profiles:    store,
		Starter: handlers.StarterFunc(func(ctx context.Context, p profiles.Profile) (suspend.Shell, error) {
			ts, err := driver.Start(ctx, p)
			if err != nil {
				return nil, err
			}
			return ts, nil
		}),
		Auditor:          auditor,
		DB:               database.DB,
		MessageRateLimit: cfg.MessageRateLimit,
		MessageRateBurst: cfg.MessageRateBurst,
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.Router(handlers.RouterOptions{
			APIToken:       cfg.APIToken,
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			AllowedSources: allowed,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLSEnabled() {
		if srv.TLSConfig, err = serverTLS(cfg); err != nil {
			logger.Fatal().Err(err).Msg("TLS")
		}
	}
	if cfg.APIToken == "" {
		logger.Warn().Msg("API_TOKEN is empty; the API is unauthenticated")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Bool("tls", srv.TLSConfig != nil).Msg("server starting")
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigCtx.Done()
	logger.Info().Msg("shutting down")

	<-maint.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Closing the coordinator first ends every session socket so Shutdown
	// does not wait on hijacked connections.
	coord.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("server stopped")
}

// startMaintenance schedules audit retention and stale entry pruning.
func startMaintenance(cfg config.Settings, coord *suspend.Coordinator, auditor *audit.Auditor) (*cron.Cron, error) {
	logger := logging.For("maintenance")
	c := cron.New()
	_, err := c.AddFunc(cfg.MaintenanceSchedule, func() {
		if n, err := auditor.PurgeOlderThan(cfg.AuditRetentionDays); err != nil {
			logger.Error().Err(err).Msg("purge audit log")
		} else if n > 0 {
			logger.Info().Int64("count", n).Msg("purged audit log")
		}
		if cfg.StaleEntryRetention > 0 {
			coord.PruneStale(cfg.StaleEntryRetention)
		}
		live, entries := coord.Stats()
		logger.Debug().Int("live", live).Int("entries", entries).Msg("maintenance done")
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// serverTLS builds the listener TLS config from configured files or, with
// TLS_AUTO, from a self-signed pair under DATA_PATH. A CA file verifies
// client certificates when one is presented.
func serverTLS(cfg config.Settings) (*tls.Config, error) {
	certFile, keyFile := cfg.TLSCert, cfg.TLSKey
	if certFile == "" {
		var err error
		certFile, keyFile, err = crypto.EnsureSelfSignedFiles(cfg.DataPath, selfSignedHosts(cfg.ListenAddr))
		if err != nil {
			return nil, err
		}
	}

	opts := tlsconfig.Options{
		CertFile: certFile,
		KeyFile:  keyFile,
		CAFile:   cfg.TLSCA,
	}
	if cfg.TLSCA != "" {
		opts.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsconfig.Server(opts)
}

func selfSignedHosts(listenAddr string) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if h, _, err := net.SplitHostPort(listenAddr); err == nil && h != "" {
		hosts = append(hosts, h)
	}
	if name, err := os.Hostname(); err == nil {
		hosts = append(hosts, name)
	}
	return hosts
}
