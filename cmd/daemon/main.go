// Command daemon runs the wagate gateway: the HTTP API, the session
// supervisor and the warm-up pass over previously paired sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wagate/wagate/internal/api"
	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/config"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/lock"
	"github.com/wagate/wagate/internal/log"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/store"
	"github.com/wagate/wagate/internal/supervisor"
	"github.com/wagate/wagate/internal/upstream"
	"github.com/wagate/wagate/internal/upstream/stub"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("wagate", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "wagate", Version: version})
	logger := log.WithComponent("daemon")

	if err := run(cfg, version); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(cfg *config.Config, version string) error {
	logger := log.WithComponent("daemon")
	owner := lock.OwnerID()
	logger.Info().
		Str("version", version).
		Str(log.FieldOwnerID, owner).
		Int("port", cfg.Port).
		Bool("socket_enabled", cfg.SocketEnabled).
		Msg("starting")

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	factory := newFactory(cfg)
	hub := bus.NewHub()
	hub.AllowOrigins(cfg.CORSOrigins)
	reg := registry.New(st.DB)
	sup := supervisor.New(supervisor.Config{
		Store:    st,
		Creds:    credstore.New(st.DB),
		Registry: reg,
		Locks:    lock.New(st.DB, owner, cfg.LockTTL),
		Hub:      hub,
		Factory:  factory,
	})

	handler := api.NewRouter(api.Deps{
		Config:     cfg,
		Registry:   reg,
		Supervisor: sup,
		Store:      st,
		Hub:        hub,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		serveErr <- srv.ListenAndServe()
	}()

	// Warm previously paired sessions after the listener is up; the API
	// never waits for this.
	warmCtx, warmCancel := context.WithCancel(context.Background())
	defer warmCancel()
	go func() {
		report, err := sup.WarmSessions(warmCtx)
		if err != nil {
			logger.Warn().Err(err).Msg("session warm-up failed")
			return
		}
		logger.Info().
			Int("total", report.Total).
			Int("attempted", report.Attempted).
			Int("connected", report.Connected).
			Int("failed", report.Failed).
			Msg("session warm-up finished")
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting requests first, then tear down sockets and leases so a
	// restarted instance does not have to wait out the lease TTL. Cleanup
	// failures are logged inside, never fatal.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	warmCancel()
	sup.Close(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}

// realFactory is installed by a transport-specific file at link time; nil
// means no real WhatsApp transport is compiled into this binary.
var realFactory func() upstream.Factory

// newFactory selects the upstream transport. SOCKET_ENABLED=false runs the
// gateway against the in-process stub for development and offline testing.
func newFactory(cfg *config.Config) upstream.Factory {
	if cfg.SocketEnabled && realFactory != nil {
		return realFactory()
	}
	logger := log.WithComponent("daemon")
	if cfg.SocketEnabled {
		logger.Warn().
			Msg("no upstream transport linked, falling back to stub")
	} else {
		logger.Info().
			Msg("SOCKET_ENABLED=false, using in-process stub transport")
	}
	return stub.NewFactory()
}
