// Command pbx runs the PBX exchange: the line-protocol TCP listener and
// its admin/metrics HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbxsim/pbx/internal/adminserver"
	"github.com/pbxsim/pbx/internal/config"
	"github.com/pbxsim/pbx/internal/metrics"
	"github.com/pbxsim/pbx/internal/pbxregistry"
	"github.com/pbxsim/pbx/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, config.ErrNoPort) {
			// Missing or invalid port, or unparseable arguments: exit
			// successfully without starting the exchange.
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting pbx exchange",
		"port", cfg.Port,
		"admin_addr", cfg.AdminAddr,
		"max_extensions", cfg.MaxExtensions,
	)

	pbx := pbxregistry.New(cfg.MaxExtensions, logger)
	collector := metrics.NewCollector(pbx, time.Now())

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := server.New(addr, pbx, collector, logger, cfg.AcceptRate, cfg.AcceptBurst)
	if err := srv.Start(appCtx); err != nil {
		logger.Error("failed to start pbx listener", "error", err)
		os.Exit(1)
	}

	admin := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminserver.New(pbx, collector, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", admin.Addr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case s := <-sig:
		logger.Info("received signal", "signal", s.String())
	case err := <-errCh:
		logger.Error("admin server error", "error", err)
	}

	logger.Info("shutting down")

	// Stop taking new connections first, so nothing can register while
	// the registry drains. The registry then drives the actual
	// shutdown: Shutdown closes every registered TU's socket, which
	// unblocks each connection's read loop, and blocks until every TU
	// has unregistered. Only then is it safe to wait for the listener's
	// goroutines, since they don't close any connection themselves.
	srv.StopAccepting()
	pbx.Shutdown()
	srv.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}

	logger.Info("pbx exchange stopped")
}
