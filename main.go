package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"treasuredig/prober/internal/config"
	"treasuredig/prober/internal/journal"
	"treasuredig/prober/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "prober:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//1.- Open a journal bundle for this process when a journal directory is configured.
	var opts []ServerOption
	if cfg.JournalDir != "" {
		writer, manifest, err := journal.NewWriter(cfg.JournalDir, "queries", time.Now)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		cleaner := journal.NewCleaner(cfg.JournalDir, journal.RetentionPolicy{
			MaxBundles: cfg.JournalMaxBundles,
			MaxAge:     cfg.JournalMaxAge,
		}, logger)
		cleaner.Protect(writer.Directory())
		go cleaner.Run(ctx, cfg.JournalSweepInterval)
		logger.Info("journal bundle opened", logging.String("dir", writer.Directory()), logging.String("label", manifest.Label))
		opts = append(opts, WithJournal(writer, cleaner))
	}

	server, err := NewServer(cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("server close failed", logging.Error(err))
		}
	}()

	//2.- Start the HTTP and gRPC listeners.
	grpcServer, err := server.GRPCServer()
	if err != nil {
		return fmt.Errorf("configure grpc: %w", err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsEnabled := cfg.TLSCertPath != ""

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening",
			logging.String("url", listenerURL(cfg.Address, tlsEnabled)),
			logging.String("sessions", sessionURL(cfg.Address, tlsEnabled)),
		)
		var serveErr error
		if tlsEnabled {
			serveErr = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", serveErr)
		}
	}()
	go func() {
		logger.Info("grpc listening", logging.String("target", grpcTarget(cfg.GRPCAddress)), logging.String("auth", string(cfg.GRPCAuthMode)))
		if serveErr := grpcServer.Serve(grpcListener); serveErr != nil {
			errCh <- fmt.Errorf("grpc server: %w", serveErr)
		}
	}()

	//3.- Wait for a signal or a listener failure, then drain both servers.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("listener failed", logging.Error(runErr))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", logging.Error(err))
	}
	grpcServer.GracefulStop()
	return runErr
}
