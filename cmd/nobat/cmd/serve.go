package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/nobat/api"
	"github.com/jmcleod/nobat/backend"
	"github.com/jmcleod/nobat/internal/config"
	"github.com/jmcleod/nobat/internal/logger"
	"github.com/jmcleod/nobat/internal/metrics"
	"github.com/jmcleod/nobat/storage"
	bboltstorage "github.com/jmcleod/nobat/storage/bbolt"
)

const sealerPurpose = "nobat-session"

var (
	port    string
	tlsCert string
	tlsKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web login backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.ServerPort = port
		}
		applyDataDir(cmd, cfg)
		log := logger.Setup(os.Stderr, logger.ParseLevel(cfg.LogLevel))

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "sessions.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open session storage: %w", err)
		}
		defer repo.Close()

		sealer, err := storage.NewSealer([]byte(cfg.StorageSecret), sealerPurpose)
		if err != nil {
			return fmt.Errorf("failed to derive sealing key: %w", err)
		}

		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)

		client, err := backend.New(cfg.APIBaseURL,
			backend.WithTimeout(cfg.HTTPTimeout),
			backend.WithRateLimit(cfg.BackendRate, cfg.BackendBurst),
			backend.WithLogger(log.With("component", "backend")),
			backend.WithMetrics(collector),
		)
		if err != nil {
			return err
		}

		a := api.New(repo, sealer, client,
			api.WithLogger(log.With("component", "api")),
			api.WithMetrics(collector),
			api.WithDevCodes(cfg.DevOTP, cfg.DevOTPFallback),
			api.WithIdleTimeout(cfg.WorkspaceIdle),
			api.WithCachePrefixes(cfg.CachePrefixes),
		)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", metrics.Handler(reg))
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              ":" + cfg.ServerPort,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		log.Info("server started",
			slog.String("port", cfg.ServerPort),
			slog.String("data_dir", cfg.DataDir),
			slog.String("env", cfg.Env),
			slog.Bool("tls", tlsCert != ""),
		)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			log.Info("shutting down", slog.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&port, "port", "p", "8080", "Port to listen on (overrides NOBAT_SERVER_PORT)")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
