package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/reqguard/internal/api"
	"github.com/csai/reqguard/internal/audit"
	"github.com/csai/reqguard/internal/auth"
	"github.com/csai/reqguard/internal/config"
	"github.com/csai/reqguard/internal/guard"
	"github.com/csai/reqguard/internal/metrics"
	"github.com/csai/reqguard/internal/nonce"
	"github.com/csai/reqguard/internal/observability"
	"github.com/csai/reqguard/internal/signature"
	"github.com/csai/reqguard/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP admission service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)
	reg := metrics.New()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store_init_failed", slog.String("backend", cfg.Store.Backend), slog.String("error", err.Error()))
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("store_close_failed", slog.String("error", err.Error()))
		}
	}()

	g, err := buildGuard(cfg, store, reg, logger)
	if err != nil {
		logger.Error("guard_init_failed", slog.String("error", err.Error()))
		return err
	}
	g.Start()
	defer func() { _ = g.Close() }()

	apiServer := api.New(cfg, g, reg, logger)
	rl := auth.NewRateLimiter(cfg.RateLimit, reg)
	root := observability.Middleware(logger, reg, cfg.Observability.MetricsPath, apiServer.Handler(auth.NewAuthenticator(g, cfg.Server.MaxBodyBytes), rl))

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	rl.StartJanitor(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reqguard_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("store_backend", cfg.Store.Backend),
			slog.String("algorithm", cfg.Signature.Algorithm),
			slog.Bool("strict_ordering", cfg.Nonce.StrictOrdering),
		)
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		logger.Error("server_failed", slog.String("error", err.Error()))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cancelLoops()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	logger.Info("reqguard_stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (nonce.Store, func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		st, err := state.OpenBolt(cfg.Store.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rdb, err := state.DialRedis(dialCtx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		st := state.NewRedisStore(rdb,
			state.WithRedisPrefix(cfg.Store.RedisPrefix),
			state.WithRedisTTL(cfg.LedgerConfig().TTL),
		)
		return st, st.Close, nil
	default:
		return nonce.NewMemoryStore(), func() error { return nil }, nil
	}
}

func buildGuard(cfg config.Config, store nonce.Store, reg *metrics.Registry, logger *slog.Logger) (*guard.Guard, error) {
	sink := audit.NewSlogSink(logger)
	ledger, err := nonce.NewLedger(cfg.LedgerConfig(),
		nonce.WithStore(store),
		nonce.WithMetrics(reg),
		nonce.WithAudit(sink),
		nonce.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	signer, err := signature.NewService(cfg.SignerConfig(), signature.WithMetrics(reg))
	if err != nil {
		return nil, err
	}
	for _, c := range cfg.Signature.Clients {
		alg, err := signature.ParseAlgorithm(c.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", c.ID, err)
		}
		pub, err := hex.DecodeString(c.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("client %s: public key is not hex", c.ID)
		}
		if err := signer.RegisterClientKey(c.ID, alg, pub); err != nil {
			return nil, fmt.Errorf("client %s: %w", c.ID, err)
		}
	}
	return guard.New(ledger, signer,
		guard.WithMetrics(reg),
		guard.WithAudit(sink),
		guard.WithLogger(logger),
	)
}
