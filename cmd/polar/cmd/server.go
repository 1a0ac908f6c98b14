package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/polar/api"
	"github.com/jmcleod/polar/config"
	"github.com/jmcleod/polar/internal/logging"
	"github.com/jmcleod/polar/passkey"
	"github.com/jmcleod/polar/passphrase"
	"github.com/jmcleod/polar/ratelimit"
	"github.com/jmcleod/polar/session"
	"github.com/jmcleod/polar/storage"
	"github.com/jmcleod/polar/token"
	"github.com/jmcleod/polar/web"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

var (
	listenAddr string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Polar server",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer memguard.Purge()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
		slog.SetDefault(logger)
		if cfg.EphemeralSecret {
			logger.Warn("JWT_SECRET not set, using an ephemeral secret; sessions end when the process exits")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		rlStore, mem, closeLimiter, err := limiterStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeLimiter()

		a, err := newAPI(cfg, logger, store, rlStore)
		if err != nil {
			return err
		}
		defer a.Close()

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           a.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			mem.Run(gctx, sweepInterval)
			return nil
		})
		g.Go(func() error {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		})

		printBanner(cmd.OutOrStdout())
		logger.Info("server listening",
			"addr", cfg.ListenAddr,
			"env", cfg.Environment,
			"storage", cfg.StorageDriver,
			"tls", tlsCert != "",
		)
		return g.Wait()
	},
}

// newAPI wires the authentication services described by cfg.
func newAPI(cfg *config.Config, logger *slog.Logger, store storage.Store, rlStore ratelimit.Store) (*api.API, error) {
	tokens, err := token.NewService([]byte(cfg.JWTSecret), token.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}
	verifier, err := passkey.NewWebAuthnVerifier(passkey.Config{
		RPID:    cfg.RPID,
		RPName:  cfg.RPName,
		Origins: cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	webHandler, err := web.Handler()
	if err != nil {
		return nil, err
	}

	secure := cfg.IsProduction()
	sessions := session.NewManager(tokens, session.WithSecure(secure), session.WithLogger(logger))
	passkeys := passkey.NewService(verifier, store, tokens, passkey.WithSecure(secure), passkey.WithLogger(logger))

	return api.New(store, sessions, passkeys,
		api.WithLogger(logger),
		api.WithHasher(passphrase.NewHasher(passphrase.WithParams(cfg.Argon2Params()))),
		api.WithLimiter(ratelimit.New(rlStore, ratelimit.WithLogger(logger))),
		api.WithTrustedProxies(proxies),
		api.WithAllowReset(cfg.AllowReset),
		api.WithGlobalRate(cfg.GlobalRPS, cfg.GlobalBurst),
		api.WithWebHandler(webHandler),
		api.WithWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader),
	), nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&listenAddr, "addr", "", "Address to listen on (overrides POLAR_LISTEN_ADDR)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
