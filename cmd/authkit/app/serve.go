// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authkit/pkg/issuer"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/provider/code"
	"github.com/stacklok/authkit/pkg/provider/password"
	"github.com/stacklok/authkit/pkg/storage"
	"github.com/stacklok/authkit/pkg/subject"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the demo authorization server",
	Long: `Start a demo issuer with email-code and password authentication.
One-time codes are written to the log instead of being emailed, which makes
the flows walkable from a browser with no mail setup.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 20 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("base-path", "", "Path prefix for every issuer route, e.g. /oauth")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty selects in-memory storage")
	serveCmd.Flags().String("redis-password", "", "Redis password")
	serveCmd.Flags().Int("redis-db", 0, "Redis logical database")
	serveCmd.Flags().Duration("access-ttl", 0, "Access token lifetime (default 720h)")
	serveCmd.Flags().Duration("refresh-ttl", 0, "Refresh token lifetime (default 8760h)")
	serveCmd.Flags().Duration("reuse-ttl", 0, "Refresh reuse window (default 60s)")

	viper.SetEnvPrefix("AUTHKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, flag := range []string{
		"address", "base-path", "redis-addr", "redis-password", "redis-db",
		"access-ttl", "refresh-ttl", "reuse-ttl",
	} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	store, err := buildStorage(ctx)
	if err != nil {
		return err
	}

	iss, err := issuer.New(ctx, issuer.Config{
		Storage:  store,
		Subjects: subject.Schemas{"user": subject.RequireStringFields("email")},
		Providers: []provider.Provider{
			code.New(code.Config{
				Request:  renderCodePage,
				SendCode: logCode,
			}),
			password.New(password.Config{
				Hasher:   password.NewScryptHasher(),
				Request:  renderPasswordPage,
				SendCode: logEmailCode,
			}),
		},
		Success: func(_ context.Context, res provider.Result) (*issuer.Subject, error) {
			email := res.Claims["email"]
			if email == "" {
				return nil, fmt.Errorf("provider %s supplied no email claim", res.Provider)
			}
			return &issuer.Subject{
				Type:       "user",
				Properties: map[string]any{"email": email},
			}, nil
		},
		Select: renderSelectPage,
		TTL: issuer.TTLConfig{
			Access:  viper.GetDuration("access-ttl"),
			Refresh: viper.GetDuration("refresh-ttl"),
			Reuse:   viper.GetDuration("reuse-ttl"),
		},
		BasePath: viper.GetString("base-path"),
	})
	if err != nil {
		return fmt.Errorf("failed to build issuer: %w", err)
	}

	address := viper.GetString("address")
	handler := middleware.RequestID(middleware.RealIP(middleware.Recoverer(iss.Router())))
	server := &http.Server{
		Addr:         address,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Issuer listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}

func buildStorage(ctx context.Context) (storage.Storage, error) {
	addr := viper.GetString("redis-addr")
	if addr == "" {
		logger.Info("Using in-memory storage; tokens will not survive restarts")
		return storage.NewMemoryStorage(), nil
	}
	store, err := storage.NewRedisStorage(ctx, storage.RedisOptions{
		Addr:      addr,
		Password:  viper.GetString("redis-password"),
		DB:        viper.GetInt("redis-db"),
		KeyPrefix: "authkit:",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Infof("Using redis storage at %s", addr)
	return store, nil
}

// logCode stands in for an email sender in the demo.
func logCode(_ context.Context, claims map[string]string, c string) error {
	logger.Infow("one-time code issued", "email", claims["email"], "code", c)
	return nil
}

func logEmailCode(_ context.Context, email, c string) error {
	logger.Infow("one-time code issued", "email", email, "code", c)
	return nil
}
