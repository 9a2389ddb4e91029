// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package server wires the service together and runs the HTTP listeners.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codeberg.org/gwlabs/maillink/internal/config"
	"codeberg.org/gwlabs/maillink/internal/database"
	"codeberg.org/gwlabs/maillink/internal/handlers"
	"codeberg.org/gwlabs/maillink/internal/i18n"
	"codeberg.org/gwlabs/maillink/internal/models"
	"codeberg.org/gwlabs/maillink/internal/repository"
	"codeberg.org/gwlabs/maillink/internal/services/email"
	"codeberg.org/gwlabs/maillink/internal/services/login"
	"codeberg.org/gwlabs/maillink/internal/services/rewrite"
	"codeberg.org/gwlabs/maillink/internal/services/session"
	"codeberg.org/gwlabs/maillink/internal/services/token"
	"github.com/labstack/echo/v4"
	"github.com/urfave/cli/v3"
)

// Run starts the server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(&cfg.Log)

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
	)

	// Database
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	// i18n
	if initErr := i18n.Init(); initErr != nil {
		return fmt.Errorf("failed to init i18n: %w", initErr)
	}

	// Repository and services
	repo := repository.New(db)
	tokens := token.NewManager(repo, &cfg.MagicLogin)
	rewriter := rewrite.New(cfg.Server.BaseURL)

	secureCookies := strings.HasPrefix(cfg.Server.BaseURL, "https://")
	sessions, err := session.NewManager(&cfg.Session, secureCookies)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	resolver := login.NewResolver(tokens, sessions, repo, cfg)

	var mailer *email.Service
	if cfg.SMTP.Host != "" {
		mailer, err = email.NewService(&cfg.SMTP, tokens, rewriter)
		if err != nil {
			return fmt.Errorf("failed to create email service: %w", err)
		}
	} else {
		slog.Warn("SMTP not configured, mail delivery disabled")
	}

	tokens.OnSweepDone(func(deleted int) {
		slog.Info("token sweep complete", "deleted", deleted)
	})
	resolver.OnLoginSuccess(func(userID int64, _ *models.LoginToken) {
		slog.Info("magic login", "user_id", userID)
	})

	// Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	setupMiddleware(e, resolver)
	setupRoutes(e, repo, tokens, mailer)

	// Background sweep
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runSweeper(sweepCtx, tokens, time.Duration(cfg.MagicLogin.SweepIntervalHours)*time.Hour)

	return startWithGracefulShutdown(e, cfg)
}

func setupRoutes(e *echo.Echo, repo *repository.Repository, tokens *token.Manager, mailer *email.Service) {
	h := handlers.New(repo, tokens, mailer)

	e.GET("/health", h.Health)

	admin := e.Group("/admin/magic-login")
	admin.GET("/stats", h.Stats)
	admin.POST("/sweep", h.Sweep)
	admin.GET("/attempts", h.Attempts)
	admin.POST("/send", h.SendLoginLink)

	e.POST("/admin/users", h.CreateUser)
}

// runSweeper deletes terminal token records on a fixed interval until the
// context is cancelled.
func runSweeper(ctx context.Context, tokens *token.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := tokens.Sweep(ctx); err != nil {
				// Best effort, the next run retries.
				slog.Warn("scheduled token sweep failed", "error", err)
			}
		}
	}
}

func startWithGracefulShutdown(e *echo.Echo, cfg *config.Config) error {
	tlsResult, err := SetupTLS(cfg)
	if err != nil {
		return fmt.Errorf("TLS setup failed: %w", err)
	}

	errChan := make(chan error, 2)

	// HTTP challenge/redirect server for ACME mode
	var httpServer *http.Server

	switch tlsResult.Mode {
	case TLSModeOff:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("server running", "url", cfg.Server.BaseURL)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeACME:
		go func() {
			slog.Info("server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, ":443", tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		httpServer = &http.Server{
			Addr:              ":80",
			Handler:           tlsResult.HTTPHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("ACME challenge handler active", "addr", ":80")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeManual:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, addr, tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("shutting down server")
	case err := <-errChan:
		slog.Error("server error", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown main server", "error", err)
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown ACME challenge server", "error", err)
		}
	}

	slog.Info("server stopped")
	return nil
}

// startTLSServer starts the Echo server with a custom TLS configuration.
func startTLSServer(e *echo.Echo, addr string, tlsConfig *tls.Config) error {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	e.TLSListener = tls.NewListener(ln, tlsConfig)
	e.TLSServer.TLSConfig = tlsConfig
	return e.Server.Serve(e.TLSListener)
}
