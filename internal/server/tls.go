// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"codeberg.org/gwlabs/maillink/internal/config"
	"golang.org/x/crypto/acme/autocert"
)

// TLSMode is the resolved serving mode.
type TLSMode string

const (
	TLSModeOff    TLSMode = "off"
	TLSModeACME   TLSMode = "acme"
	TLSModeManual TLSMode = "manual"
)

// TLSResult carries everything needed to start the listeners.
type TLSResult struct {
	Mode        TLSMode
	TLSConfig   *tls.Config
	HTTPHandler http.Handler // ACME http-01 challenge handler, nil otherwise
}

// SetupTLS resolves the configured TLS mode. Magic links carry login tokens
// in the URL, so production deployments should terminate TLS here or in
// front of the service.
func SetupTLS(cfg *config.Config) (*TLSResult, error) {
	switch cfg.TLS.Mode {
	case "off":
		return &TLSResult{Mode: TLSModeOff}, nil
	case "acme":
		return setupACME(cfg)
	case "manual":
		return setupManual(cfg)
	default: // "auto" or empty
		if config.IsLocalhost(cfg.Server.Host) {
			return &TLSResult{Mode: TLSModeOff}, nil
		}
		if cfg.TLS.Email == "" {
			slog.Warn("TLS auto mode without ACME email, serving plain HTTP", "host", cfg.Server.Host)
			return &TLSResult{Mode: TLSModeOff}, nil
		}
		return setupACME(cfg)
	}
}

// setupACME configures Let's Encrypt with autocert.
func setupACME(cfg *config.Config) (*TLSResult, error) {
	if cfg.TLS.Email == "" {
		return nil, fmt.Errorf("ACME mode requires tls-email")
	}
	if config.IsLocalhost(cfg.Server.Host) {
		return nil, fmt.Errorf("ACME mode requires a public hostname, got %q", cfg.Server.Host)
	}

	if err := os.MkdirAll(cfg.TLS.CertDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certificate cache dir: %w", err)
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      cfg.TLS.Email,
		Cache:      autocert.DirCache(cfg.TLS.CertDir),
		HostPolicy: autocert.HostWhitelist(cfg.Server.Host),
	}

	return &TLSResult{
		Mode:        TLSModeACME,
		TLSConfig:   manager.TLSConfig(),
		HTTPHandler: manager.HTTPHandler(nil),
	}, nil
}

// setupManual loads a certificate and key from disk.
func setupManual(cfg *config.Config) (*TLSResult, error) {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return nil, fmt.Errorf("manual TLS mode requires tls-cert-file and tls-key-file")
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	return &TLSResult{
		Mode: TLSModeManual,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}, nil
}
