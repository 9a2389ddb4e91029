// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package email composes and sends magic-login mails: token issuance, link
// rewriting and SMTP delivery in one step.
package email

import (
	"context"
	"fmt"

	"codeberg.org/gwlabs/maillink/internal/config"
	"codeberg.org/gwlabs/maillink/internal/i18n"
	"codeberg.org/gwlabs/maillink/internal/models"
	"codeberg.org/gwlabs/maillink/internal/services/rewrite"
	"codeberg.org/gwlabs/maillink/internal/services/token"
	"github.com/wneessen/go-mail"
)

// Service sends magic-login emails.
type Service struct {
	cfg      *config.SMTPConfig
	tokens   *token.Manager
	rewriter *rewrite.Rewriter
}

// NewService creates a new email service.
func NewService(cfg *config.SMTPConfig, tokens *token.Manager, rewriter *rewrite.Rewriter) (*Service, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("SMTP from address is required")
	}

	return &Service{
		cfg:      cfg,
		tokens:   tokens,
		rewriter: rewriter,
	}, nil
}

// SendMagicLogin issues a fresh token for the user, rewrites every eligible
// link of the HTML body to carry it and sends the result. Empty subject and
// body fall back to the localized default mail pointing at the site root.
func (s *Service) SendMagicLogin(ctx context.Context, user *models.User, subject, htmlBody, issuingIP string) error {
	if subject == "" {
		subject = i18n.T(ctx, "magic_login_subject")
	}
	if htmlBody == "" {
		htmlBody = i18n.TData(ctx, "magic_login_body", map[string]any{
			"LoginURL": s.rewriter.SiteRoot() + "/",
		})
	}

	tok, err := s.tokens.Generate(ctx, user.Email, user.ID, issuingIP)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	rewritten, err := s.rewriter.Rewrite(htmlBody, tok)
	if err != nil {
		return fmt.Errorf("rewriting links: %w", err)
	}

	return s.send(user.Email, subject, rewritten)
}

// send delivers an HTML email via SMTP using go-mail.
func (s *Service) send(to, subject, body string) error {
	msg := mail.NewMsg()

	if s.cfg.FromName != "" {
		if err := msg.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
			return fmt.Errorf("setting from address: %w", err)
		}
	} else {
		if err := msg.From(s.cfg.From); err != nil {
			return fmt.Errorf("setting from address: %w", err)
		}
	}

	if err := msg.To(to); err != nil {
		return fmt.Errorf("setting to address: %w", err)
	}

	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
	}

	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		// Use implicit TLS (SSL) for port 465, STARTTLS for others
		if s.cfg.Port == 465 {
			opts = append(opts, mail.WithSSL())
		}
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}

	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("creating mail client: %w", err)
	}

	if err := client.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}

	return nil
}
