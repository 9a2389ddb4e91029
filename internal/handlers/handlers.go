// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package handlers contains the HTTP handlers of the admin surface.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"codeberg.org/gwlabs/maillink/internal/repository"
	"codeberg.org/gwlabs/maillink/internal/services/email"
	"codeberg.org/gwlabs/maillink/internal/services/token"
	"github.com/labstack/echo/v4"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	repo   *repository.Repository
	tokens *token.Manager
	mailer *email.Service // nil when SMTP is not configured
}

// New creates a new Handlers instance.
func New(repo *repository.Repository, tokens *token.Manager, mailer *email.Service) *Handlers {
	return &Handlers{repo: repo, tokens: tokens, mailer: mailer}
}

// Health returns the health status.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Stats reports aggregate token statistics.
func (h *Handlers) Stats(c echo.Context) error {
	stats, err := h.tokens.Statistics(c.Request().Context())
	if err != nil {
		slog.Error("failed to collect token statistics", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "statistics unavailable"})
	}
	return c.JSON(http.StatusOK, stats)
}

// Sweep removes expired and consumed tokens on demand.
func (h *Handlers) Sweep(c echo.Context) error {
	deleted, err := h.tokens.Sweep(c.Request().Context())
	if err != nil {
		slog.Error("manual token sweep failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "sweep failed"})
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": deleted})
}

// Attempts lists the most recent login attempts, newest first.
func (h *Handlers) Attempts(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = parsed
	}

	attempts, err := h.repo.ListLoginAttempts(c.Request().Context(), limit)
	if err != nil {
		slog.Error("failed to list login attempts", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "attempts unavailable"})
	}
	return c.JSON(http.StatusOK, attempts)
}

// CreateUserRequest is the request body for creating a user.
type CreateUserRequest struct {
	Email string `json:"email"`
}

// CreateUser registers a new mail recipient.
func (h *Handlers) CreateUser(c echo.Context) error {
	var req CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.Email == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "email is required"})
	}

	user, err := h.repo.CreateUser(c.Request().Context(), req.Email)
	if err != nil {
		slog.Error("failed to create user", "error", err, "email", req.Email)
		return c.JSON(http.StatusConflict, map[string]string{"error": "failed to create user"})
	}

	return c.JSON(http.StatusCreated, user)
}

// SendLoginLinkRequest is the request body for sending a magic-login mail.
type SendLoginLinkRequest struct {
	Email   string `json:"email"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// SendLoginLink issues a token for the addressed user, rewrites the links of
// the given HTML body and mails the result.
func (h *Handlers) SendLoginLink(c echo.Context) error {
	if h.mailer == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "mail delivery not configured"})
	}

	var req SendLoginLinkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.Email == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "email is required"})
	}

	user, err := h.repo.GetUserByEmail(c.Request().Context(), req.Email)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown user"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "database error"})
	}

	if err := h.mailer.SendMagicLogin(c.Request().Context(), user, req.Subject, req.HTML, c.RealIP()); err != nil {
		slog.Error("failed to send login mail", "error", err, "user_id", user.ID)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "delivery failed"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "sent"})
}
