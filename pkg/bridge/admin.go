// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// ReloadResult reports the outcome of a puppet map reload.
type ReloadResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// adminBackend is the slice of the bridge the admin API drives.
type adminBackend interface {
	// ReloadPuppets replaces (or, with merge, extends) the puppet map.
	// A nil entries slice means "rescan the environment".
	ReloadPuppets(ctx context.Context, entries []PuppetEntry, merge bool) (*ReloadResult, error)
	RegisterPuppet(ctx context.Context, entry PuppetEntry) error
	HealthSnapshot() map[string]string
	DegradedCredentials() int
	Ready() bool
}

// AdminAPI serves the management endpoints: puppet reload, single-puppet
// registration, and the health probe.
type AdminAPI struct {
	backend adminBackend
	secret  string
	echo    *echo.Echo
	log     zerolog.Logger
}

func NewAdminAPI(cfg AdminConfig, backend adminBackend, log zerolog.Logger) *AdminAPI {
	api := &AdminAPI{
		backend: backend,
		secret:  cfg.Secret,
		log:     log.With().Str("component", "admin").Logger(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", api.handleHealthz)

	grp := e.Group("/api")
	if api.secret != "" {
		grp.Use(api.requireSecret)
	}
	grp.POST("/reload-puppets", api.handleReloadPuppets)
	grp.POST("/puppets", api.handleRegisterPuppet)

	api.echo = e
	return api
}

// Start serves the API until Stop is called. It blocks.
func (api *AdminAPI) Start(addr string) error {
	api.log.Info().Str("addr", addr).Msg("Admin API listening")
	err := api.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (api *AdminAPI) Stop(ctx context.Context) error {
	return api.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (api *AdminAPI) Handler() http.Handler {
	return api.echo
}

func (api *AdminAPI) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(api.secret)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

type reloadRequest struct {
	Puppets []PuppetEntry `json:"puppets"`
}

// handleReloadPuppets rebuilds the puppet map from the request body, or
// from the environment when the body is empty. With ?merge=true the
// entries are layered over the current map instead of replacing it.
func (api *AdminAPI) handleReloadPuppets(c echo.Context) error {
	merge := c.QueryParam("merge") == "true"

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}

	// An empty body means "rescan the environment", signalled to the
	// backend by a nil entries slice.
	var entries []PuppetEntry
	if len(strings.TrimSpace(string(body))) > 0 {
		var req reloadRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		}
		entries = req.Puppets
		if entries == nil {
			entries = []PuppetEntry{}
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	res, err := api.backend.ReloadPuppets(ctx, entries, merge)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]any{
				"error":     verr.Reason,
				"conflicts": verr.Conflicts,
			})
		}
		api.log.Error().Err(err).Msg("Puppet reload failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "reload failed"})
	}
	api.log.Info().
		Int("added", res.Added).
		Int("removed", res.Removed).
		Int("total", res.Total).
		Bool("merge", merge).
		Msg("Puppet map reloaded")
	return c.JSON(http.StatusOK, res)
}

// handleRegisterPuppet adds a single puppet without touching the rest of
// the map.
func (api *AdminAPI) handleRegisterPuppet(c echo.Context) error {
	var entry PuppetEntry
	if err := c.Bind(&entry); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	if entry.MXID == "" || entry.Token == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "mxid and token are required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	if err := api.backend.RegisterPuppet(ctx, entry); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusConflict, map[string]any{
				"error":     verr.Reason,
				"conflicts": verr.Conflicts,
			})
		}
		api.log.Error().Err(err).Str("mxid", string(entry.MXID)).Msg("Puppet registration failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "registration failed"})
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "registered"})
}

// handleHealthz returns 200 when all feeds are streaming, 503 otherwise,
// with the per-feed connection states either way.
func (api *AdminAPI) handleHealthz(c echo.Context) error {
	status := http.StatusOK
	if !api.backend.Ready() {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{
		"ready":                api.backend.Ready(),
		"feeds":                api.backend.HealthSnapshot(),
		"degraded_credentials": api.backend.DegradedCredentials(),
	})
}
