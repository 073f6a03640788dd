// Package app wires the workspace database, config, engine and webhook
// machinery into one runnable application.
package app

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"taxline/internal/config"
	"taxline/internal/correlate"
	"taxline/internal/db"
	"taxline/internal/effects"
	"taxline/internal/engine"
	"taxline/internal/migrate"
	"taxline/internal/provider"
	"taxline/internal/server"
	"taxline/internal/webhooks"
)

type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Applier effects.Applier
	Log     zerolog.Logger

	esign   webhooks.Verifier
	payment webhooks.Verifier
}

// Open boots the application against a workspace directory: database plus
// migrations, config file when present, and provider clients for every
// secret the config carries. Verifiers stay nil when their secret is
// empty, which disables the corresponding webhook endpoint.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log := zerolog.New(os.Stderr).With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Logger()

	e := engine.New(conn, cfg, log)

	a := &App{
		DB:     conn,
		Config: cfg,
		Engine: e,
		Log:    log,
	}

	if cfg.Providers.ESign.Secret != "" {
		v, err := webhooks.NewESignVerifier(cfg.Providers.ESign.Secret)
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.esign = v
	}
	if cfg.Providers.Payment.Secret != "" {
		v, err := webhooks.NewPaymentVerifier(cfg.Providers.Payment.Secret, cfg.Providers.Payment.ToleranceSeconds)
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.payment = v
	}

	applier := effects.Applier{
		Engine:     e,
		Correlator: correlate.Correlator{Repo: e.Repo, Log: log},
		Log:        log,
		Backoff:    50 * time.Millisecond,
	}
	if cfg.Storage.BaseURL != "" {
		applier.Files = provider.NewHTTPFileStore(cfg.Storage.BaseURL,
			time.Duration(cfg.Storage.TimeoutSeconds)*time.Second)
	}
	if cfg.Providers.ESign.BaseURL != "" {
		applier.Signatures = provider.NewHTTPSignatureProvider(cfg.Providers.ESign.BaseURL,
			cfg.Providers.ESign.APIKey,
			time.Duration(cfg.Storage.TimeoutSeconds)*time.Second)
	}
	a.Applier = applier
	return a, nil
}

// Handler builds the HTTP API for this app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:  a.Engine,
		Applier: a.Applier,
		Auth: server.AuthConfig{
			JWTSecret:              a.Config.Auth.JWTSecret,
			AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
			Logger:                 a.Log,
		},
		ESign:   a.esign,
		Payment: a.payment,
	})
}

func (a *App) Close() error {
	return a.DB.Close()
}
