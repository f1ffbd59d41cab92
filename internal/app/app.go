package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/crypto/bcrypt"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/config"
	"github.com/Nemesis1804/Projet3-ROUGE/internal/hub"
	"github.com/Nemesis1804/Projet3-ROUGE/internal/ingest"
	"github.com/Nemesis1804/Projet3-ROUGE/internal/mqttbridge"
	"github.com/Nemesis1804/Projet3-ROUGE/internal/session"
	"github.com/Nemesis1804/Projet3-ROUGE/internal/store"
)

// Reserved account: the (firstName, lastName) pair that is seeded at startup,
// locked to ADMIN, and can never be deleted or demoted.
const (
	lockoutFirstName = "admin"
	lockoutLastName  = "admin"
	seedAdminPass    = "admin"
)

// App wires together the relay services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	sessions *session.Store
	ingester *ingest.Ingester
	bridge   *mqttbridge.Bridge
	hub      *hub.Hub
	mdns     *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or an error occurs. The MQTT bridge and the WebSocket hub run
// independently of the store: a broken database degrades the affected HTTP
// calls without taking the relay down.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.seedAdmin(ctx); err != nil {
		return err
	}

	a.sessions = session.New(a.cfg.TokenSecret)
	defer a.sessions.Close()

	a.ingester = ingest.New(a.store)
	a.hub = hub.New(a.store, a.ingester, a.logger)

	a.bridge = mqttbridge.New(mqttbridge.Options{
		URL:          a.cfg.MQTTURL,
		Username:     a.cfg.MQTTUser,
		Password:     a.cfg.MQTTPass,
		Topic:        a.cfg.MQTTTopic,
		DeviceFilter: a.cfg.DeviceFilter,
		Debug:        a.cfg.Debug,
	}, a.ingester, a.logger)
	if err := a.bridge.Connect(); err != nil {
		return err
	}
	defer a.bridge.Close()

	if a.cfg.MDNSEnable {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    a.cfg.Addr(),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				return err
			}
		}
	}
}

func (a *App) seedAdmin(ctx context.Context) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(seedAdminPass), 12)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.store.EnsureAdmin(seedCtx, lockoutFirstName, lockoutLastName, string(hash)); err != nil {
		return err
	}
	a.logger.Info("reserved admin account ensured", "firstName", lockoutFirstName, "lastName", lockoutLastName)
	return nil
}

func isLockoutAdmin(firstName, lastName string) bool {
	return strings.EqualFold(firstName, lockoutFirstName) && strings.EqualFold(lastName, lockoutLastName)
}
