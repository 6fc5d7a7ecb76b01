package application

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ampiq/configseal/internal/api"
	"github.com/ampiq/configseal/internal/audit"
	"github.com/ampiq/configseal/internal/config"
	"github.com/ampiq/configseal/internal/keystore"
	"github.com/ampiq/configseal/internal/sealer"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	keystore *keystore.FileKeystore
	sealer   sealer.Sealer
	audit    audit.Recorder
	handler  *api.Handler
	router   http.Handler
	logger   *zap.Logger
	server   *http.Server
}

// New initializes the application with all dependencies from the provided configuration.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	keys := keystore.NewFileKeystore(cfg.KeystoreDir, keystore.WithSecretDir(cfg.SecretDir))
	if _, err := keys.LoadOrCreate(cfg.DefaultKeyName); err != nil {
		return nil, fmt.Errorf("failed to provision default key: %w", err)
	}

	recorder, err := newRecorder(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := sealer.New()
	handler := api.NewHandler(s, keys, recorder, api.WithDefaultKey(cfg.DefaultKeyName))
	apiRouter := api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           apiRouter,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &App{
		keystore: keys,
		sealer:   s,
		audit:    recorder,
		handler:  handler,
		router:   apiRouter,
		logger:   logger,
		server:   server,
	}, nil
}

// newRecorder opens the SQLite audit log, or falls back to a no-op recorder
// when auditing is disabled with an empty path.
func newRecorder(cfg config.Config, logger *zap.Logger) (audit.Recorder, error) {
	if cfg.AuditDBPath == "" {
		logger.Info("audit log disabled")
		return audit.NopRecorder{}, nil
	}

	if dir := filepath.Dir(cfg.AuditDBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	recorder, err := audit.NewSQLite(cfg.AuditDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	logger.Info("audit log enabled", zap.String("path", cfg.AuditDBPath))
	return recorder, nil
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Router returns the HTTP handler, primarily for tests.
func (a *App) Router() http.Handler {
	return a.router
}

// Close releases resources held by the application.
func (a *App) Close() error {
	return a.audit.Close()
}
