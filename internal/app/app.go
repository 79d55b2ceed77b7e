package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"myaccounts/user-api/internal/audit"
	"myaccounts/user-api/internal/auth"
	"myaccounts/user-api/internal/config"
	"myaccounts/user-api/internal/httpserver"
	"myaccounts/user-api/internal/migrations"
	"myaccounts/user-api/internal/observability"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	db     *sql.DB
	server *httpserver.Server
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := observability.NewLogger(cfg.Log.Format, cfg.Log.Level, nil)
	slog.SetDefault(logger)

	db, err := openDatabase(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	closeDB := func() {
		if db != nil {
			_ = db.Close()
		}
	}

	accounts, err := newAccountStore(ctx, cfg.Store.Driver, db)
	if err != nil {
		closeDB()
		return nil, err
	}

	authService, err := auth.NewService(accounts, auth.ServiceConfig{
		Hasher: auth.NewArgon2idHasher(
			auth.WithTime(cfg.Auth.Argon2Time),
			auth.WithMemory(cfg.Auth.Argon2MemoryKiB),
			auth.WithThreads(cfg.Auth.Argon2Threads),
		),
		Logger: logger.With("component", "auth"),
	})
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("create auth service: %w", err)
	}

	if err := seedAccount(ctx, authService, cfg.Auth, logger); err != nil {
		closeDB()
		return nil, err
	}

	var ready httpserver.ReadinessCheck
	if db != nil {
		ready = db.PingContext
	}
	server := httpserver.New(cfg.HTTP, httpserver.Deps{
		Auth:    authService,
		Audit:   audit.NewLogger(cfg.AuditLogFile),
		Logger:  logger.With("component", "http"),
		Metrics: observability.NewMetrics(),
		Ready:   ready,
	})

	return &App{
		cfg:    cfg,
		log:    logger,
		db:     db,
		server: server,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer func() {
		if a.db != nil {
			_ = a.db.Close()
		}
	}()

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr, "store", a.cfg.Store.Driver)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

// Migrate applies pending migrations for the configured SQL store and writes
// the embedded files and resulting schema version to w.
func Migrate(ctx context.Context, cfg config.Config, w io.Writer) error {
	if cfg.Store.Driver == config.DriverMemory {
		return fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
	}
	db, err := openDatabase(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := migrations.New(db, cfg.Store.Driver)
	if err != nil {
		return err
	}
	if err := m.Up(ctx); err != nil {
		return err
	}
	files, err := m.List()
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\n", f.Name, f.Checksum)
	}
	version, err := m.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d\n", version)
	return nil
}

// openDatabase returns a nil *sql.DB for the memory driver.
func openDatabase(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	var dsn string
	switch cfg.Driver {
	case config.DriverMemory:
		return nil, nil
	case config.DriverPostgres:
		dsn = cfg.DatabaseURL
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = "file:" + cfg.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL"
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newAccountStore(ctx context.Context, driver string, db *sql.DB) (auth.AccountStore, error) {
	if driver == config.DriverMemory {
		return auth.NewInMemoryAccountStore(), nil
	}

	m, err := migrations.New(db, driver)
	if err != nil {
		return nil, err
	}
	if err := m.Up(ctx); err != nil {
		return nil, err
	}

	var store auth.AccountStore
	switch driver {
	case config.DriverPostgres:
		store, err = auth.NewPostgresAccountStore(db)
	case config.DriverSQLite:
		store, err = auth.NewSQLiteAccountStore(db)
	default:
		err = fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s account store: %w", driver, err)
	}
	return store, nil
}

func seedAccount(ctx context.Context, svc *auth.Service, cfg config.AuthConfig, logger *slog.Logger) error {
	if cfg.SeedUsername == "" {
		return nil
	}
	name := cfg.SeedName
	if name == "" {
		name = cfg.SeedUsername
	}
	created, err := svc.EnsureAccount(ctx, auth.RegisterInput{
		Username:    cfg.SeedUsername,
		Password:    cfg.SeedPassword,
		DisplayName: name,
	})
	if err != nil {
		return fmt.Errorf("create seed account: %w", err)
	}
	if created {
		logger.Info("seed account created", "username", cfg.SeedUsername)
	}
	return nil
}
