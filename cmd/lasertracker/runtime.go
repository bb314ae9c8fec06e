package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/lasertracker/internal/oplog"
	"github.com/MarkoPoloResearchLab/lasertracker/internal/realtime"
	"github.com/MarkoPoloResearchLab/lasertracker/internal/store/firestorestore"
	"github.com/MarkoPoloResearchLab/lasertracker/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/lasertracker/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// backingStore is a ledger store that also owns the admin directory.
type backingStore interface {
	ledger.Store
	SetAdmin(ctx context.Context, userID ledger.UserID, enabled bool) error
}

type runtime struct {
	logger      *zap.Logger
	store       backingStore
	service     *ledger.Service
	sessions    *ledger.Sessions
	hub         *realtime.Hub
	redisClient *redis.Client
	closers     []func() error
}

// newRuntime opens the configured store and wires the service. With a redis
// URL, notifications go through redis so every process sees them, and
// rebuilds take a shared lock.
func newRuntime(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (*runtime, error) {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		logger:  logger,
		store:   store,
		hub:     realtime.NewHub(),
		closers: []func() error{closeStore},
	}

	var notifier ledger.Notifier = rt.hub
	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(oplog.New(logger)),
		ledger.WithReplayQuietWindow(cfg.ReplayQuietWindow),
	}
	if cfg.RedisURL != "" {
		client, err := realtime.Connect(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.redisClient = client
		rt.closers = append(rt.closers, client.Close)
		notifier = realtime.NewPublisher(client, realtime.DefaultChannel, logger)
		options = append(options, ledger.WithRebuildGuard(realtime.NewRebuildLock(client, 0)))
	}
	options = append(options, ledger.WithNotifier(notifier))

	rt.service, err = ledger.NewService(store, options...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	rt.sessions, err = ledger.NewSessions(store, notifier)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("sessions init: %w", err)
	}
	return rt, nil
}

// Close releases everything newRuntime opened, newest first.
func (rt *runtime) Close() {
	for index := len(rt.closers) - 1; index >= 0; index-- {
		if err := rt.closers[index](); err != nil {
			rt.logger.Warn("close failed", zap.Error(err))
		}
	}
	rt.closers = nil
}

func openStore(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (backingStore, func() error, error) {
	if cfg.Store == storeFirestore {
		store, closeClient, err := firestorestore.Open(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore open: %w", err)
		}
		logger.Info("store opened", zap.String("store", storeFirestore), zap.String("project", cfg.FirestoreProject))
		return store, closeClient, nil
	}
	if cfg.Store == storePostgres {
		store, closePool, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres open: %w", err)
		}
		logger.Info("store opened", zap.String("store", storePostgres))
		return store, closePool, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.Migrate(gormDB); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	logger.Info("store opened", zap.String("store", storeSQL), zap.String("driver", driver))
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == "sqlite" {
		// One writer keeps sqlite from reporting SQLITE_BUSY under concurrent requests.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "lasertracker.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if filepath.IsAbs(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}
