package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/internal/httpapi"
	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagStore             = "store"
	flagDatabaseURL       = "database-url"
	flagFirestoreProject  = "firestore-project"
	flagRedisURL          = "redis-url"
	flagReplayQuietWindow = "replay-quiet-window"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagRequestTimeout    = "request-timeout"
	flagLedgerPageSize    = "ledger-page-size"
	flagFundraisingGoal   = "fundraising-goal"
	envPrefix             = "LASERTRACKER"
	dotEnvFile            = ".env"
	storeSQL              = "sql"
	storeFirestore        = "firestore"
	storePostgres         = "postgres"
	defaultDatabaseURL    = "sqlite:///tmp/lasertracker.db"
)

var configFlags = []string{
	flagStore,
	flagDatabaseURL,
	flagFirestoreProject,
	flagRedisURL,
	flagReplayQuietWindow,
	flagListenAddr,
	flagAllowedOrigins,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagJWTCookieName,
	flagRequestTimeout,
	flagLedgerPageSize,
	flagFundraisingGoal,
}

type runtimeConfig struct {
	Store             string
	DatabaseURL       string
	FirestoreProject  string
	RedisURL          string
	ReplayQuietWindow time.Duration
	HTTP              httpapi.Config
}

// loadConfig resolves settings from flags, LASERTRACKER_* variables and an
// optional .env file, in that order of precedence.
func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	if err := loadDotEnv(dotEnvFile); err != nil {
		return err
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(flagName, flag); err != nil {
			return err
		}
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(v.GetString(flagStore)))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.FirestoreProject = strings.TrimSpace(v.GetString(flagFirestoreProject))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.ReplayQuietWindow = v.GetDuration(flagReplayQuietWindow)

	switch cfg.Store {
	case storeSQL:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("%s is required for the %s store", flagDatabaseURL, storeSQL)
		}
	case storePostgres:
		if driver, _, err := resolveDriver(cfg.DatabaseURL); err != nil || driver != "postgres" {
			return fmt.Errorf("%s must be a postgres:// URL for the %s store", flagDatabaseURL, storePostgres)
		}
	case storeFirestore:
		if cfg.FirestoreProject == "" {
			return fmt.Errorf("%s is required for the %s store", flagFirestoreProject, storeFirestore)
		}
	default:
		return fmt.Errorf("unsupported %s %q", flagStore, cfg.Store)
	}

	goal := ledger.Amount{}
	if rawGoal := v.GetString(flagFundraisingGoal); strings.TrimSpace(rawGoal) != "" {
		parsed, err := ledger.ParseCurrency(rawGoal)
		if err != nil {
			return fmt.Errorf("%s: %w", flagFundraisingGoal, err)
		}
		goal = parsed
	}
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		LedgerPageSize:    v.GetInt(flagLedgerPageSize),
		FundraisingGoal:   goal,
	}
	if cmd.Flags().Lookup(flagJWTSigningKey) != nil {
		return cfg.HTTP.Validate()
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
