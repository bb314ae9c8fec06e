package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
)

const (
	defaultListenAddr      = ":8080"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultRequestTimeout  = 5 * time.Second
	defaultRebuildTimeout  = 2 * time.Minute
	defaultFundraisingGoal = 2_500_000
	maxLedgerPageSize      = 1000
	heartbeatInterval      = 25 * time.Second
	shutdownTimeout        = 5 * time.Second
	claimsContextKey       = "auth_claims"
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration
	RebuildTimeout    time.Duration
	LedgerPageSize    int
	FundraisingGoal   ledger.Amount
}

// Validate fills defaults and rejects values the server cannot run with.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RebuildTimeout <= 0 {
		cfg.RebuildTimeout = defaultRebuildTimeout
	}
	if cfg.LedgerPageSize <= 0 {
		cfg.LedgerPageSize = ledger.DefaultRecentEntriesLimit
	}
	if cfg.FundraisingGoal.IsZero() {
		cfg.FundraisingGoal = ledger.AmountFromCents(defaultFundraisingGoal)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.LedgerPageSize > maxLedgerPageSize {
		return fmt.Errorf("ledger page size must not exceed %d", maxLedgerPageSize)
	}
	if cfg.FundraisingGoal.IsNegative() {
		return fmt.Errorf("fundraising goal must not be negative")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
