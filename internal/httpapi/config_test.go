package httpapi

import (
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
)

func TestParseAllowedOrigins(t *testing.T) {
	origins := ParseAllowedOrigins(" http://a.com , http://b.com ,")
	if len(origins) != 2 || origins[0] != "http://a.com" || origins[1] != "http://b.com" {
		t.Fatalf("unexpected origins: %#v", origins)
	}
	if empty := ParseAllowedOrigins("  "); len(empty) != 0 {
		t.Fatalf("expected no origins, got %#v", empty)
	}
}

func TestConfigValidateMissingFields(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := Config{SessionSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.SessionIssuer != defaultSessionIssuer || cfg.SessionCookieName != defaultSessionCookie {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RequestTimeout != defaultRequestTimeout || cfg.RebuildTimeout != defaultRebuildTimeout {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
	if cfg.LedgerPageSize != ledger.DefaultRecentEntriesLimit || cfg.FundraisingGoal.Cents() != defaultFundraisingGoal {
		t.Fatalf("unexpected ledger defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
}

func TestConfigValidateRejectsOutOfRangeValues(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "page size", cfg: Config{SessionSigningKey: "secret", LedgerPageSize: maxLedgerPageSize + 1}},
		{name: "negative goal", cfg: Config{SessionSigningKey: "secret", FundraisingGoal: ledger.AmountFromCents(-1)}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := testCase.cfg
			cfg.RequestTimeout = time.Second
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", cfg)
			}
		})
	}
}
