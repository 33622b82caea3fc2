package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/config"
	"github.com/boddenberg/ledger-ingest-go/internal/recurring"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.FetchGraceDays != 5 {
		t.Errorf("expected grace days 5, got %d", cfg.FetchGraceDays)
	}
	if cfg.StoreBackend != "postgres" {
		t.Errorf("expected postgres backend, got %s", cfg.StoreBackend)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("RULE_CACHE_TTL", "30s")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg := config.Load()

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if !cfg.AuthEnabled {
		t.Error("expected auth enabled")
	}
	if cfg.RuleCacheTTL != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.RuleCacheTTL)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected fallback 3 for invalid int, got %d", cfg.MaxRetries)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LEDGER_TEST_A=from-file\nLEDGER_TEST_B=\"quoted\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEDGER_TEST_A", "from-env")
	t.Cleanup(func() { os.Unsetenv("LEDGER_TEST_B") })

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("LEDGER_TEST_A"); got != "from-env" {
		t.Errorf("expected env to win, got %q", got)
	}
	if got := os.Getenv("LEDGER_TEST_B"); got != "quoted" {
		t.Errorf("expected quoted value unwrapped, got %q", got)
	}
}

func TestLoadDetectorConfig(t *testing.T) {
	base := recurring.DefaultConfig()

	t.Run("empty path keeps base", func(t *testing.T) {
		cfg, err := config.LoadDetectorConfig("", base)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.MinConsecutiveMonths != base.MinConsecutiveMonths {
			t.Error("expected base config")
		}
	})

	t.Run("file overrides some keys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "detector.yaml")
		body := "min_consecutive_months: 4\nprice_change_threshold: 2.5\nbrand_allow_list:\n  - CRAVE\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := config.LoadDetectorConfig(path, base)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.MinConsecutiveMonths != 4 {
			t.Errorf("expected 4, got %d", cfg.MinConsecutiveMonths)
		}
		if cfg.PriceChangeThreshold != 2.5 {
			t.Errorf("expected 2.5, got %v", cfg.PriceChangeThreshold)
		}
		if len(cfg.BrandAllowList) != 1 || cfg.BrandAllowList[0] != "CRAVE" {
			t.Errorf("unexpected allow list %v", cfg.BrandAllowList)
		}
		if cfg.DayOfMonthTol != base.DayOfMonthTol {
			t.Errorf("expected untouched day tolerance, got %d", cfg.DayOfMonthTol)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := config.LoadDetectorConfig(filepath.Join(t.TempDir(), "nope.yaml"), base); err == nil {
			t.Fatal("expected error")
		}
	})
}
