package config_test

import (
	"OptionClear/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CommissionFeeBps != 500 {
		t.Errorf("commission fee: got %d, want 500", cfg.CommissionFeeBps)
	}
	if cfg.RoundInterval != 5*time.Minute {
		t.Errorf("round interval: got %s, want 5m", cfg.RoundInterval)
	}
	if cfg.WithdrawalDelay != 10*time.Minute {
		t.Errorf("withdrawal delay: got %s, want 10m", cfg.WithdrawalDelay)
	}
	if cfg.PersistFlushTimeout != 10*time.Millisecond {
		t.Errorf("flush timeout: got %s, want 10ms", cfg.PersistFlushTimeout)
	}
	if len(cfg.Products) != 2 || cfg.Products[0] != "BTC-USD" {
		t.Errorf("unexpected default products: %v", cfg.Products)
	}
	if cfg.GRPCAddr != ":9090" || cfg.HTTPAddr != ":8080" {
		t.Errorf("unexpected default addrs: grpc=%s http=%s", cfg.GRPCAddr, cfg.HTTPAddr)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optionclear.yaml")
	yaml := `
commission_fee_bps: 250
round_interval_sec: 60
products:
  - BTC-USD
grpc_addr: ":7070"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CommissionFeeBps != 250 {
		t.Errorf("commission fee: got %d, want 250", cfg.CommissionFeeBps)
	}
	if cfg.RoundInterval != time.Minute {
		t.Errorf("round interval: got %s, want 1m", cfg.RoundInterval)
	}
	if len(cfg.Products) != 1 {
		t.Errorf("products: got %v, want [BTC-USD]", cfg.Products)
	}
	if cfg.GRPCAddr != ":7070" {
		t.Errorf("grpc addr: got %s, want :7070", cfg.GRPCAddr)
	}
	// Untouched keys keep their defaults
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr: got %s, want :8080", cfg.HTTPAddr)
	}
}

func TestLoad_MissingFileIsSkipped(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CommissionFeeBps != 500 {
		t.Errorf("expected defaults when file is missing, got fee %d", cfg.CommissionFeeBps)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optionclear.yaml")
	if err := os.WriteFile(path, []byte("commission_fee_bps: 250\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OPTC_COMMISSION_FEE_BPS", "100")
	t.Setenv("OPTC_NATS_URL", "nats://broker:4222")
	t.Setenv("OPTC_ROUND_INTERVAL_SEC", "120")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CommissionFeeBps != 100 {
		t.Errorf("env must win over yaml: got %d, want 100", cfg.CommissionFeeBps)
	}
	if cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("nats url: got %s", cfg.NATSURL)
	}
	if cfg.RoundInterval != 2*time.Minute {
		t.Errorf("round interval: got %s, want 2m", cfg.RoundInterval)
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Run("fee out of range", func(t *testing.T) {
		t.Setenv("OPTC_COMMISSION_FEE_BPS", "10001")
		if _, err := config.Load(""); err == nil {
			t.Fatal("expected validation error, got nil")
		}
	})

	t.Run("zero round interval", func(t *testing.T) {
		t.Setenv("OPTC_ROUND_INTERVAL_SEC", "0")
		if _, err := config.Load(""); err == nil {
			t.Fatal("expected validation error, got nil")
		}
	})

	t.Run("strategy bounds inverted", func(t *testing.T) {
		t.Setenv("OPTC_STRATEGY_MIN_BPS", "8000")
		t.Setenv("OPTC_STRATEGY_TARGET_BPS", "7000")
		if _, err := config.Load(""); err == nil {
			t.Fatal("expected validation error, got nil")
		}
	})
}
