package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/transfa/disbursement-service/internal/domain"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range append(envKeys, "PORT") {
		unsetEnvWithCleanup(t, key)
	}
	setEnvWithCleanup(t, "LEDGER_DRIVER", "memory")
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.ReconcileInterval() != 10*time.Second {
		t.Fatalf("expected 10s interval, got %s", cfg.ReconcileInterval())
	}
	if cfg.RailTimeout() != 10*time.Second {
		t.Fatalf("expected 10s rail timeout, got %s", cfg.RailTimeout())
	}
	if len(cfg.RetryStatuses) != 2 || cfg.RetryStatuses[0] != domain.PaymentStatusReceived || cfg.RetryStatuses[1] != domain.PaymentStatusRejected {
		t.Fatalf("unexpected default retry statuses %v", cfg.RetryStatuses)
	}
	if cfg.IntakeMaxBatchSize != 1000 {
		t.Fatalf("expected max batch size 1000, got %d", cfg.IntakeMaxBatchSize)
	}
	if cfg.MpesaCustomerType != "subscriber" {
		t.Fatalf("expected customer type subscriber, got %q", cfg.MpesaCustomerType)
	}
	if len(cfg.BackendRules) != 0 || len(cfg.ReconcileBackends) != 0 {
		t.Fatalf("expected no routing by default, got rules=%v backends=%v", cfg.BackendRules, cfg.ReconcileBackends)
	}
}

func TestLoadConfig_ParsesRoutingAndDerivesBackends(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "BACKEND_MAPPING", `[{"order":2,"regex":"@bank","target":"mojaloop"},{"order":1,"regex":"^mm:","target":"mpesa"}]`)
	setEnvWithCleanup(t, "PAYER_MAPPING", `[{"order":1,"regex":".*","target":"treasury:1"}]`)
	setEnvWithCleanup(t, "RECONCILE_RETRY_STATUSES", "rcvd, rjct, pending")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.BackendRules) != 2 || len(cfg.PayerRules) != 1 {
		t.Fatalf("unexpected rules backend=%v payer=%v", cfg.BackendRules, cfg.PayerRules)
	}
	if strings.Join(cfg.ReconcileBackends, ",") != "mpesa,mojaloop" {
		t.Fatalf("expected backends derived in rule order, got %v", cfg.ReconcileBackends)
	}
	if len(cfg.RetryStatuses) != 3 || cfg.RetryStatuses[2] != domain.PaymentStatusPending {
		t.Fatalf("unexpected retry statuses %v", cfg.RetryStatuses)
	}
}

func TestLoadConfig_ExplicitBackendsAndPortAlias(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "RECONCILE_BACKENDS", " mpesa ,,")
	setEnvWithCleanup(t, "PORT", "9090")
	setEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.ReconcileBackends) != 1 || cfg.ReconcileBackends[0] != "mpesa" {
		t.Fatalf("unexpected backends %v", cfg.ReconcileBackends)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad regex", key: "BACKEND_MAPPING", val: `[{"order":1,"regex":"(","target":"mpesa"}]`},
		{name: "bad json", key: "PAYER_MAPPING", val: `{not json`},
		{name: "unknown status", key: "RECONCILE_RETRY_STATUSES", val: "received,lost"},
		{name: "negative interval", key: "RECONCILE_INTERVAL_SECONDS", val: "-5"},
		{name: "unknown ledger driver", key: "LEDGER_DRIVER", val: "sqlite"},
		{name: "translation without mapper", key: "ID_TRANSLATE_ENABLED", val: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			setEnvWithCleanup(t, tt.key, tt.val)

			if _, err := LoadConfig(t.TempDir()); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}

func TestLoadConfig_PostgresRequiresDatabaseURL(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "LEDGER_DRIVER", "postgres")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
