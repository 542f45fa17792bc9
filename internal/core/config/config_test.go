package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidate_WeightsMustSumToOne(t *testing.T) {
	cfg := Default()
	cfg.Models.Weights.Supervised = 0.5
	cfg.Models.Weights.Unsupervised = 0.5
	cfg.Models.Weights.Secondary = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for weights summing to 1.5")
	}
}

func TestValidate_BandOrdering(t *testing.T) {
	cfg := Default()
	cfg.Bands.Medium = 0.1 // below low
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unordered band cutoffs")
	}
}

func TestValidate_KafkaNeedsBrokers(t *testing.T) {
	cfg := Default()
	cfg.Alerts.Driver = "kafka"
	cfg.Alerts.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for kafka driver without brokers")
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.yaml")
	body := []byte(`
bind_address: ":9999"
db_path: "from-file.db"
geo:
  timeout: 750ms
  cache: {size: 123, positive_ttl: 1h, negative_ttl: 30s}
bands: {low: 0.1, medium: 0.5, high: 0.9}
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	t.Setenv("COLLECTOR_DB_PATH", "from-env.db")
	t.Setenv("GEO_CACHE_SIZE", "456")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BindAddress != ":9999" {
		t.Fatalf("bind_address=%q want :9999", cfg.BindAddress)
	}
	// env wins over file
	if cfg.DBPath != "from-env.db" {
		t.Fatalf("db_path=%q want from-env.db", cfg.DBPath)
	}
	if cfg.Geo.Cache.Size != 456 {
		t.Fatalf("geo.cache.size=%d want 456", cfg.Geo.Cache.Size)
	}
	if cfg.Geo.Timeout.Std() != 750*time.Millisecond {
		t.Fatalf("geo.timeout=%v want 750ms", cfg.Geo.Timeout.Std())
	}
	if cfg.Bands.High != 0.9 {
		t.Fatalf("bands.high=%v want 0.9", cfg.Bands.High)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load("does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestGetlist_ParsesCSV(t *testing.T) {
	t.Setenv("INDICATOR_ACTIONS", " git_push , cred_access ,,")
	got := getlist("INDICATOR_ACTIONS", nil)
	if len(got) != 2 || got[0] != "git_push" || got[1] != "cred_access" {
		t.Fatalf("got %v", got)
	}
}
