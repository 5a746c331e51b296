package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Limits() != block.DefaultLimits() {
		t.Errorf("Limits = %+v", cfg.Limits())
	}
	if cfg.Naming() != block.DefaultNaming() {
		t.Errorf("Naming = %+v", cfg.Naming())
	}
	if ic := cfg.Ingestion(); ic.BatchSize != 1000 || !ic.ResetOnStart || ic.Limits != cfg.Limits() {
		t.Errorf("Ingestion = %+v", ic)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
block:
  max_block_bytes: 1024
  max_blocks_per_blob: 99999999
state:
  backend: pebble
  pebble_dir: /var/lib/state
storage:
  backend: azure
  container: events
  container_suffix: true
  account_name: acct
  account_key: a2V5
source:
  backend: kafka
  brokers: [k1:9092, k2:9092]
  topic: devices
  batch_timeout: 250ms
ingest:
  batch_size: 0
  max_attempts: 5
logging:
  categories: [batch, rollover]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Block.MaxBlockBytes != 1024 {
		t.Errorf("MaxBlockBytes = %d", cfg.Block.MaxBlockBytes)
	}
	if cfg.Block.MaxBlocksPerBlob != block.MaxBlocksPerBlob {
		t.Errorf("MaxBlocksPerBlob = %d, want clamp to %d", cfg.Block.MaxBlocksPerBlob, block.MaxBlocksPerBlob)
	}
	if cfg.KV().Backend != "pebble" || cfg.KV().Pebble.Dir != "/var/lib/state" {
		t.Errorf("KV = %+v", cfg.KV())
	}
	st := cfg.BlobStorage()
	if st.Backend != "azure" || !st.ContainerSuffix || st.AzureAccountName != "acct" {
		t.Errorf("BlobStorage = %+v", st)
	}
	src := cfg.MessageSource()
	if !slices.Equal(src.Kafka.Brokers, []string{"k1:9092", "k2:9092"}) || src.Kafka.BatchTimeout != 250*time.Millisecond {
		t.Errorf("Kafka = %+v", src.Kafka)
	}
	if cfg.Ingest.BatchSize != Default().Ingest.BatchSize || cfg.Ingest.MaxAttempts != 5 {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if !slices.Equal(cfg.Log().Categories, []string{"batch", "rollover"}) {
		t.Errorf("Categories = %v", cfg.Log().Categories)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"BLOCKWRITER_MAX_BLOCK_BYTES": "-1",
		"BLOCKWRITER_STATE_BACKEND":   "redis",
		"BLOCKWRITER_REDIS_ADDR":      "redis:6379",
		"BLOCKWRITER_PARTITIONS":      "0, 1,2",
		"BLOCKWRITER_FOLLOW":          "true",
		"BLOCKWRITER_LOG_CATEGORIES":  "state,block",
		"BLOCKWRITER_TXID_KEY_FORMAT": "",
		"BLOCKWRITER_METRICS_ENABLED": "1",
		"BLOCKWRITER_MAX_BACKOFF_MS":  "10",
		"BLOCKWRITER_BACKOFF_MS":      "50",
	}))
	if err != nil {
		t.Fatal(err)
	}
	cfg.normalize()

	if cfg.Block.MaxBlockBytes != block.MaxBlockBytes {
		t.Errorf("MaxBlockBytes = %d, want default", cfg.Block.MaxBlockBytes)
	}
	if cfg.State.Backend != "redis" || cfg.State.RedisAddr != "redis:6379" {
		t.Errorf("State = %+v", cfg.State)
	}
	if cfg.State.TxidKeyFormat != Default().State.TxidKeyFormat {
		t.Errorf("empty env var overrode TxidKeyFormat: %q", cfg.State.TxidKeyFormat)
	}
	if !slices.Equal(cfg.Source.Partitions, []int{0, 1, 2}) || !cfg.Source.Follow {
		t.Errorf("Source = %+v", cfg.Source)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics not enabled")
	}
	if cfg.Ingest.MaxBackoffMs != 50 {
		t.Errorf("MaxBackoffMs = %d, want raised to BackoffMs", cfg.Ingest.MaxBackoffMs)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{"BLOCKWRITER_BATCH_SIZE": "lots"}))
	if err == nil || !strings.Contains(err.Error(), "BLOCKWRITER_BATCH_SIZE") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"state backend", func(c *Config) { c.State.Backend = "etcd" }},
		{"storage backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"source backend", func(c *Config) { c.Source.Backend = "pigeon" }},
		{"file dir", func(c *Config) { c.Source.Dir = "" }},
		{"kafka topic", func(c *Config) { c.Source.Backend = "kafka"; c.Source.Brokers = []string{"k:9092"} }},
		{"max attempts", func(c *Config) { c.Ingest.MaxAttempts = -1 }},
		{"category", func(c *Config) { c.Logging.Categories = []string{"everything"} }},
		{"pointer format", func(c *Config) { c.Block.PointerFormat = "%d" }},
		{"reset without suffix", func(c *Config) { c.Storage.ContainerSuffix = false }},
		{"resume with suffix", func(c *Config) { c.Ingest.ResetOnStart = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResumeWithoutSuffix(t *testing.T) {
	cfg := Default()
	cfg.Ingest.ResetOnStart = false
	cfg.Storage.ContainerSuffix = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("resuming into a fixed container: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
