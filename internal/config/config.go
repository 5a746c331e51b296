package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-block-writer/internal/ingest"
	"github.com/withObsrvr/obsrvr-block-writer/internal/kv"
	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
	"github.com/withObsrvr/obsrvr-block-writer/internal/source"
	"github.com/withObsrvr/obsrvr-block-writer/internal/storage"
)

type Config struct {
	Block   BlockConfig   `yaml:"block"`
	State   StateConfig   `yaml:"state"`
	Storage StorageConfig `yaml:"storage"`
	Source  SourceConfig  `yaml:"source"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type BlockConfig struct {
	MaxBlockBytes    int    `yaml:"max_block_bytes"`
	MaxBlocksPerBlob int    `yaml:"max_blocks_per_blob"`
	BlobNameFormat   string `yaml:"blob_name_format"`
	BlockIDFormat    string `yaml:"block_id_format"`
	PointerFormat    string `yaml:"pointer_format"`
}

type StateConfig struct {
	Backend             string `yaml:"backend"`
	TxidKeyFormat       string `yaml:"txid_key_format"`
	FirstBlockKeyFormat string `yaml:"first_block_key_format"`
	LastBlockKeyFormat  string `yaml:"last_block_key_format"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`

	PebbleDir string `yaml:"pebble_dir"`

	PostgresDSN   string `yaml:"postgres_dsn"`
	PostgresTable string `yaml:"postgres_table"`
}

type StorageConfig struct {
	Backend          string `yaml:"backend"`
	Container        string `yaml:"container"`
	ContainerSuffix  bool   `yaml:"container_suffix"`
	ConnectionString string `yaml:"connection_string"`
	AccountName      string `yaml:"account_name"`
	AccountKey       string `yaml:"account_key"`
	BucketURL        string `yaml:"bucket_url"`
}

type SourceConfig struct {
	Backend string `yaml:"backend"`

	Dir        string        `yaml:"dir"`
	Partitions []int         `yaml:"partitions"`
	Follow     bool          `yaml:"follow"`
	Poll       time.Duration `yaml:"poll"`

	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	StartOffset  string        `yaml:"start_offset"`
	MinBytes     int           `yaml:"min_bytes"`
	MaxBytes     int           `yaml:"max_bytes"`
	MaxWait      time.Duration `yaml:"max_wait"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type IngestConfig struct {
	BatchSize    int  `yaml:"batch_size"`
	BackoffMs    int  `yaml:"backoff_ms"`
	MaxBackoffMs int  `yaml:"max_backoff_ms"`
	MaxAttempts  int  `yaml:"max_attempts"` // 0 = unlimited
	ResetOnStart bool `yaml:"reset_on_start"`
}

type EventsConfig struct {
	Devices  int           `yaml:"devices"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"` // ticks; 0 = until stopped
	Seed     int64         `yaml:"seed"`
}

type LoggingConfig struct {
	Format     string   `yaml:"format"`
	Level      string   `yaml:"level"`
	Categories []string `yaml:"categories"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	naming := block.DefaultNaming()
	keys := checkpoint.DefaultKeyFormats()
	return Config{
		Block: BlockConfig{
			MaxBlockBytes:    block.MaxBlockBytes,
			MaxBlocksPerBlob: block.MaxBlocksPerBlob,
			BlobNameFormat:   naming.BlobName,
			BlockIDFormat:    naming.BlockID,
			PointerFormat:    naming.Pointer,
		},
		State: StateConfig{
			Backend:             "memory",
			TxidKeyFormat:       keys.Txid,
			FirstBlockKeyFormat: keys.FirstBlock,
			LastBlockKeyFormat:  keys.LastBlock,
			RedisAddr:           "localhost:6379",
			RedisTimeout:        5 * time.Second,
			PebbleDir:           "./data/state",
			PostgresTable:       kv.DefaultPostgresTable,
		},
		Storage: StorageConfig{
			Backend:         "bucket",
			Container:       "messages",
			ContainerSuffix: true,
			BucketURL:       "file:///tmp/block-writer",
		},
		Source: SourceConfig{
			Backend:      "file",
			Dir:          "./data/input",
			Poll:         time.Second,
			StartOffset:  "first",
			MinBytes:     1,
			MaxBytes:     10 << 20,
			MaxWait:      time.Second,
			BatchTimeout: 500 * time.Millisecond,
		},
		Ingest: IngestConfig{
			BatchSize:    1000,
			BackoffMs:    100,
			MaxBackoffMs: 30000,
			MaxAttempts:  0,
			ResetOnStart: true,
		},
		Events: EventsConfig{
			Devices:  10,
			Interval: time.Second,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Load reads defaults, then the YAML file at path (if non-empty), then
// BLOCKWRITER_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad(path string) Config {
	log.Println("[config] loading")
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.setInt("BLOCKWRITER_MAX_BLOCK_BYTES", &cfg.Block.MaxBlockBytes)
	e.setInt("BLOCKWRITER_MAX_BLOCKS_PER_BLOB", &cfg.Block.MaxBlocksPerBlob)
	e.setString("BLOCKWRITER_BLOB_NAME_FORMAT", &cfg.Block.BlobNameFormat)
	e.setString("BLOCKWRITER_BLOCK_ID_FORMAT", &cfg.Block.BlockIDFormat)
	e.setString("BLOCKWRITER_POINTER_FORMAT", &cfg.Block.PointerFormat)

	e.setString("BLOCKWRITER_STATE_BACKEND", &cfg.State.Backend)
	e.setString("BLOCKWRITER_TXID_KEY_FORMAT", &cfg.State.TxidKeyFormat)
	e.setString("BLOCKWRITER_FIRST_BLOCK_KEY_FORMAT", &cfg.State.FirstBlockKeyFormat)
	e.setString("BLOCKWRITER_LAST_BLOCK_KEY_FORMAT", &cfg.State.LastBlockKeyFormat)
	e.setString("BLOCKWRITER_REDIS_ADDR", &cfg.State.RedisAddr)
	e.setString("BLOCKWRITER_REDIS_PASSWORD", &cfg.State.RedisPassword)
	e.setInt("BLOCKWRITER_REDIS_DB", &cfg.State.RedisDB)
	e.setString("BLOCKWRITER_PEBBLE_DIR", &cfg.State.PebbleDir)
	e.setString("BLOCKWRITER_POSTGRES_DSN", &cfg.State.PostgresDSN)
	e.setString("BLOCKWRITER_POSTGRES_TABLE", &cfg.State.PostgresTable)

	e.setString("BLOCKWRITER_STORAGE_BACKEND", &cfg.Storage.Backend)
	e.setString("BLOCKWRITER_CONTAINER", &cfg.Storage.Container)
	e.setBool("BLOCKWRITER_CONTAINER_SUFFIX", &cfg.Storage.ContainerSuffix)
	e.setString("BLOCKWRITER_AZURE_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	e.setString("BLOCKWRITER_AZURE_ACCOUNT_NAME", &cfg.Storage.AccountName)
	e.setString("BLOCKWRITER_AZURE_ACCOUNT_KEY", &cfg.Storage.AccountKey)
	e.setString("BLOCKWRITER_BUCKET_URL", &cfg.Storage.BucketURL)

	e.setString("BLOCKWRITER_SOURCE_BACKEND", &cfg.Source.Backend)
	e.setString("BLOCKWRITER_SOURCE_DIR", &cfg.Source.Dir)
	e.setInts("BLOCKWRITER_PARTITIONS", &cfg.Source.Partitions)
	e.setBool("BLOCKWRITER_FOLLOW", &cfg.Source.Follow)
	e.setList("BLOCKWRITER_KAFKA_BROKERS", &cfg.Source.Brokers)
	e.setString("BLOCKWRITER_KAFKA_TOPIC", &cfg.Source.Topic)
	e.setString("BLOCKWRITER_KAFKA_START_OFFSET", &cfg.Source.StartOffset)

	e.setInt("BLOCKWRITER_BATCH_SIZE", &cfg.Ingest.BatchSize)
	e.setInt("BLOCKWRITER_BACKOFF_MS", &cfg.Ingest.BackoffMs)
	e.setInt("BLOCKWRITER_MAX_BACKOFF_MS", &cfg.Ingest.MaxBackoffMs)
	e.setInt("BLOCKWRITER_MAX_ATTEMPTS", &cfg.Ingest.MaxAttempts)
	e.setBool("BLOCKWRITER_RESET_ON_START", &cfg.Ingest.ResetOnStart)

	e.setString("BLOCKWRITER_LOG_FORMAT", &cfg.Logging.Format)
	e.setString("BLOCKWRITER_LOG_LEVEL", &cfg.Logging.Level)
	e.setList("BLOCKWRITER_LOG_CATEGORIES", &cfg.Logging.Categories)

	e.setBool("BLOCKWRITER_METRICS_ENABLED", &cfg.Metrics.Enabled)
	e.setString("BLOCKWRITER_METRICS_ADDRESS", &cfg.Metrics.Address)

	return e.err
}

type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setList(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		*dst = splitList(v)
	}
}

func (e *envReader) setInts(key string, dst *[]int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []int
	for _, s := range splitList(v) {
		n, err := strconv.Atoi(s)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		out = append(out, n)
	}
	*dst = out
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalize clamps the block limits and fills empty templates.
func (c *Config) normalize() {
	l := c.Limits()
	c.Block.MaxBlockBytes = l.MaxBlockBytes
	c.Block.MaxBlocksPerBlob = l.MaxBlocksPerBlob

	n := c.Naming()
	c.Block.BlobNameFormat, c.Block.BlockIDFormat, c.Block.PointerFormat = n.BlobName, n.BlockID, n.Pointer

	k := c.KeyFormats()
	c.State.TxidKeyFormat, c.State.FirstBlockKeyFormat, c.State.LastBlockKeyFormat = k.Txid, k.FirstBlock, k.LastBlock

	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = Default().Ingest.BatchSize
	}
	if c.Ingest.BackoffMs < 0 {
		c.Ingest.BackoffMs = 0
	}
	if c.Ingest.MaxBackoffMs < c.Ingest.BackoffMs {
		c.Ingest.MaxBackoffMs = c.Ingest.BackoffMs
	}
}

// Validate checks backend names and required settings.
func (c Config) Validate() error {
	switch c.State.Backend {
	case "memory", "redis", "pebble", "postgres":
	default:
		return fmt.Errorf("state.backend: unknown backend %q", c.State.Backend)
	}
	switch c.Storage.Backend {
	case "azure", "bucket":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	switch c.Source.Backend {
	case "file":
		if c.Source.Dir == "" {
			return fmt.Errorf("source.dir required for file source")
		}
	case "kafka":
		if len(c.Source.Brokers) == 0 || c.Source.Topic == "" {
			return fmt.Errorf("source.brokers and source.topic required for kafka source")
		}
	default:
		return fmt.Errorf("source.backend: unknown backend %q", c.Source.Backend)
	}
	// A reset restarts block numbering at (1,1), which would overwrite the
	// blobs of an earlier run in the same container. A resume continues the
	// earlier run's blobs, which only the same container holds.
	if c.Ingest.ResetOnStart && !c.Storage.ContainerSuffix {
		return fmt.Errorf("ingest.reset_on_start requires storage.container_suffix")
	}
	if !c.Ingest.ResetOnStart && c.Storage.ContainerSuffix {
		return fmt.Errorf("resuming (ingest.reset_on_start false) requires storage.container_suffix false")
	}
	if c.Ingest.MaxAttempts < 0 {
		return fmt.Errorf("ingest.max_attempts must not be negative")
	}
	if err := logging.ValidateCategories(c.Logging.Categories); err != nil {
		return fmt.Errorf("logging.categories: %w", err)
	}
	for name, tmpl := range map[string]string{
		"block.blob_name_format": c.Block.BlobNameFormat,
		"block.pointer_format":   c.Block.PointerFormat,
	} {
		if strings.Count(tmpl, "%") != 2 {
			return fmt.Errorf("%s: %q must contain exactly two verbs", name, tmpl)
		}
	}
	return nil
}

// Limits returns the normalized block limits.
func (c Config) Limits() block.Limits {
	return block.Limits{
		MaxBlockBytes:    c.Block.MaxBlockBytes,
		MaxBlocksPerBlob: c.Block.MaxBlocksPerBlob,
	}.Normalize()
}

// Naming returns the blob, block and pointer templates.
func (c Config) Naming() block.Naming {
	return block.Naming{
		BlobName: c.Block.BlobNameFormat,
		BlockID:  c.Block.BlockIDFormat,
		Pointer:  c.Block.PointerFormat,
	}.WithDefaults()
}

// KeyFormats returns the recovery record key templates.
func (c Config) KeyFormats() checkpoint.KeyFormats {
	return checkpoint.KeyFormats{
		Txid:       c.State.TxidKeyFormat,
		FirstBlock: c.State.FirstBlockKeyFormat,
		LastBlock:  c.State.LastBlockKeyFormat,
	}.WithDefaults()
}

// KV returns the state store configuration.
func (c Config) KV() kv.Config {
	return kv.Config{
		Backend: c.State.Backend,
		Redis: kv.RedisConfig{
			Addr:     c.State.RedisAddr,
			Password: c.State.RedisPassword,
			DB:       c.State.RedisDB,
			Timeout:  c.State.RedisTimeout,
		},
		Pebble:   kv.PebbleConfig{Dir: c.State.PebbleDir},
		Postgres: kv.PostgresConfig{DSN: c.State.PostgresDSN, Table: c.State.PostgresTable},
	}
}

// BlobStorage returns the blob storage configuration.
func (c Config) BlobStorage() storage.StorageConfig {
	return storage.StorageConfig{
		Backend:               c.Storage.Backend,
		Container:             c.Storage.Container,
		ContainerSuffix:       c.Storage.ContainerSuffix,
		AzureConnectionString: c.Storage.ConnectionString,
		AzureAccountName:      c.Storage.AccountName,
		AzureAccountKey:       c.Storage.AccountKey,
		BucketURL:             c.Storage.BucketURL,
	}
}

// MessageSource returns the source configuration.
func (c Config) MessageSource() source.SourceConfig {
	return source.SourceConfig{
		Backend: c.Source.Backend,
		File: source.FileConfig{
			Dir:        c.Source.Dir,
			Partitions: c.Source.Partitions,
			Follow:     c.Source.Follow,
			Poll:       c.Source.Poll,
		},
		Kafka: source.KafkaConfig{
			Brokers:      c.Source.Brokers,
			Topic:        c.Source.Topic,
			Partitions:   c.Source.Partitions,
			StartOffset:  c.Source.StartOffset,
			MinBytes:     c.Source.MinBytes,
			MaxBytes:     c.Source.MaxBytes,
			MaxWait:      c.Source.MaxWait,
			BatchTimeout: c.Source.BatchTimeout,
		},
	}
}

// Log returns the logging configuration.
func (c Config) Log() logging.Config {
	return logging.Config{
		Format:     c.Logging.Format,
		Level:      c.Logging.Level,
		Categories: c.Logging.Categories,
	}
}

// Ingestion returns the worker configuration.
func (c Config) Ingestion() ingest.Config {
	return ingest.Config{
		BatchSize:    c.Ingest.BatchSize,
		BackoffMs:    c.Ingest.BackoffMs,
		MaxBackoffMs: c.Ingest.MaxBackoffMs,
		MaxAttempts:  c.Ingest.MaxAttempts,
		ResetOnStart: c.Ingest.ResetOnStart,
		Limits:       c.Limits(),
		Naming:       c.Naming(),
		Keys:         c.KeyFormats(),
	}
}
