// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// Backend names shared by the store sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	RCSB      RCSBConfig      `mapstructure:"rcsb"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Revision  RevisionConfig  `mapstructure:"revision"`
	Cursor    CursorConfig    `mapstructure:"cursor"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	DynamoDB  DynamoDBConfig  `mapstructure:"dynamodb"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// RunConfig governs one ingestion run.
type RunConfig struct {
	Mode             string `mapstructure:"mode"`
	PDBID            string `mapstructure:"pdb_id"`
	StartFrom        int    `mapstructure:"start_from"`
	MaxTargets       int    `mapstructure:"max_targets"`
	BatchSize        int    `mapstructure:"batch_size"`
	MaxActiveEntries int    `mapstructure:"max_active_entries"`
	MaxInFlight      int    `mapstructure:"max_in_flight"`
	QueueDepth       int    `mapstructure:"queue_depth"`
	OverlapDays      int    `mapstructure:"overlap_days"`
	CursorDocID      string `mapstructure:"cursor_doc_id"`
	FieldFilterPath  string `mapstructure:"field_filter_path"`
}

// RCSBConfig points the crawler at the RCSB hosts.
type RCSBConfig struct {
	SearchURL      string  `mapstructure:"search_url"`
	APIBase        string  `mapstructure:"api_base"`
	DownloadRoot   string  `mapstructure:"download_root"`
	PreviewRoot    string  `mapstructure:"preview_root"`
	ValidationRoot string  `mapstructure:"validation_root"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
}

// AssetsConfig tunes the asset prober and downloader.
type AssetsConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	Concurrency    int    `mapstructure:"concurrency"`
	Download       bool   `mapstructure:"download"`
	BlobPrefix     string `mapstructure:"blob_prefix"`
	MaxBytes       int64  `mapstructure:"max_bytes"`
}

// RevisionConfig selects the per-identifier revision store.
type RevisionConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	HashKey       string `mapstructure:"hash_key"`
	TTLDays       int    `mapstructure:"ttl_days"`
}

// CursorConfig selects the durable cursor store.
type CursorConfig struct {
	Backend    string `mapstructure:"backend"`
	Table      string `mapstructure:"table"`
	Collection string `mapstructure:"collection"`
}

// SinkConfig selects where finalized records go.
type SinkConfig struct {
	Backend    string `mapstructure:"backend"`
	Table      string `mapstructure:"table"`
	Collection string `mapstructure:"collection"`
	Dir        string `mapstructure:"dir"`
}

// StorageConfig selects the asset blob store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MongoConfig locates the MongoDB deployment.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// DynamoDBConfig locates the DynamoDB cursor table.
type DynamoDBConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// PubSubConfig holds metadata for record notifications. An empty project
// keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Tracing     bool   `mapstructure:"tracing"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RCSB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.mode", string(crawler.ModeFull))
	v.SetDefault("run.max_targets", 100)
	v.SetDefault("run.batch_size", 100)
	v.SetDefault("run.max_active_entries", 16)
	v.SetDefault("run.max_in_flight", 32)
	v.SetDefault("run.queue_depth", 64)
	v.SetDefault("run.overlap_days", 1)
	v.SetDefault("run.cursor_doc_id", "rcsb_all_api")
	v.SetDefault("rcsb.search_url", "https://search.rcsb.org/rcsbsearch/v2/query")
	v.SetDefault("rcsb.api_base", "https://data.rcsb.org/rest/v1/core")
	v.SetDefault("rcsb.download_root", "https://files.rcsb.org/download/")
	v.SetDefault("rcsb.preview_root", "https://cdn.rcsb.org/images/structures/")
	v.SetDefault("rcsb.validation_root", "https://files.rcsb.org/validation/view/")
	v.SetDefault("rcsb.user_agent", "rcsb-pdb-crawler/0.1")
	v.SetDefault("rcsb.timeout_seconds", 30)
	v.SetDefault("rcsb.max_retries", 2)
	v.SetDefault("rcsb.rps", 10.0)
	v.SetDefault("rcsb.burst", 10)
	v.SetDefault("assets.timeout_seconds", 5)
	v.SetDefault("assets.max_attempts", 5)
	v.SetDefault("assets.concurrency", 4)
	v.SetDefault("assets.blob_prefix", "assets")
	v.SetDefault("revision.backend", BackendMemory)
	v.SetDefault("revision.hash_key", "rcsb_all_api:revision")
	v.SetDefault("revision.ttl_days", 60)
	v.SetDefault("cursor.backend", BackendMemory)
	v.SetDefault("cursor.table", "rcsb_increment_state")
	v.SetDefault("cursor.collection", "rcsb_increment_state")
	v.SetDefault("sink.backend", BackendMemory)
	v.SetDefault("sink.table", "rcsb_pdb_structures_all")
	v.SetDefault("sink.collection", "rcsb_pdb_structures_all")
	v.SetDefault("sink.dir", "data/records")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "data/assets")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("mongo.database", "rcsb")
	v.SetDefault("dynamodb.table", "rcsb_increment_state")
	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("pubsub.topic", "rcsb-records")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "rcsb-pdb-crawler")
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if !crawler.Mode(c.Run.Mode).Valid() {
		return fmt.Errorf("run.mode must be full or incremental, got %q", c.Run.Mode)
	}
	if c.Run.StartFrom < 0 {
		return fmt.Errorf("run.start_from must be >= 0")
	}
	if c.Run.MaxTargets <= 0 {
		return fmt.Errorf("run.max_targets must be > 0")
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be > 0")
	}
	if c.Run.MaxActiveEntries <= 0 {
		return fmt.Errorf("run.max_active_entries must be > 0")
	}
	if c.Run.MaxInFlight <= 0 {
		return fmt.Errorf("run.max_in_flight must be > 0")
	}
	if c.Run.OverlapDays < 0 {
		return fmt.Errorf("run.overlap_days must be >= 0")
	}
	if c.RCSB.TimeoutSeconds <= 0 {
		return fmt.Errorf("rcsb.timeout_seconds must be > 0")
	}
	if c.RCSB.MaxRetries < 0 {
		return fmt.Errorf("rcsb.max_retries must be >= 0")
	}
	if c.RCSB.RPS <= 0 {
		return fmt.Errorf("rcsb.rps must be > 0")
	}
	if c.Assets.TimeoutSeconds <= 0 {
		return fmt.Errorf("assets.timeout_seconds must be > 0")
	}
	if c.Assets.MaxAttempts <= 0 {
		return fmt.Errorf("assets.max_attempts must be > 0")
	}
	if c.Assets.Concurrency <= 0 {
		return fmt.Errorf("assets.concurrency must be > 0")
	}
	if c.Revision.TTLDays <= 0 {
		return fmt.Errorf("revision.ttl_days must be > 0")
	}
	if err := oneOf("revision.backend", c.Revision.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.Revision.Backend == BackendRedis && c.Revision.RedisAddr == "" {
		return fmt.Errorf("revision.redis_addr must be set when revision.backend is redis")
	}
	if err := oneOf("cursor.backend", c.Cursor.Backend, BackendMemory, BackendPostgres, BackendMongo, BackendDynamoDB); err != nil {
		return err
	}
	if err := oneOf("sink.backend", c.Sink.Backend, BackendMemory, BackendPostgres, BackendMongo, BackendFile); err != nil {
		return err
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS, BackendS3); err != nil {
		return err
	}
	if (c.Cursor.Backend == BackendPostgres || c.Sink.Backend == BackendPostgres) && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for the postgres backend")
	}
	if (c.Cursor.Backend == BackendMongo || c.Sink.Backend == BackendMongo) && c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri must be set for the mongo backend")
	}
	if c.Sink.Backend == BackendFile && c.Sink.Dir == "" {
		return fmt.Errorf("sink.dir must be set for the file backend")
	}
	if (c.Storage.Backend == BackendGCS || c.Storage.Backend == BackendS3) && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the %s backend", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic must be set when pubsub.project_id is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Mode returns the typed run mode.
func (c Config) Mode() crawler.Mode {
	return crawler.Mode(c.Run.Mode)
}

// FetchTimeout bounds one RCSB API request.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.RCSB.TimeoutSeconds) * time.Second
}

// ProbeTimeout bounds one asset probe attempt.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Assets.TimeoutSeconds) * time.Second
}

// Overlap is how far the incremental cursor is rewound.
func (c Config) Overlap() time.Duration {
	return time.Duration(c.Run.OverlapDays) * 24 * time.Hour
}

// RevisionTTL is the per-identifier revision expiry.
func (c Config) RevisionTTL() time.Duration {
	return time.Duration(c.Revision.TTLDays) * 24 * time.Hour
}
