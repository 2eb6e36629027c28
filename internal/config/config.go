// Package config loads service configuration from a YAML file, UNS_-prefixed
// environment variables, and an optional Vault KV2 secret overlay.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects where metadata writes land.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeMock  Mode = "mock"
)

// CheckpointBackend selects where the CDC resume token persists.
type CheckpointBackend string

const (
	CheckpointFile   CheckpointBackend = "file"
	CheckpointMemory CheckpointBackend = "memory"
)

// Broker is the MQTT ingress connection.
type Broker struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	User         string   `mapstructure:"user"`
	Password     string   `mapstructure:"password"`
	ClientID     string   `mapstructure:"client_id"`
	TopicFilters []string `mapstructure:"topic_filter"`
	TLSCA        string   `mapstructure:"tls_ca"`
	TLSInsecure  bool     `mapstructure:"tls_insecure"`
}

// Database is store connectivity and the CDC binding.
type Database struct {
	Conninfo        string `mapstructure:"conninfo"`
	AppUser         string `mapstructure:"app_user"`
	CDCUser         string `mapstructure:"cdc_user"`
	PublicationName string `mapstructure:"publication_name"`
	SlotName        string `mapstructure:"slot_name"`
}

// CDC is debounce and checkpoint behavior.
type CDC struct {
	WindowSeconds        int               `mapstructure:"window_seconds"`
	FlushIntervalSeconds int               `mapstructure:"flush_interval_seconds"`
	BufferCap            int               `mapstructure:"buffer_cap"`
	IdleSleepSeconds     int               `mapstructure:"idle_sleep_seconds"`
	MaxBatchMessages     int               `mapstructure:"max_batch_messages"`
	CheckpointBackend    CheckpointBackend `mapstructure:"checkpoint_backend"`
	ResumePath           string            `mapstructure:"resume_path"`
	ResumeFsync          bool              `mapstructure:"resume_fsync"`
	MaxLagBytes          int64             `mapstructure:"max_lag_bytes"`
}

// Egress is the historian write side: endpoint, session, throttling, retry,
// breaker, and dataset resolution.
type Egress struct {
	BaseURL               string   `mapstructure:"base_url"`
	APIToken              string   `mapstructure:"api_token"`
	ClientID              string   `mapstructure:"client_id"`
	Historians            []string `mapstructure:"historians"`
	WritePath             string   `mapstructure:"write_path"`
	BrowsePath            string   `mapstructure:"browse_path"`
	RateLimitRPS          int      `mapstructure:"rate_limit_rps"`
	QueueCapacity         int      `mapstructure:"queue_capacity"`
	MaxBatchTags          int      `mapstructure:"max_batch_tags"`
	MaxPayloadBytes       int      `mapstructure:"max_payload_bytes"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	RetryAttempts         int      `mapstructure:"retry_attempts"`
	RetryBaseDelay        float64  `mapstructure:"retry_base_delay"`
	RetryMaxDelay         float64  `mapstructure:"retry_max_delay"`

	CircuitConsecutiveFailures int `mapstructure:"circuit_consecutive_failures"`
	CircuitResetSeconds        int `mapstructure:"circuit_reset_seconds"`

	SessionTimeoutMS       int `mapstructure:"session_timeout_ms"`
	KeepaliveIdleSeconds   int `mapstructure:"keepalive_idle_seconds"`
	KeepaliveJitterSeconds int `mapstructure:"keepalive_jitter_seconds"`

	DatasetPrefix      string `mapstructure:"dataset_prefix"`
	DatasetFamilySize  int    `mapstructure:"dataset_family_size"`
	DatasetOverride    string `mapstructure:"dataset_override"`
	AutoCreateDatasets bool   `mapstructure:"auto_create_datasets"`
}

// DLQ is retention and operator tooling for dead letters.
type DLQ struct {
	TTLSeconds      int `mapstructure:"ttl_seconds"`
	AlertThreshold  int `mapstructure:"alert_threshold"`
	ReplayBatchSize int `mapstructure:"replay_batch_size"`
}

// Ingest tunes the Sparkplug frame pipeline.
type Ingest struct {
	RebirthIntervalSeconds int    `mapstructure:"rebirth_interval_seconds"`
	RebirthEnabled         bool   `mapstructure:"rebirth_enabled"`
	FrameLogPattern        string `mapstructure:"frame_log_pattern"`
	BulkThreshold          int    `mapstructure:"bulk_threshold"`
	AliasCachePath         string `mapstructure:"alias_cache_path"`
	MockSinkPath           string `mapstructure:"mock_sink_path"`
}

// HTTP is the operational server.
type HTTP struct {
	Addr string `mapstructure:"addr"`
}

// Vault is the optional secret overlay.
type Vault struct {
	Addr       string `mapstructure:"addr"`
	Token      string `mapstructure:"token"`
	SecretPath string `mapstructure:"secret_path"`
}

// Config is the full service configuration.
type Config struct {
	DBMode Mode     `mapstructure:"db_mode"`
	Broker Broker   `mapstructure:"broker"`
	DB     Database `mapstructure:"db"`
	CDC    CDC      `mapstructure:"cdc"`
	Egress Egress   `mapstructure:"egress"`
	DLQ    DLQ      `mapstructure:"dlq"`
	Ingest Ingest   `mapstructure:"ingest"`
	HTTP   HTTP     `mapstructure:"http"`
	Vault  Vault    `mapstructure:"vault"`
}

// setDefaults registers every key, including empty ones: viper only maps
// environment variables onto keys it has seen.
func setDefaults(v *viper.Viper) {
	v.SetDefault("db_mode", string(ModeLocal))

	v.SetDefault("broker.host", "")
	v.SetDefault("broker.port", 8883)
	v.SetDefault("broker.user", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.client_id", "uns-metadata-sync")
	v.SetDefault("broker.topic_filter", []string{"spBv1.0/+/DBIRTH/#", "spBv1.0/+/NBIRTH/#"})
	v.SetDefault("broker.tls_ca", "")
	v.SetDefault("broker.tls_insecure", false)

	v.SetDefault("db.conninfo", "")
	v.SetDefault("db.app_user", "")
	v.SetDefault("db.cdc_user", "")
	v.SetDefault("db.publication_name", "uns_meta_pub")
	v.SetDefault("db.slot_name", "uns_meta_slot")

	v.SetDefault("cdc.window_seconds", 180)
	v.SetDefault("cdc.flush_interval_seconds", 5)
	v.SetDefault("cdc.buffer_cap", 1000)
	v.SetDefault("cdc.idle_sleep_seconds", 1)
	v.SetDefault("cdc.max_batch_messages", 500)
	v.SetDefault("cdc.checkpoint_backend", string(CheckpointFile))
	v.SetDefault("cdc.resume_path", "cdc_resume_token.json")
	v.SetDefault("cdc.resume_fsync", true)
	v.SetDefault("cdc.max_lag_bytes", 64<<20)

	v.SetDefault("egress.base_url", "")
	v.SetDefault("egress.api_token", "")
	v.SetDefault("egress.historians", []string{})
	v.SetDefault("egress.client_id", "uns-metadata-sync")
	v.SetDefault("egress.write_path", "/storeData")
	v.SetDefault("egress.browse_path", "/browseTags")
	v.SetDefault("egress.rate_limit_rps", 500)
	v.SetDefault("egress.queue_capacity", 1000)
	v.SetDefault("egress.max_batch_tags", 100)
	v.SetDefault("egress.max_payload_bytes", 1<<20)
	v.SetDefault("egress.request_timeout_seconds", 10)
	v.SetDefault("egress.retry_attempts", 6)
	v.SetDefault("egress.retry_base_delay", 0.2)
	v.SetDefault("egress.retry_max_delay", 6.4)
	v.SetDefault("egress.circuit_consecutive_failures", 20)
	v.SetDefault("egress.circuit_reset_seconds", 60)
	v.SetDefault("egress.session_timeout_ms", 120000)
	v.SetDefault("egress.keepalive_idle_seconds", 30)
	v.SetDefault("egress.keepalive_jitter_seconds", 10)
	v.SetDefault("egress.dataset_prefix", "")
	v.SetDefault("egress.dataset_family_size", 10)
	v.SetDefault("egress.dataset_override", "")
	v.SetDefault("egress.auto_create_datasets", false)

	v.SetDefault("dlq.ttl_seconds", 7*24*3600)
	v.SetDefault("dlq.alert_threshold", 100)
	v.SetDefault("dlq.replay_batch_size", 100)

	v.SetDefault("ingest.rebirth_interval_seconds", 60)
	v.SetDefault("ingest.rebirth_enabled", true)
	v.SetDefault("ingest.frame_log_pattern", "")
	v.SetDefault("ingest.bulk_threshold", 50)
	v.SetDefault("ingest.alias_cache_path", "alias_cache.json")
	v.SetDefault("ingest.mock_sink_path", "uns_meta_mock.jsonl")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("vault.addr", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.secret_path", "secret/data/uns/metadata-sync")
}

// Load builds the configuration. path may be empty, in which case only
// defaults, environment variables, and the Vault overlay apply. Environment
// variables use the UNS_ prefix with "." replaced by "_", e.g.
// UNS_BROKER_HOST overrides broker.host.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := applyVaultOverlay(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyVaultOverlay reads the KV2 secret and sets each key into viper. Secret
// keys use the same dotted form as config keys (e.g. "db.conninfo").
func applyVaultOverlay(v *viper.Viper) error {
	addr := v.GetString("vault.addr")
	if addr == "" {
		return nil
	}
	manager, err := NewSecretManager(addr, v.GetString("vault.token"))
	if err != nil {
		return fmt.Errorf("vault connection failed: %w", err)
	}
	secrets, err := manager.GetKV2(v.GetString("vault.secret_path"))
	if err != nil {
		return fmt.Errorf("load secrets from vault: %w", err)
	}
	for key, value := range secrets {
		v.Set(key, value)
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.DBMode {
	case ModeLocal, ModeMock:
	default:
		return fmt.Errorf("db_mode must be %q or %q, got %q", ModeLocal, ModeMock, c.DBMode)
	}
	switch c.CDC.CheckpointBackend {
	case CheckpointFile, CheckpointMemory:
	default:
		return fmt.Errorf("cdc.checkpoint_backend must be %q or %q, got %q",
			CheckpointFile, CheckpointMemory, c.CDC.CheckpointBackend)
	}
	if c.DBMode == ModeLocal && c.DB.Conninfo == "" {
		return fmt.Errorf("db.conninfo is required in local mode")
	}
	if c.CDC.BufferCap <= 0 {
		return fmt.Errorf("cdc.buffer_cap must be positive, got %d", c.CDC.BufferCap)
	}
	if c.Egress.RateLimitRPS <= 0 {
		return fmt.Errorf("egress.rate_limit_rps must be positive, got %d", c.Egress.RateLimitRPS)
	}
	if c.Egress.MaxPayloadBytes <= 0 {
		return fmt.Errorf("egress.max_payload_bytes must be positive, got %d", c.Egress.MaxPayloadBytes)
	}
	return nil
}

// DebounceWindow returns cdc.window_seconds as a duration.
func (c *CDC) DebounceWindow() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// FlushInterval returns cdc.flush_interval_seconds as a duration.
func (c *CDC) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// RetryBase returns egress.retry_base_delay as a duration.
func (e *Egress) RetryBase() time.Duration {
	return time.Duration(e.RetryBaseDelay * float64(time.Second))
}

// RetryMax returns egress.retry_max_delay as a duration.
func (e *Egress) RetryMax() time.Duration {
	return time.Duration(e.RetryMaxDelay * float64(time.Second))
}

// RequestTimeout returns egress.request_timeout_seconds as a duration.
func (e *Egress) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutSeconds) * time.Second
}

// TTL returns dlq.ttl_seconds as a duration.
func (d *DLQ) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}
