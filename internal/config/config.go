package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Caches        []CacheConfig       `yaml:"caches"`
	Rules         RulesConfig         `yaml:"rules"`
	Reload        ReloadConfig        `yaml:"reload"`
	S3            S3Config            `yaml:"s3"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Ingest        IngestConfig        `yaml:"ingest"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CacheConfig declares one cache instance, the cores bound to it and where
// its io class config comes from (a local path or s3://bucket/key).
type CacheConfig struct {
	ID            string       `yaml:"id"`
	IOClassConfig string       `yaml:"ioclass_config"`
	Cores         []CoreConfig `yaml:"cores"`
}

type CoreConfig struct {
	ID   uint16 `yaml:"id"`
	Path string `yaml:"path"`
}

type RulesConfig struct {
	CompileCacheSize int `yaml:"compile_cache_size"`
}

type ReloadConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Interval      Duration `yaml:"interval"`
	MaxConfigSize ByteSize `yaml:"max_config_size"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	HealthBucket    string `yaml:"health_bucket"`
}

type MetadataConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IngestConfig configures the JetStream consumer that records completions
// published on {subject_prefix}.completions.{cache}.{core}.
type IngestConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Stream        string   `yaml:"stream"`
	CreateStream  bool     `yaml:"create_stream"`
	MaxAge        Duration `yaml:"max_age"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	ConsumerName  string   `yaml:"consumer_name"`
	FetchBatch    int      `yaml:"fetch_batch"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	MaxBodySize   ByteSize            `yaml:"max_body_size"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Caches) == 0 {
		return fmt.Errorf("at least one cache must be configured")
	}

	cacheIDs := make(map[string]bool, len(c.Caches))
	for i, cc := range c.Caches {
		if cc.ID == "" {
			return fmt.Errorf("caches[%d].id is required", i)
		}
		if cacheIDs[cc.ID] {
			return fmt.Errorf("caches[%d]: duplicate cache id %q", i, cc.ID)
		}
		cacheIDs[cc.ID] = true

		coreIDs := make(map[uint16]bool, len(cc.Cores))
		paths := make(map[string]bool, len(cc.Cores))
		for j, core := range cc.Cores {
			if core.Path == "" {
				return fmt.Errorf("caches[%d] (%s): cores[%d].path is required", i, cc.ID, j)
			}
			if coreIDs[core.ID] {
				return fmt.Errorf("caches[%d] (%s): duplicate core id %d", i, cc.ID, core.ID)
			}
			if paths[core.Path] {
				return fmt.Errorf("caches[%d] (%s): core path %s used twice", i, cc.ID, core.Path)
			}
			coreIDs[core.ID] = true
			paths[core.Path] = true
		}

		if strings.HasPrefix(cc.IOClassConfig, "s3://") && c.S3.Region == "" && c.S3.Endpoint == "" {
			return fmt.Errorf("caches[%d] (%s): s3 io class config requires s3.region or s3.endpoint", i, cc.ID)
		}
	}

	if c.Reload.Enabled && c.Reload.Interval <= 0 {
		return fmt.Errorf("reload.interval must be > 0")
	}

	if c.API.NATSResponder.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when the NATS responder is enabled")
		}
		if c.API.NATSResponder.SubjectPrefix == "" {
			return fmt.Errorf("api.nats_responder.subject_prefix is required")
		}
	}

	if c.Ingest.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when ingest is enabled")
		}
		if c.Ingest.Stream == "" || c.Ingest.ConsumerName == "" || c.Ingest.SubjectPrefix == "" {
			return fmt.Errorf("ingest.stream, ingest.consumer_name and ingest.subject_prefix are required")
		}
		if c.Ingest.FetchBatch <= 0 {
			return fmt.Errorf("ingest.fetch_batch must be > 0")
		}
	}

	if c.API.MaxBodySize <= 0 {
		return fmt.Errorf("api.max_body_size must be > 0")
	}

	if c.Metadata.Enabled && c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	return nil
}

// UsesNATS reports whether any enabled component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.API.NATSResponder.Enabled || c.Ingest.Enabled
}

// UsesS3 reports whether any cache loads its io class config from S3.
func (c *Config) UsesS3() bool {
	for _, cc := range c.Caches {
		if strings.HasPrefix(cc.IOClassConfig, "s3://") {
			return true
		}
	}
	return false
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "64KB", "1MB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1 << 10},
		{"MB", 1 << 20},
		{"GB", 1 << 30},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			numStr = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	var n int64
	if _, err := fmt.Sscanf(numStr, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
