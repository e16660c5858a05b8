package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "cas-ioclassd",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Rules: RulesConfig{
			CompileCacheSize: 256,
		},
		Reload: ReloadConfig{
			Enabled:       true,
			Interval:      Duration(10 * time.Second),
			MaxConfigSize: ByteSize(1 << 20), // 1MB
		},
		Metadata: MetadataConfig{
			Enabled: true,
			Path:    "/var/lib/cas-ioclass/meta.db",
		},
		Ingest: IngestConfig{
			Enabled:       false,
			Stream:        "CAS_COMPLETIONS",
			CreateStream:  true,
			MaxAge:        Duration(time.Hour),
			SubjectPrefix: "cas",
			ConsumerName:  "cas-ioclassd",
			FetchBatch:    256,
			FetchTimeout:  Duration(5 * time.Second),
		},
		API: APIConfig{
			Enabled:     true,
			Listen:      ":8080",
			MaxBodySize: ByteSize(1 << 20),
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "cas",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
