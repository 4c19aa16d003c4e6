package offsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Single underscores
// separate sections, double underscores stand for a literal underscore:
// OFFSYNC_BACKOFF_MAX__ATTEMPTS sets backoff.max_attempts.
const EnvPrefix = "OFFSYNC_"

// Config is the runtime configuration of an offsync host.
type Config struct {
	Remote       RemoteConfig       `koanf:"remote"`
	Store        StoreConfig        `koanf:"store"`
	Backoff      BackoffConfig      `koanf:"backoff"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Sync         SyncConfig         `koanf:"sync"`
	Realtime     RealtimeConfig     `koanf:"realtime"`
	Bridge       BridgeConfig       `koanf:"bridge"`
	Log          LogConfig          `koanf:"log"`
}

type RemoteConfig struct {
	URL     string        `koanf:"url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

type BackoffConfig struct {
	Min         time.Duration `koanf:"min"`
	Max         time.Duration `koanf:"max"`
	Jitter      time.Duration `koanf:"jitter"`
	MaxAttempts int           `koanf:"max_attempts"`
}

type ConnectivityConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`
	// PollInterval re-probes the remote periodically; zero disables polling.
	PollInterval    time.Duration `koanf:"poll_interval"`
	SimulateOffline bool          `koanf:"simulate_offline"`
}

type SyncConfig struct {
	AutoSync    bool `koanf:"auto_sync"`
	Concurrency int  `koanf:"concurrency"`
	// Collections are the remote collections synced as features, one queue each.
	Collections []string `koanf:"collections"`
}

type RealtimeConfig struct {
	Enabled bool `koanf:"enabled"`
	// Transport is "sse", "ws" or "nats".
	Transport     string        `koanf:"transport"`
	UserID        string        `koanf:"user_id"`
	Topics        []string      `koanf:"topics"`
	NATSURL       string        `koanf:"nats_url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	Heartbeat     time.Duration `koanf:"heartbeat"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
}

type BridgeConfig struct {
	Listen string `koanf:"listen"`
	// Secret, when set, requires signed bodies on control routes.
	Secret string `koanf:"secret"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	sched := DefaultSchedulerConfig()
	return &Config{
		Remote: RemoteConfig{
			URL:     "http://127.0.0.1:8090",
			Timeout: DefaultRemoteTimeout,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "offsync.db",
		},
		Backoff: BackoffConfig{
			Min:         sched.MinBackoff,
			Max:         sched.MaxBackoff,
			Jitter:      sched.JitterRange,
			MaxAttempts: sched.MaxAttempts,
		},
		Connectivity: ConnectivityConfig{
			FailureThreshold: DefaultFailureThreshold,
			ProbeTimeout:     DefaultProbeTimeout,
			PollInterval:     30 * time.Second,
		},
		Sync: SyncConfig{
			AutoSync:    true,
			Concurrency: 1,
			Collections: []string{"notes", "tasks"},
		},
		Realtime: RealtimeConfig{
			Enabled:       true,
			Transport:     "sse",
			SubjectPrefix: DefaultSubjectPrefix,
			Heartbeat:     DefaultHeartbeatInterval,
		},
		Bridge: BridgeConfig{Listen: "127.0.0.1:7391"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig layers the TOML file at path (optional) and OFFSYNC_*
// environment variables over DefaultConfig, then validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SchedulerConfig converts the backoff section.
func (c *Config) SchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinBackoff:  c.Backoff.Min,
		MaxBackoff:  c.Backoff.Max,
		MaxAttempts: c.Backoff.MaxAttempts,
		JitterRange: c.Backoff.Jitter,
	}
}

// Validate checks the configuration for values the components would reject.
func (c *Config) Validate() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("%w: remote.url is required", ErrInvalidConfig)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("%w: remote.timeout must not be negative", ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the sqlite driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return err
	}
	if c.Connectivity.FailureThreshold < 1 {
		return fmt.Errorf("%w: connectivity.failure_threshold must be at least 1", ErrInvalidConfig)
	}
	if c.Connectivity.ProbeTimeout <= 0 || c.Connectivity.PollInterval < 0 {
		return fmt.Errorf("%w: connectivity timings must be positive", ErrInvalidConfig)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("%w: sync.concurrency must be at least 1", ErrInvalidConfig)
	}
	for _, name := range c.Sync.Collections {
		if name == "" {
			return fmt.Errorf("%w: sync.collections must not contain empty names", ErrInvalidConfig)
		}
	}
	if c.Realtime.Enabled {
		switch c.Realtime.Transport {
		case "sse", "ws":
		case "nats":
			if c.Realtime.NATSURL == "" {
				return fmt.Errorf("%w: realtime.nats_url is required for the nats transport", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unknown realtime.transport %q", ErrInvalidConfig, c.Realtime.Transport)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json", ErrInvalidConfig)
	}
	return nil
}

// TopicProvider returns the configured topics, or the per-user
// notification topics when none are listed.
func (c *Config) TopicProvider() TopicProvider {
	if len(c.Realtime.Topics) > 0 {
		return StaticTopics(c.Realtime.Topics...)
	}
	return UserTopics(c.Realtime.UserID)
}
