// Package config loads tracker settings from a YAML file and TRACKER_*
// environment variables, assembles a ready-to-use tracker from them, and
// pushes emitter changes into a running emitter when the file is edited.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dshills/tracker-go/tracker"
	"github.com/dshills/tracker-go/tracker/network"
	"github.com/dshills/tracker-go/tracker/request"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
)

// File is the on-disk configuration.
//
// Example:
//
//	namespace: checkout
//	app_id: shop
//	collector:
//	  endpoint: collector.example.com
//	  method: post
//	emitter:
//	  buffer_size: 50
//	  backoff_interval: 10s
//	store:
//	  backend: sqlite
//	  path: /var/lib/shop/events
type File struct {
	Namespace string          `yaml:"namespace"`
	AppID     string          `yaml:"app_id"`
	Platform  string          `yaml:"platform"`
	Collector CollectorConfig `yaml:"collector"`
	Emitter   EmitterSettings `yaml:"emitter"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// CollectorConfig describes the HTTP connection.
type CollectorConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	Method         string            `yaml:"method"`
	Protocol       string            `yaml:"protocol"`
	PostPath       string            `yaml:"post_path"`
	Timeout        time.Duration     `yaml:"timeout"`
	ThreadPoolSize int               `yaml:"thread_pool_size"`
	Anonymous      bool              `yaml:"server_anonymisation"`
	Headers        map[string]string `yaml:"headers"`
	RateLimit      float64           `yaml:"rate_limit"`
	RateBurst      int               `yaml:"rate_burst"`
}

// EmitterSettings mirrors tracker.ConfigUpdate; absent keys keep the emitter
// defaults, both at startup and on reload.
type EmitterSettings struct {
	BufferSize       *int           `yaml:"buffer_size"`
	EmitRange        *int           `yaml:"emit_range"`
	ByteLimitGet     *int           `yaml:"byte_limit_get"`
	ByteLimitPost    *int           `yaml:"byte_limit_post"`
	RetryEnabled     *bool          `yaml:"retry_enabled"`
	CustomRetryRules map[int]bool   `yaml:"custom_retry_rules"`
	BackoffInterval  *time.Duration `yaml:"backoff_interval"`
	FlushInterval    *time.Duration `yaml:"flush_interval"`
	MaxStoredEvents  *int           `yaml:"max_stored_events"`
	MaxEventAge      *time.Duration `yaml:"max_event_age"`
}

// Update converts s to a partial emitter configuration.
func (s EmitterSettings) Update() tracker.ConfigUpdate {
	return tracker.ConfigUpdate{
		BufferSize:       s.BufferSize,
		EmitRange:        s.EmitRange,
		ByteLimitGet:     s.ByteLimitGet,
		ByteLimitPost:    s.ByteLimitPost,
		RetryEnabled:     s.RetryEnabled,
		CustomRetryRules: s.CustomRetryRules,
		BackoffInterval:  s.BackoffInterval,
		FlushInterval:    s.FlushInterval,
		MaxStoredEvents:  s.MaxStoredEvents,
		MaxEventAge:      s.MaxEventAge,
	}
}

// StoreConfig selects and configures the event store.
type StoreConfig struct {
	// Backend is one of sqlite (default), memory, badger, redis, mysql, postgres.
	Backend string `yaml:"backend"`

	// Path is the sqlite directory (one file per namespace), or the badger
	// directory. An empty badger path runs in memory.
	Path string `yaml:"path"`

	// Snapshot is the memory backend's snapshot file, loaded on start and
	// written on Close. Empty disables snapshots.
	Snapshot string `yaml:"snapshot"`

	// DSN is the mysql DSN or postgres URL.
	DSN string `yaml:"dsn"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig configures the base logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the settings used when neither file nor environment say
// otherwise.
func Default() File {
	return File{
		Namespace: "default",
		Platform:  tracker.DefaultPlatform,
		Collector: CollectorConfig{
			Method:         "post",
			Protocol:       string(network.ProtocolHTTPS),
			Timeout:        30 * time.Second,
			ThreadPoolSize: 15,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    ".",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks the settings that cannot be checked by the components
// themselves before they are built.
func (f File) Validate() error {
	if f.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if f.Collector.Endpoint == "" {
		return fmt.Errorf("collector.endpoint must not be empty")
	}
	if _, err := request.ParseMethod(f.Collector.Method); err != nil {
		return fmt.Errorf("collector.method: %w", err)
	}
	switch strings.ToLower(f.Collector.Protocol) {
	case string(network.ProtocolHTTP), string(network.ProtocolHTTPS):
	default:
		return fmt.Errorf("collector.protocol must be http or https, got %q", f.Collector.Protocol)
	}

	switch f.Store.Backend {
	case BackendSQLite, BackendMemory, BackendBadger:
	case BackendRedis:
		if f.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case BackendMySQL, BackendPostgres:
		if f.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", f.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", f.Store.Backend)
	}

	if err := tracker.DefaultEmitterConfig().Merge(f.Emitter.Update()).Validate(); err != nil {
		return fmt.Errorf("emitter: %w", err)
	}
	return nil
}
