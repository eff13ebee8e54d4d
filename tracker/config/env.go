package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables that override file settings.
const (
	EnvNamespace       = "TRACKER_NAMESPACE"
	EnvAppID           = "TRACKER_APP_ID"
	EnvPlatform        = "TRACKER_PLATFORM"
	EnvEndpoint        = "TRACKER_COLLECTOR_ENDPOINT"
	EnvMethod          = "TRACKER_COLLECTOR_METHOD"
	EnvProtocol        = "TRACKER_COLLECTOR_PROTOCOL"
	EnvTimeout         = "TRACKER_COLLECTOR_TIMEOUT"
	EnvThreadPoolSize  = "TRACKER_THREAD_POOL_SIZE"
	EnvBufferSize      = "TRACKER_BUFFER_SIZE"
	EnvEmitRange       = "TRACKER_EMIT_RANGE"
	EnvRetryEnabled    = "TRACKER_RETRY_ENABLED"
	EnvBackoffInterval = "TRACKER_BACKOFF_INTERVAL"
	EnvFlushInterval   = "TRACKER_FLUSH_INTERVAL"
	EnvStoreBackend    = "TRACKER_STORE_BACKEND"
	EnvStorePath       = "TRACKER_STORE_PATH"
	EnvStoreDSN        = "TRACKER_STORE_DSN"
	EnvRedisAddr       = "TRACKER_REDIS_ADDR"
	EnvRedisPassword   = "TRACKER_REDIS_PASSWORD"
	EnvLogLevel        = "TRACKER_LOG_LEVEL"
)

// env reads overrides and logs where each value came from. Invalid values are
// logged and ignored.
type env struct {
	logger zerolog.Logger
}

func (env) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e env) str(key string, dst *string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	ev := e.logger.Debug().Str("key", key).Str("source", "environment")
	if lower := strings.ToLower(key); strings.Contains(lower, "password") || strings.Contains(lower, "dsn") {
		ev = ev.Bool("sensitive", true)
	} else {
		ev = ev.Str("value", v)
	}
	ev.Msg("using environment variable")
	*dst = v
}

func (e env) parseInt(key string) (int, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment variable, ignoring")
		return 0, false
	}
	e.logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i, true
}

func (e env) integer(key string, dst *int) {
	if i, ok := e.parseInt(key); ok {
		*dst = i
	}
}

func (e env) intPtr(key string, dst **int) {
	if i, ok := e.parseInt(key); ok {
		*dst = &i
	}
}

func (e env) parseDuration(key string) (time.Duration, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.logger.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment variable, ignoring")
		return 0, false
	}
	e.logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
	return d, true
}

func (e env) duration(key string, dst *time.Duration) {
	if d, ok := e.parseDuration(key); ok {
		*dst = d
	}
}

func (e env) durationPtr(key string, dst **time.Duration) {
	if d, ok := e.parseDuration(key); ok {
		*dst = &d
	}
}

func (e env) boolPtr(key string, dst **bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var b bool
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		b = true
	case "0", "false", "no", "off":
		b = false
	default:
		e.logger.Warn().Str("key", key).Str("value", v).Msg("invalid boolean in environment variable, ignoring")
		return
	}
	e.logger.Debug().Str("key", key).Bool("value", b).Str("source", "environment").Msg("using environment variable")
	*dst = &b
}
