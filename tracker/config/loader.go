package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/tracker-go/internal/log"
)

// Load reads settings with precedence environment > file > defaults and
// validates the result. An empty path skips the file.
func Load(path string) (File, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg, env{logger: log.WithComponent("config")})

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFile decodes path over cfg. Unknown keys are rejected.
func loadFile(path string, cfg *File) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- the path is chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse yaml: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func applyEnv(cfg *File, e env) {
	e.str(EnvNamespace, &cfg.Namespace)
	e.str(EnvAppID, &cfg.AppID)
	e.str(EnvPlatform, &cfg.Platform)

	e.str(EnvEndpoint, &cfg.Collector.Endpoint)
	e.str(EnvMethod, &cfg.Collector.Method)
	e.str(EnvProtocol, &cfg.Collector.Protocol)
	e.duration(EnvTimeout, &cfg.Collector.Timeout)
	e.integer(EnvThreadPoolSize, &cfg.Collector.ThreadPoolSize)

	e.intPtr(EnvBufferSize, &cfg.Emitter.BufferSize)
	e.intPtr(EnvEmitRange, &cfg.Emitter.EmitRange)
	e.boolPtr(EnvRetryEnabled, &cfg.Emitter.RetryEnabled)
	e.durationPtr(EnvBackoffInterval, &cfg.Emitter.BackoffInterval)
	e.durationPtr(EnvFlushInterval, &cfg.Emitter.FlushInterval)

	e.str(EnvStoreBackend, &cfg.Store.Backend)
	e.str(EnvStorePath, &cfg.Store.Path)
	e.str(EnvStoreDSN, &cfg.Store.DSN)
	e.str(EnvRedisAddr, &cfg.Store.Redis.Addr)
	e.str(EnvRedisPassword, &cfg.Store.Redis.Password)

	e.str(EnvLogLevel, &cfg.Log.Level)
}
