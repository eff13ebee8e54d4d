package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dshills/tracker-go/internal/log"
	"github.com/dshills/tracker-go/tracker"
	"github.com/dshills/tracker-go/tracker/network"
	"github.com/dshills/tracker-go/tracker/request"
	"github.com/dshills/tracker-go/tracker/store"
)

// OpenStore opens the backend named by cfg. Stores that keep one database per
// tracker (sqlite, badger) or a key namespace (redis) use namespace to pick it.
func OpenStore(ctx context.Context, cfg StoreConfig, namespace string) (store.EventStore, error) {
	var (
		st  store.EventStore
		err error
	)
	switch cfg.Backend {
	case BackendSQLite, "":
		st, err = openSQLite(cfg.Path, namespace)
	case BackendMemory:
		st, err = openMemory(cfg.Snapshot)
	case BackendBadger:
		st, err = asStore(store.OpenBadgerStore(cfg.Path))
	case BackendRedis:
		prefix := cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = "tracker:" + namespace
		}
		st, err = asStore(store.OpenRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: prefix,
		}))
	case BackendMySQL:
		st, err = asStore(store.NewMySQLStore(cfg.DSN))
	case BackendPostgres:
		st, err = asStore(store.OpenPostgresStore(ctx, cfg.DSN))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return st, nil
}

// asStore drops the concrete type so a failed open yields a nil interface.
func asStore[S store.EventStore](s S, err error) (store.EventStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openSQLite(dir, namespace string) (store.EventStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return asStore(store.NewSQLiteStore(store.PathForNamespace(dir, namespace)))
}

func openMemory(snapshot string) (store.EventStore, error) {
	mem := store.NewMemStore()
	if snapshot != "" {
		if err := mem.LoadSnapshot(snapshot); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

// NewConnection builds the HTTP connection described by cfg.
func NewConnection(cfg CollectorConfig, opts ...network.Option) (*network.HTTPConnection, error) {
	method, err := request.ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	all := []network.Option{
		network.WithMethod(method),
		network.WithProtocol(network.Protocol(strings.ToLower(cfg.Protocol))),
		network.WithServerAnonymisation(cfg.Anonymous),
	}
	if cfg.PostPath != "" {
		all = append(all, network.WithCustomPostPath(cfg.PostPath))
	}
	if cfg.Timeout > 0 {
		all = append(all, network.WithTimeout(cfg.Timeout))
	}
	if cfg.ThreadPoolSize > 0 {
		all = append(all, network.WithThreadPoolSize(cfg.ThreadPoolSize))
	}
	if len(cfg.Headers) > 0 {
		all = append(all, network.WithRequestHeaders(cfg.Headers))
	}
	if cfg.RateLimit > 0 {
		all = append(all, network.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	return network.NewHTTPConnection(cfg.Endpoint, append(all, opts...)...)
}

// Runtime is a tracker assembled from a File together with the resources it
// owns.
type Runtime struct {
	Tracker    *tracker.Tracker
	Emitter    *tracker.Emitter
	Store      store.EventStore
	Connection *network.HTTPConnection

	snapshot string
}

// Build opens the store, creates the connection, emitter and tracker
// described by cfg. Extra emitter options are applied after the file
// settings, so callers can add metrics, observers or a logger.
func Build(ctx context.Context, cfg File, opts ...tracker.Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Log.Level != "" {
		log.Configure(log.Config{Level: cfg.Log.Level})
	}

	conn, err := NewConnection(cfg.Collector)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	st, err := OpenStore(ctx, cfg.Store, cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	emitterCfg := tracker.DefaultEmitterConfig().Merge(cfg.Emitter.Update())
	all := append([]tracker.Option{
		tracker.WithNamespace(cfg.Namespace),
		tracker.WithConfig(emitterCfg),
	}, opts...)
	em, err := tracker.NewEmitter(conn, st, all...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	tr, err := tracker.NewTracker(cfg.Namespace, em,
		tracker.WithAppID(cfg.AppID),
		tracker.WithPlatform(cfg.Platform),
	)
	if err != nil {
		_ = em.Shutdown(ctx)
		_ = st.Close()
		return nil, err
	}

	rt := &Runtime{Tracker: tr, Emitter: em, Store: st, Connection: conn}
	if cfg.Store.Backend == BackendMemory {
		rt.snapshot = cfg.Store.Snapshot
	}
	return rt, nil
}

// Close shuts the emitter down, writes the memory snapshot if one is
// configured, and closes the store.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.Emitter.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if mem, ok := r.Store.(*store.MemStore); ok && r.snapshot != "" {
		if err := mem.SaveSnapshot(r.snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
