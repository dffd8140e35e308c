// Package store maps application keys to opaque byte values on top of a
// kvstore.Engine.
//
// Keys are encoded and hashed to a 64-bit row identifier. The hash is lossy:
// two distinct keys that reduce to the same identifier share one row, and
// writing either overwrites the other. Callers that cannot tolerate this
// should supply a HashFn that is injective over their key space.
package store

import (
	"context"
	"errors"
	"time"

	"go.miragespace.co/kvstore/metrics"
	"go.miragespace.co/kvstore/spec/kvstore"
	"go.miragespace.co/kvstore/util/atomic"
	"go.miragespace.co/kvstore/util/lane"

	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

type Manager[K comparable] struct {
	logger   *zap.Logger
	cfg      Config
	engine   kvstore.Engine
	path     string
	locks    *atomic.KeyedRWMutex
	lane     *lane.Lane
	recorder *metrics.Recorder
	closed   *uberAtomic.Bool
}

// Open resolves the store directory, opens the configured engine and
// creates the table if the engine reports it absent. Engine failures are
// returned unchanged.
func Open[K comparable](cfg Config) (*Manager[K], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dir, err := cfg.dir()
	if err != nil {
		return nil, err
	}

	engine, path, err := openEngine(cfg, dir)
	if err != nil {
		return nil, err
	}

	m, err := newManager[K](cfg, engine, path)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return m, nil
}

func newManager[K comparable](cfg Config, engine kvstore.Engine, path string) (*Manager[K], error) {
	ctx := context.Background()

	exists, err := engine.EnsureTableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := engine.CreateTable(ctx); err != nil {
			return nil, err
		}
	}

	recorder, err := metrics.NewRecorder(cfg.Registerer, cfg.Name)
	if err != nil {
		return nil, err
	}

	m := &Manager[K]{
		logger:   cfg.Logger.With(zap.String("store", cfg.Name)),
		cfg:      cfg,
		engine:   engine,
		path:     path,
		locks:    atomic.NewKeyedRWMutex(),
		recorder: recorder,
		closed:   uberAtomic.NewBool(false),
	}

	if cfg.Mode == ModeSerialized {
		m.lane = lane.New(m.logger)
		go m.lane.Start()
	}

	m.logger.Info("Store opened",
		zap.String("path", path),
		zap.String("backend", string(cfg.Backend)),
		zap.Stringer("mode", cfg.Mode),
		zap.Bool("created", !exists),
	)

	return m, nil
}

// Path is the file or directory the store persists to. It is empty for the
// memory backend.
func (m *Manager[K]) Path() string {
	return m.path
}

// Identify returns the row identifier key maps to.
func (m *Manager[K]) Identify(key K) (int64, error) {
	b, err := m.cfg.KeyEncoder(key)
	if err != nil {
		return 0, err
	}
	return m.cfg.HashFn(b), nil
}

// run executes fn against the identifier of key under the configured
// concurrency mode.
func (m *Manager[K]) run(ctx context.Context, key K, exclusive bool, fn func(id int64) error) error {
	if m.closed.Load() {
		return kvstore.ErrClosed
	}

	if m.lane != nil {
		return m.lane.Do(ctx, func() error {
			id, err := m.Identify(key)
			if err != nil {
				return err
			}
			return fn(id)
		})
	}

	id, err := m.Identify(key)
	if err != nil {
		return err
	}
	var unlock func()
	if exclusive {
		unlock = m.locks.Lock(id)
	} else {
		unlock = m.locks.RLock(id)
	}
	defer unlock()
	return fn(id)
}

// Insert stores value under key, replacing any existing value.
func (m *Manager[K]) Insert(ctx context.Context, key K, value []byte) error {
	start := time.Now()
	err := m.run(ctx, key, true, func(id int64) error {
		return m.engine.Insert(ctx, kvstore.Row{ID: id, Data: value})
	})
	m.recorder.Observe("insert", start, err)
	return err
}

// Update replaces the value under key. It fails with kvstore.ErrQuery if
// key has no value.
func (m *Manager[K]) Update(ctx context.Context, key K, value []byte) error {
	start := time.Now()
	err := m.run(ctx, key, true, func(id int64) error {
		return m.engine.Update(ctx, kvstore.Row{ID: id, Data: value})
	})
	m.recorder.Observe("update", start, err)
	return err
}

// Delete removes key. It fails with kvstore.ErrQuery if key has no value.
func (m *Manager[K]) Delete(ctx context.Context, key K) error {
	start := time.Now()
	err := m.run(ctx, key, true, func(id int64) error {
		return m.engine.Delete(ctx, id)
	})
	m.recorder.Observe("delete", start, err)
	return err
}

// Get returns the value under key. A missing key is reported as
// kvstore.ErrQuery, distinct from engine failures.
func (m *Manager[K]) Get(ctx context.Context, key K) ([]byte, error) {
	start := time.Now()
	var value []byte
	err := m.run(ctx, key, false, func(id int64) error {
		v, err := m.engine.Get(ctx, id)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	m.recorder.Observe("get", start, err)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Value is the read-only lookup: any failure, including a missing key, is
// reported as absence.
func (m *Manager[K]) Value(ctx context.Context, key K) ([]byte, bool) {
	v, err := m.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrQuery) {
			m.logger.Debug("Value lookup failed", zap.Any("key", key), zap.Error(err))
		}
		return nil, false
	}
	return v, true
}

// Close stops the lane, if any, and closes the engine. Calling Close again
// is a no-op.
func (m *Manager[K]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	if m.lane != nil {
		m.lane.Stop()
	}
	m.recorder.Unregister(m.cfg.Registerer)

	if err := m.engine.Close(); err != nil {
		m.logger.Error("Error closing storage engine", zap.Error(err))
		return err
	}

	m.logger.Info("Store closed")
	return nil
}
