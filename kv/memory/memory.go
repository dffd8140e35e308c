// Package memory is a volatile kvstore.Engine. It doubles as the state
// machine replayed by kv/aof.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
)

var (
	errNoTable     = errors.New("no such table: " + kvstore.TableName)
	errTableExists = errors.New("table " + kvstore.TableName + " already exists")
)

type Engine struct {
	// guards the probe-then-act sequences, single map operations are already atomic
	mu     sync.RWMutex
	rows   *skipmap.Uint64Map[[]byte]
	table  *atomic.Bool
	closed *atomic.Bool
}

var _ kvstore.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		rows:   skipmap.NewUint64[[]byte](),
		table:  atomic.NewBool(false),
		closed: atomic.NewBool(false),
	}
}

// Len returns the number of rows currently stored.
func (m *Engine) Len() int {
	return m.rows.Len()
}

func (m *Engine) check() error {
	if m.closed.Load() {
		return kvstore.ErrClosed
	}
	if !m.table.Load() {
		return kvstore.PrepareError(errNoTable)
	}
	return nil
}

func (m *Engine) EnsureTableExists(_ context.Context) (bool, error) {
	if m.closed.Load() {
		return false, kvstore.ErrClosed
	}
	return m.table.Load(), nil
}

func (m *Engine) CreateTable(_ context.Context) error {
	if m.closed.Load() {
		return kvstore.ErrClosed
	}
	if !m.table.CompareAndSwap(false, true) {
		return kvstore.StepError(errTableExists)
	}
	return nil
}

func (m *Engine) RowExists(_ context.Context, id int64) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	_, ok := m.rows.Load(uint64(id))
	return ok, nil
}

func (m *Engine) Insert(_ context.Context, row kvstore.Row) error {
	if err := m.check(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows.Store(uint64(row.ID), clone(row.Data))
	return nil
}

func (m *Engine) Update(_ context.Context, row kvstore.Row) error {
	if err := m.check(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows.Load(uint64(row.ID)); !ok {
		return kvstore.QueryError("tried to update %d, but it doesn't exist", row.ID)
	}
	m.rows.Store(uint64(row.ID), clone(row.Data))
	return nil
}

func (m *Engine) Get(_ context.Context, id int64) ([]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.rows.Load(uint64(id))
	if !ok {
		return nil, kvstore.QueryError("tried to fetch %d, but it doesn't exist", id)
	}
	return clone(data), nil
}

func (m *Engine) Delete(_ context.Context, id int64) error {
	if err := m.check(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows.Load(uint64(id)); !ok {
		return kvstore.QueryError("tried to delete %d, but it doesn't exist", id)
	}
	m.rows.Delete(uint64(id))
	return nil
}

func (m *Engine) Close() error {
	m.closed.Store(true)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return bytes.Clone(b)
}
