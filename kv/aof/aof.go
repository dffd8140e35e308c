// Package aof is a kvstore.Engine that journals every mutation to an append
// only log before applying it to an in-memory table. The log is replayed on
// open and flushed to disk periodically.
package aof

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.miragespace.co/kvstore/kv/memory"
	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/tidwall/wal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Config struct {
	Logger *zap.Logger
	// Path is the directory holding the log segments.
	Path          string
	FlushInterval time.Duration
}

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if c.Path == "" {
		return fmt.Errorf("empty Path is invalid")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("non-positive FlushInterval is invalid")
	}
	return nil
}

type mutationReq struct {
	mut *mutation
	err chan error
}

type DiskEngine struct {
	writeBarrier  sync.RWMutex
	logger        *zap.Logger
	mem           *memory.Engine
	queue         chan *mutationReq
	log           *wal.Log
	closeCh       chan struct{}
	closeWg       sync.WaitGroup
	closed        *atomic.Bool
	counter       uint64
	flushInterval time.Duration
}

var _ kvstore.Engine = (*DiskEngine)(nil)

func Open(cfg Config) (*DiskEngine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l, err := wal.Open(cfg.Path, &wal.Options{
		SegmentSize:      2 * 1024 * 1024, // 2MB
		SegmentCacheSize: 4,               // 8MB
		LogFormat:        wal.Binary,
		NoSync:           true,
		NoCopy:           true,
	})
	if err != nil {
		return nil, kvstore.OpenError(fmt.Errorf("error opening log: %w", err))
	}
	d := &DiskEngine{
		logger:        cfg.Logger,
		mem:           memory.New(),
		queue:         make(chan *mutationReq),
		log:           l,
		closeCh:       make(chan struct{}),
		closed:        atomic.NewBool(false),
		flushInterval: cfg.FlushInterval,
	}
	d.logger.Info("Using append only log for kv storage", zap.String("dir", cfg.Path))

	if err := d.replayLogs(); err != nil {
		l.Close()
		return nil, kvstore.OpenError(err)
	}

	d.closeWg.Add(1)
	go d.start()

	return d, nil
}

func (d *DiskEngine) start() {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	defer d.closeWg.Done()

	d.logger.Debug("Periodically flushing logs to disk", zap.Duration("interval", d.flushInterval))

	dirty := false
	for {
		select {
		case <-d.closeCh:
			return
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := d.log.Sync(); err != nil {
				d.logger.Error("Error flushing logs periodically", zap.Error(err))
			}
		case m := <-d.queue:
			err := d.commit(m.mut)
			if err == nil {
				dirty = true
			}
			m.err <- err
		}
	}
}

// commit validates mut against the current state, journals it, then applies
// it. Only the log goroutine calls commit, so the validation cannot go stale.
func (d *DiskEngine) commit(mut *mutation) error {
	if err := d.precheck(mut); err != nil {
		return err
	}
	if err := d.appendLog(mut); err != nil {
		d.logger.Error("Error appending mutation log",
			zap.Stringer("mutation", mut.Type),
			zap.Error(err))
		return kvstore.StepError(err)
	}
	if err := d.handleMutation(mut); err != nil {
		d.rollbackOne(mut, err)
		return err
	}
	return nil
}

func (d *DiskEngine) Close() error {
	d.writeBarrier.Lock()
	defer d.writeBarrier.Unlock()

	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(d.closeCh)
	d.closeWg.Wait()

	d.logger.Info("Flushing logs to disk")

	if err := d.log.Sync(); err != nil {
		d.logger.Error("Error flushing logs to disk", zap.Error(err))
	}
	d.mem.Close()
	if err := d.log.Close(); err != nil {
		d.logger.Error("Error closing log file", zap.Error(err))
		return err
	}
	return nil
}

func (d *DiskEngine) submit(ctx context.Context, mut *mutation) error {
	d.writeBarrier.RLock()
	defer d.writeBarrier.RUnlock()
	if d.closed.Load() {
		return kvstore.ErrClosed
	}

	req := &mutationReq{
		err: make(chan error, 1),
		mut: mut,
	}
	select {
	case d.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.err
}

func (d *DiskEngine) read() (func(), error) {
	d.writeBarrier.RLock()
	if d.closed.Load() {
		d.writeBarrier.RUnlock()
		return nil, kvstore.ErrClosed
	}
	return d.writeBarrier.RUnlock, nil
}

func (d *DiskEngine) EnsureTableExists(ctx context.Context) (bool, error) {
	release, err := d.read()
	if err != nil {
		return false, err
	}
	defer release()
	return d.mem.EnsureTableExists(ctx)
}

func (d *DiskEngine) RowExists(ctx context.Context, id int64) (bool, error) {
	release, err := d.read()
	if err != nil {
		return false, err
	}
	defer release()
	return d.mem.RowExists(ctx, id)
}

func (d *DiskEngine) Get(ctx context.Context, id int64) ([]byte, error) {
	release, err := d.read()
	if err != nil {
		return nil, err
	}
	defer release()
	return d.mem.Get(ctx, id)
}

func (d *DiskEngine) CreateTable(ctx context.Context) error {
	return d.submit(ctx, &mutation{
		Type: mutationCreateTable,
	})
}

func (d *DiskEngine) Insert(ctx context.Context, row kvstore.Row) error {
	return d.submit(ctx, &mutation{
		Type: mutationInsert,
		ID:   row.ID,
		Data: row.Data,
	})
}

func (d *DiskEngine) Update(ctx context.Context, row kvstore.Row) error {
	return d.submit(ctx, &mutation{
		Type: mutationUpdate,
		ID:   row.ID,
		Data: row.Data,
	})
}

func (d *DiskEngine) Delete(ctx context.Context, id int64) error {
	return d.submit(ctx, &mutation{
		Type: mutationDelete,
		ID:   id,
	})
}
