// Package lane provides a single serializing execution context: work
// submitted from any goroutine runs one item at a time, in submission order,
// on a dedicated goroutine, while the submitter blocks until its item is done.
package lane

import (
	"context"
	"sync"

	"go.miragespace.co/kvstore/spec/kvstore"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type request struct {
	fn  func() error
	err chan error
}

type Lane struct {
	writeBarrier sync.RWMutex
	logger       *zap.Logger
	queue        chan *request
	closeCh      chan struct{}
	closeWg      sync.WaitGroup
	closed       *atomic.Bool
}

func New(logger *zap.Logger) *Lane {
	l := &Lane{
		logger:  logger,
		queue:   make(chan *request),
		closeCh: make(chan struct{}),
		closed:  atomic.NewBool(false),
	}
	l.closeWg.Add(1)
	return l
}

// Start runs the lane until Stop is called. It must be called exactly once,
// usually in its own goroutine.
func (l *Lane) Start() {
	defer l.closeWg.Done()

	l.logger.Debug("Serializing lane started")

	for {
		select {
		case <-l.closeCh:
			return
		case r := <-l.queue:
			r.err <- r.fn()
		}
	}
}

// Stop waits for in-flight work to finish and stops the lane. Subsequent Do
// calls return kvstore.ErrClosed.
func (l *Lane) Stop() {
	l.writeBarrier.Lock()
	defer l.writeBarrier.Unlock()

	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	close(l.closeCh)
	l.closeWg.Wait()

	l.logger.Debug("Serializing lane stopped")
}

// Do runs fn on the lane and returns its error. If ctx is done before the
// lane accepts fn, fn never runs and the context error is returned. Once
// accepted, fn always runs to completion.
func (l *Lane) Do(ctx context.Context, fn func() error) error {
	l.writeBarrier.RLock()
	defer l.writeBarrier.RUnlock()
	if l.closed.Load() {
		return kvstore.ErrClosed
	}

	r := &request{
		fn:  fn,
		err: make(chan error, 1),
	}
	select {
	case l.queue <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-r.err
}
