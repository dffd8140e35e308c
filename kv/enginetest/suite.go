// Package enginetest holds the behaviour every kvstore.Engine must exhibit.
// Each backend runs the suite from its own tests with a Factory that opens
// the backend rooted at a directory.
package enginetest

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"testing"

	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory opens an engine rooted at dir. Opening the same dir twice must
// observe the same data for persistent engines.
type Factory func(t *testing.T, dir string) kvstore.Engine

type suite struct {
	open       Factory
	persistent bool
}

// Run executes the conformance suite. Reopen tests are skipped when
// persistent is false.
func Run(t *testing.T, open Factory, persistent bool) {
	s := &suite{
		open:       open,
		persistent: persistent,
	}

	t.Run("TableLifecycle", s.testTableLifecycle)
	t.Run("InsertGet", s.testInsertGet)
	t.Run("InsertOverwrite", s.testInsertOverwrite)
	t.Run("UpdateMissing", s.testUpdateMissing)
	t.Run("UpdateExisting", s.testUpdateExisting)
	t.Run("GetMissing", s.testGetMissing)
	t.Run("DeleteMissing", s.testDeleteMissing)
	t.Run("DeleteThenGet", s.testDeleteThenGet)
	t.Run("RoundTrip", s.testRoundTrip)
	t.Run("BufferIsolation", s.testBufferIsolation)
	t.Run("Reopen", s.testReopen)
	t.Run("ConcurrentSameID", s.testConcurrentSameID)
	t.Run("ConcurrentDistinct", s.testConcurrentDistinct)
	t.Run("Closed", s.testClosed)
}

func tempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "kvstore")
	require.NoError(t, err)

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

// prepared returns an engine with the table already created.
func (s *suite) prepared(t *testing.T, dir string) kvstore.Engine {
	t.Helper()

	as := require.New(t)
	e := s.open(t, dir)
	t.Cleanup(func() {
		e.Close()
	})

	exists, err := e.EnsureTableExists(context.Background())
	as.NoError(err)
	if !exists {
		as.NoError(e.CreateTable(context.Background()))
	}
	return e
}

func (s *suite) testTableLifecycle(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	dir := tempDir(t)

	e := s.open(t, dir)

	exists, err := e.EnsureTableExists(ctx)
	as.NoError(err)
	as.False(exists)

	as.NoError(e.CreateTable(ctx))

	exists, err = e.EnsureTableExists(ctx)
	as.NoError(err)
	as.True(exists)

	// the table is already there, creating it again must fail
	as.Error(e.CreateTable(ctx))

	as.NoError(e.Close())

	if !s.persistent {
		return
	}

	e = s.open(t, dir)
	defer e.Close()

	exists, err = e.EnsureTableExists(ctx)
	as.NoError(err)
	as.True(exists)
}

func (s *suite) testInsertGet(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	as.NoError(e.Insert(ctx, kvstore.Row{ID: 1, Data: []byte("v1")}))
	as.NoError(e.Insert(ctx, kvstore.Row{ID: 2, Data: []byte("v2")}))
	as.NoError(e.Insert(ctx, kvstore.Row{ID: -1, Data: []byte("negative")}))

	for id, want := range map[int64]string{1: "v1", 2: "v2", -1: "negative"} {
		exists, err := e.RowExists(ctx, id)
		as.NoError(err)
		as.True(exists)

		got, err := e.Get(ctx, id)
		as.NoError(err)
		as.Equal([]byte(want), got)
	}
}

func (s *suite) testInsertOverwrite(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	as.NoError(e.Insert(ctx, kvstore.Row{ID: 42, Data: []byte("hello")}))
	as.NoError(e.Insert(ctx, kvstore.Row{ID: 42, Data: []byte("world")}))

	got, err := e.Get(ctx, 42)
	as.NoError(err)
	as.Equal([]byte("world"), got)
}

func (s *suite) testUpdateMissing(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	err := e.Update(ctx, kvstore.Row{ID: 7, Data: []byte("nope")})
	as.ErrorIs(err, kvstore.ErrQuery)

	// update must never create the row
	exists, err := e.RowExists(ctx, 7)
	as.NoError(err)
	as.False(exists)
}

func (s *suite) testUpdateExisting(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	as.NoError(e.Insert(ctx, kvstore.Row{ID: 7, Data: []byte("first")}))
	as.NoError(e.Update(ctx, kvstore.Row{ID: 7, Data: []byte("second")}))

	got, err := e.Get(ctx, 7)
	as.NoError(err)
	as.Equal([]byte("second"), got)
}

func (s *suite) testGetMissing(t *testing.T) {
	as := require.New(t)
	e := s.prepared(t, tempDir(t))

	val, err := e.Get(context.Background(), 99)
	as.ErrorIs(err, kvstore.ErrQuery)
	as.Nil(val)
}

func (s *suite) testDeleteMissing(t *testing.T) {
	as := require.New(t)
	e := s.prepared(t, tempDir(t))

	as.ErrorIs(e.Delete(context.Background(), 99), kvstore.ErrQuery)
}

func (s *suite) testDeleteThenGet(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	as.NoError(e.Insert(ctx, kvstore.Row{ID: 5, Data: []byte("gone soon")}))
	as.NoError(e.Delete(ctx, 5))

	exists, err := e.RowExists(ctx, 5)
	as.NoError(err)
	as.False(exists)

	_, err = e.Get(ctx, 5)
	as.ErrorIs(err, kvstore.ErrQuery)

	as.ErrorIs(e.Delete(ctx, 5), kvstore.ErrQuery)
}

func (s *suite) testRoundTrip(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	large := make([]byte, 64*1024)
	rand.Read(large)

	values := [][]byte{
		{},
		{0},
		{0, 0, 0},
		[]byte("nul\x00in\x00the\x00middle"),
		[]byte("héllo wörld, 你好, 🚀"),
		large,
	}

	for i, value := range values {
		id := int64(i + 100)
		as.NoError(e.Insert(ctx, kvstore.Row{ID: id, Data: value}))

		got, err := e.Get(ctx, id)
		as.NoError(err)
		as.NotNil(got)
		as.True(bytes.Equal(value, got), "value %d did not round trip", i)
	}

	// nil is stored as an empty value
	as.NoError(e.Insert(ctx, kvstore.Row{ID: 1, Data: nil}))
	got, err := e.Get(ctx, 1)
	as.NoError(err)
	as.NotNil(got)
	as.Len(got, 0)
}

func (s *suite) testBufferIsolation(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	value := []byte("original")
	as.NoError(e.Insert(ctx, kvstore.Row{ID: 3, Data: value}))
	value[0] = 'X'

	got, err := e.Get(ctx, 3)
	as.NoError(err)
	as.Equal([]byte("original"), got)

	got[0] = 'Y'
	again, err := e.Get(ctx, 3)
	as.NoError(err)
	as.Equal([]byte("original"), again)
}

func (s *suite) testReopen(t *testing.T) {
	if !s.persistent {
		t.Skip("engine is not persistent")
	}

	as := require.New(t)
	ctx := context.Background()
	dir := tempDir(t)

	e := s.prepared(t, dir)
	as.NoError(e.Insert(ctx, kvstore.Row{ID: 11, Data: []byte("kept")}))
	as.NoError(e.Insert(ctx, kvstore.Row{ID: 12, Data: []byte("dropped")}))
	as.NoError(e.Delete(ctx, 12))
	as.NoError(e.Close())

	e = s.open(t, dir)
	defer e.Close()

	exists, err := e.EnsureTableExists(ctx)
	as.NoError(err)
	as.True(exists)

	got, err := e.Get(ctx, 11)
	as.NoError(err)
	as.Equal([]byte("kept"), got)

	_, err = e.Get(ctx, 12)
	as.ErrorIs(err, kvstore.ErrQuery)
}

func (s *suite) testConcurrentSameID(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	const (
		id     = 64
		rounds = 32
	)

	var (
		inserted = []byte("from insert")
		updated  = []byte("from update")
	)

	as.NoError(e.Insert(ctx, kvstore.Row{ID: id, Data: []byte("seed")}))

	var g errgroup.Group
	for i := 0; i < rounds; i++ {
		g.Go(func() error {
			return e.Insert(ctx, kvstore.Row{ID: id, Data: inserted})
		})
		g.Go(func() error {
			return e.Update(ctx, kvstore.Row{ID: id, Data: updated})
		})
	}
	as.NoError(g.Wait())

	got, err := e.Get(ctx, id)
	as.NoError(err)
	as.Contains([]string{string(inserted), string(updated)}, string(got))
}

func (s *suite) testConcurrentDistinct(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	const (
		workers = 8
		perWork = 32
	)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWork; i++ {
				id := int64(w*perWork + i)
				if err := e.Insert(ctx, kvstore.Row{ID: id, Data: []byte{byte(w), byte(i)}}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	as.NoError(g.Wait())

	for w := 0; w < workers; w++ {
		for i := 0; i < perWork; i++ {
			got, err := e.Get(ctx, int64(w*perWork+i))
			as.NoError(err)
			as.Equal([]byte{byte(w), byte(i)}, got)
		}
	}
}

func (s *suite) testClosed(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := s.prepared(t, tempDir(t))

	as.NoError(e.Insert(ctx, kvstore.Row{ID: 1, Data: []byte("v")}))
	as.NoError(e.Close())
	as.NoError(e.Close())

	_, err := e.EnsureTableExists(ctx)
	as.ErrorIs(err, kvstore.ErrClosed)
	_, err = e.RowExists(ctx, 1)
	as.ErrorIs(err, kvstore.ErrClosed)
	as.ErrorIs(e.Insert(ctx, kvstore.Row{ID: 1}), kvstore.ErrClosed)
	as.ErrorIs(e.Update(ctx, kvstore.Row{ID: 1}), kvstore.ErrClosed)
	_, err = e.Get(ctx, 1)
	as.ErrorIs(err, kvstore.ErrClosed)
	as.ErrorIs(e.Delete(ctx, 1), kvstore.ErrClosed)
}
