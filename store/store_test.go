package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.miragespace.co/kvstore/spec/kvstore"
	"go.miragespace.co/kvstore/spec/mocks"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "store")
	require.NoError(t, err)

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func testConfig(t *testing.T, dir string) Config {
	return Config{
		Logger: zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller())),
		Name:   "TestKVPersistence",
		Dir:    dir,
	}
}

func testGetManager(t *testing.T, cfg Config) *Manager[string] {
	t.Helper()

	m, err := Open[string](cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Close()
	})
	return m
}

var backends = []Backend{BackendSQLite, BackendGorm, BackendAOF, BackendMemory}

func TestKVPersistence(t *testing.T) {
	for _, backend := range backends {
		for _, mode := range []Mode{ModeDirect, ModeSerialized} {
			backend, mode := backend, mode
			t.Run(fmt.Sprintf("%s/%s", backend, mode), func(t *testing.T) {
				as := require.New(t)
				ctx := context.Background()

				cfg := testConfig(t, testDir(t))
				cfg.Backend = backend
				cfg.Mode = mode
				m := testGetManager(t, cfg)

				as.NoError(m.Insert(ctx, "alpha", []byte("hello")))
				v, err := m.Get(ctx, "alpha")
				as.NoError(err)
				as.Equal([]byte("hello"), v)

				// inserting again replaces the value instead of failing
				as.NoError(m.Insert(ctx, "alpha", []byte("world")))
				v, err = m.Get(ctx, "alpha")
				as.NoError(err)
				as.Equal([]byte("world"), v)

				as.NoError(m.Update(ctx, "alpha", []byte("again")))
				v, ok := m.Value(ctx, "alpha")
				as.True(ok)
				as.Equal([]byte("again"), v)

				as.NoError(m.Delete(ctx, "alpha"))
				_, err = m.Get(ctx, "alpha")
				as.ErrorIs(err, kvstore.ErrQuery)

				_, ok = m.Value(ctx, "alpha")
				as.False(ok)
			})
		}
	}
}

func TestFileLayout(t *testing.T) {
	as := require.New(t)

	dir := testDir(t)
	m := testGetManager(t, testConfig(t, dir))

	as.Equal(filepath.Join(dir, "TestKVPersistence.sqlite"), m.Path())
	_, err := os.Stat(m.Path())
	as.NoError(err)
}

func TestNamesWithURICharacters(t *testing.T) {
	for _, backend := range []Backend{BackendSQLite, BackendGorm} {
		backend := backend
		t.Run(string(backend), func(t *testing.T) {
			as := require.New(t)
			ctx := context.Background()

			dir := testDir(t)
			names := []string{"a#b", "a#c", "q?x", "p%41"}
			managers := make([]*Manager[string], 0, len(names))
			for _, name := range names {
				cfg := testConfig(t, dir)
				cfg.Name = name
				cfg.Backend = backend
				m := testGetManager(t, cfg)
				managers = append(managers, m)

				as.Equal(filepath.Join(dir, name+".sqlite"), m.Path())
				as.NoError(m.Insert(ctx, "key", []byte(name)))

				_, err := os.Stat(m.Path())
				as.NoError(err, name)
				_, err = os.Stat(m.Path() + "-wal")
				as.NoError(err, name)
			}

			// a#b and a#c must not share a file
			for i, m := range managers {
				v, err := m.Get(ctx, "key")
				as.NoError(err)
				as.Equal([]byte(names[i]), v)
			}
		})
	}
}

func TestMissingKeys(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	m := testGetManager(t, testConfig(t, testDir(t)))

	err := m.Update(ctx, "ghost", []byte("boo"))
	as.ErrorIs(err, kvstore.ErrQuery)

	id, err := m.Identify("ghost")
	as.NoError(err)
	as.Equal(fmt.Sprintf("tried to update %d, but it doesn't exist", id), err.Error())

	as.ErrorIs(m.Delete(ctx, "ghost"), kvstore.ErrQuery)

	// a failed update must not create the row
	_, err = m.Get(ctx, "ghost")
	as.ErrorIs(err, kvstore.ErrQuery)
}

func TestNoCrossContamination(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	m := testGetManager(t, testConfig(t, testDir(t)))

	as.NoError(m.Insert(ctx, "a", []byte("1")))
	as.NoError(m.Insert(ctx, "b", []byte("2")))
	as.NoError(m.Delete(ctx, "a"))

	v, err := m.Get(ctx, "b")
	as.NoError(err)
	as.Equal([]byte("2"), v)
}

func TestReopen(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	dir := testDir(t)

	m, err := Open[string](testConfig(t, dir))
	as.NoError(err)
	as.NoError(m.Insert(ctx, "alpha", []byte("hello")))
	as.NoError(m.Close())

	m = testGetManager(t, testConfig(t, dir))
	v, err := m.Get(ctx, "alpha")
	as.NoError(err)
	as.Equal([]byte("hello"), v)
}

func TestDirFn(t *testing.T) {
	as := require.New(t)

	dir := testDir(t)
	cfg := testConfig(t, "")
	cfg.DirFn = func() (string, error) {
		return filepath.Join(dir, "nested"), nil
	}

	m := testGetManager(t, cfg)
	as.Equal(filepath.Join(dir, "nested", "TestKVPersistence.sqlite"), m.Path())

	boom := errors.New("no home")
	cfg.DirFn = func() (string, error) {
		return "", boom
	}
	_, err := Open[string](cfg)
	as.ErrorIs(err, kvstore.ErrOpen)
	as.ErrorIs(err, boom)
}

func TestOpenFailurePropagates(t *testing.T) {
	as := require.New(t)

	dir := testDir(t)
	as.NoError(os.WriteFile(filepath.Join(dir, "blocker"), []byte("file"), 0600))

	_, err := Open[string](testConfig(t, filepath.Join(dir, "blocker")))
	as.ErrorIs(err, kvstore.ErrOpen)
}

func TestConfigValidate(t *testing.T) {
	as := require.New(t)
	logger := zaptest.NewLogger(t)

	cases := []Config{
		{Name: "x"},
		{Logger: logger},
		{Logger: logger, Name: "../escape"},
		{Logger: logger, Name: "x", Backend: "badger"},
		{Logger: logger, Name: "x", Mode: Mode(9)},
	}
	for _, cfg := range cases {
		as.Error(cfg.validate())
	}

	cfg := Config{Logger: logger, Name: "x"}
	as.NoError(cfg.validate())
	as.Equal(BackendSQLite, cfg.Backend)
	as.NotNil(cfg.DirFn)
	as.NotNil(cfg.HashFn)
	as.NotNil(cfg.KeyEncoder)
	as.Equal(defaultFlushInterval, cfg.FlushInterval)
}

func TestParseMode(t *testing.T) {
	as := require.New(t)

	m, err := ParseMode("Serialized")
	as.NoError(err)
	as.Equal(ModeSerialized, m)
	as.Equal("serialized", m.String())

	m, err = ParseMode("")
	as.NoError(err)
	as.Equal(ModeDirect, m)

	_, err = ParseMode("parallel")
	as.Error(err)
}

func TestCollision(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	cfg := testConfig(t, testDir(t))
	// fold the key space onto a tiny ring so collisions are guaranteed
	cfg.HashFn = func(b []byte) int64 {
		h := fnv.New64a()
		h.Write(b)
		return int64(h.Sum64() % 2)
	}
	m := testGetManager(t, cfg)

	ids := make(map[int64]string)
	var a, b string
	for i := 0; ; i++ {
		k := fmt.Sprintf("key-%d", i)
		id, err := m.Identify(k)
		as.NoError(err)
		if prev, ok := ids[id]; ok {
			a, b = prev, k
			break
		}
		ids[id] = k
	}

	as.NoError(m.Insert(ctx, a, []byte("first")))
	as.NoError(m.Insert(ctx, b, []byte("second")))

	v, err := m.Get(ctx, a)
	as.NoError(err)
	as.Equal([]byte("second"), v)
}

func TestConcurrentSameKey(t *testing.T) {
	for _, mode := range []Mode{ModeDirect, ModeSerialized} {
		mode := mode
		t.Run(mode.String(), func(t *testing.T) {
			as := require.New(t)
			ctx := context.Background()

			cfg := testConfig(t, testDir(t))
			cfg.Mode = mode
			m := testGetManager(t, cfg)

			as.NoError(m.Insert(ctx, "shared", []byte("seed")))

			var g errgroup.Group
			for i := 0; i < 16; i++ {
				i := i
				g.Go(func() error {
					if i%2 == 0 {
						return m.Insert(ctx, "shared", []byte("insert"))
					}
					return m.Update(ctx, "shared", []byte("update"))
				})
			}
			as.NoError(g.Wait())

			v, err := m.Get(ctx, "shared")
			as.NoError(err)
			as.Contains([]string{"insert", "update"}, string(v))
		})
	}
}

func TestClosed(t *testing.T) {
	for _, mode := range []Mode{ModeDirect, ModeSerialized} {
		mode := mode
		t.Run(mode.String(), func(t *testing.T) {
			as := require.New(t)
			ctx := context.Background()

			cfg := testConfig(t, testDir(t))
			cfg.Mode = mode
			m, err := Open[string](cfg)
			as.NoError(err)

			as.NoError(m.Close())
			as.NoError(m.Close())

			as.ErrorIs(m.Insert(ctx, "k", []byte("v")), kvstore.ErrClosed)
			_, err = m.Get(ctx, "k")
			as.ErrorIs(err, kvstore.ErrClosed)
		})
	}
}

func TestIntegerKeys(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	cfg := testConfig(t, testDir(t))
	m, err := Open[int](cfg)
	as.NoError(err)
	defer m.Close()

	for i := 0; i < 32; i++ {
		as.NoError(m.Insert(ctx, i, []byte{byte(i)}))
	}
	for i := 0; i < 32; i++ {
		v, ok := m.Value(ctx, i)
		as.True(ok)
		as.Equal([]byte{byte(i)}, v)
	}
}

func TestSignedZeroKeys(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	cfg := testConfig(t, testDir(t))
	cfg.Backend = BackendMemory
	m, err := Open[float64](cfg)
	as.NoError(err)
	defer m.Close()

	negZero := math.Copysign(0, -1)
	pos, err := m.Identify(0)
	as.NoError(err)
	neg, err := m.Identify(negZero)
	as.NoError(err)
	as.Equal(pos, neg)

	as.NoError(m.Insert(ctx, 0, []byte("zero")))
	v, err := m.Get(ctx, negZero)
	as.NoError(err)
	as.Equal([]byte("zero"), v)
}

func TestMetrics(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	cfg := testConfig(t, testDir(t))
	cfg.Registerer = reg
	m, err := Open[string](cfg)
	as.NoError(err)

	as.NoError(m.Insert(ctx, "alpha", []byte("hello")))
	_, err = m.Get(ctx, "alpha")
	as.NoError(err)
	as.ErrorIs(m.Delete(ctx, "beta"), kvstore.ErrQuery)

	n, err := testutil.GatherAndCount(reg, "kvstore_operations_total")
	as.NoError(err)
	as.Equal(3, n)

	// a second store with the same name cannot share the registry
	dup := testConfig(t, testDir(t))
	dup.Registerer = reg
	_, err = Open[string](dup)
	as.Error(err)

	as.NoError(m.Close())

	n, err = testutil.GatherAndCount(reg, "kvstore_operations_total")
	as.NoError(err)
	as.Equal(0, n)
}

func testMockManager(t *testing.T, engine *mocks.Engine) *Manager[string] {
	t.Helper()

	cfg := testConfig(t, "")
	require.NoError(t, cfg.validate())

	m, err := newManager[string](cfg, engine, "")
	require.NoError(t, err)
	return m
}

func TestCreatesTableOnlyWhenAbsent(t *testing.T) {
	as := require.New(t)

	absent := new(mocks.Engine)
	absent.On("EnsureTableExists", mock.Anything).Return(false, nil).Once()
	absent.On("CreateTable", mock.Anything).Return(nil).Once()
	absent.On("Close").Return(nil).Once()

	m := testMockManager(t, absent)
	as.NoError(m.Close())
	absent.AssertExpectations(t)

	present := new(mocks.Engine)
	present.On("EnsureTableExists", mock.Anything).Return(true, nil).Once()
	present.On("Close").Return(nil).Once()

	m = testMockManager(t, present)
	as.NoError(m.Close())
	present.AssertExpectations(t)
	present.AssertNotCalled(t, "CreateTable", mock.Anything)
}

func TestConstructionFailureUnchanged(t *testing.T) {
	as := require.New(t)

	cfg := testConfig(t, "")
	as.NoError(cfg.validate())

	prepareErr := kvstore.PrepareError(errors.New("no such table: sqlite_master"))
	e := new(mocks.Engine)
	e.On("EnsureTableExists", mock.Anything).Return(false, prepareErr).Once()

	_, err := newManager[string](cfg, e, "")
	as.Equal(prepareErr, err)
	e.AssertExpectations(t)

	create := kvstore.StepError(errors.New("disk I/O error"))
	e = new(mocks.Engine)
	e.On("EnsureTableExists", mock.Anything).Return(false, nil).Once()
	e.On("CreateTable", mock.Anything).Return(create).Once()

	_, err = newManager[string](cfg, e, "")
	as.Equal(create, err)
	e.AssertExpectations(t)
}

func TestGetSurfacesValueCollapses(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	e := new(mocks.Engine)
	e.On("EnsureTableExists", mock.Anything).Return(true, nil)
	e.On("Close").Return(nil)

	m := testMockManager(t, e)
	defer m.Close()

	broken, err := m.Identify("broken")
	as.NoError(err)
	missing, err := m.Identify("missing")
	as.NoError(err)

	e.On("Get", mock.Anything, broken).Return(nil, kvstore.StepError(nil))
	e.On("Get", mock.Anything, missing).Return(nil, kvstore.QueryError("tried to fetch %d, but it doesn't exist", missing))

	_, err = m.Get(ctx, "broken")
	as.ErrorIs(err, kvstore.ErrStep)
	as.Equal("No error message provided from sqlite.", err.Error())

	_, err = m.Get(ctx, "missing")
	as.ErrorIs(err, kvstore.ErrQuery)

	_, ok := m.Value(ctx, "broken")
	as.False(ok)
	_, ok = m.Value(ctx, "missing")
	as.False(ok)
}

func TestRowConstruction(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	e := new(mocks.Engine)
	e.On("EnsureTableExists", mock.Anything).Return(true, nil)
	e.On("Close").Return(nil)

	m := testMockManager(t, e)
	defer m.Close()

	id, err := m.Identify("alpha")
	as.NoError(err)
	as.Equal(kvstore.Hash([]byte("alpha")), id)

	e.On("Insert", mock.Anything, kvstore.Row{ID: id, Data: []byte("hello")}).Return(nil).Once()
	e.On("Update", mock.Anything, kvstore.Row{ID: id, Data: []byte("world")}).Return(nil).Once()
	e.On("Delete", mock.Anything, id).Return(nil).Once()

	as.NoError(m.Insert(ctx, "alpha", []byte("hello")))
	as.NoError(m.Update(ctx, "alpha", []byte("world")))
	as.NoError(m.Delete(ctx, "alpha"))

	e.AssertExpectations(t)
}
