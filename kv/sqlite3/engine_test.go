package sqlite3

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"go.miragespace.co/kvstore/kv/enginetest"
	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testOpen(t *testing.T, dir string) kvstore.Engine {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller()))
	e, err := Open(Config{
		Logger: logger,
		Path:   filepath.Join(dir, "TestKVPersistence.sqlite"),
	})
	require.NoError(t, err)
	return e
}

func testGetEngine(t *testing.T) *Engine {
	t.Helper()

	as := require.New(t)

	dir, err := os.MkdirTemp("", "sql")
	as.NoError(err)

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	e := testOpen(t, dir).(*Engine)
	t.Cleanup(func() {
		e.Close()
	})

	as.NoError(e.CreateTable(context.Background()))
	return e
}

func TestEngineConformance(t *testing.T) {
	enginetest.Run(t, testOpen, true)
}

func TestConfigValidate(t *testing.T) {
	as := require.New(t)

	_, err := Open(Config{Path: "somewhere.sqlite"})
	as.Error(err)

	_, err = Open(Config{Logger: zaptest.NewLogger(t)})
	as.Error(err)
}

func TestSchema(t *testing.T) {
	as := require.New(t)
	e := testGetEngine(t)

	release, err := e.acquire(context.Background())
	as.NoError(err)
	defer release()

	stmt, _, err := e.conn.Prepare("SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?")
	as.NoError(err)
	defer stmt.Close()

	as.NoError(stmt.BindText(1, kvstore.TableName))
	as.True(stmt.Step())
	as.Equal(kvstore.CreateTableSQL, stmt.ColumnText(0))
	as.False(stmt.Step())
	as.NoError(stmt.Err())
}

func TestOpenNotDatabase(t *testing.T) {
	as := require.New(t)

	dir, err := os.MkdirTemp("", "sql")
	as.NoError(err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "garbage.sqlite")
	as.NoError(os.WriteFile(path, bytes.Repeat([]byte("not a database "), 128), 0600))

	_, err = Open(Config{
		Logger: zaptest.NewLogger(t),
		Path:   path,
	})
	as.ErrorIs(err, kvstore.ErrOpen)
	as.NotEmpty(err.Error())
}

func TestOpenDirectory(t *testing.T) {
	as := require.New(t)

	dir, err := os.MkdirTemp("", "sql")
	as.NoError(err)
	defer os.RemoveAll(dir)

	_, err = Open(Config{
		Logger: zaptest.NewLogger(t),
		Path:   dir,
	})
	as.ErrorIs(err, kvstore.ErrOpen)
}

func TestOpenUnderFile(t *testing.T) {
	as := require.New(t)

	dir, err := os.MkdirTemp("", "sql")
	as.NoError(err)
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "file")
	as.NoError(os.WriteFile(file, []byte{}, 0600))

	_, err = Open(Config{
		Logger: zaptest.NewLogger(t),
		Path:   filepath.Join(file, "db.sqlite"),
	})
	as.ErrorIs(err, kvstore.ErrOpen)
}

// a missing table must surface as a prepare failure instead of "row absent"
func TestProbePrepareFailure(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := testGetEngine(t)

	as.NoError(e.Insert(ctx, kvstore.Row{ID: 1, Data: []byte("v")}))

	release, err := e.acquire(ctx)
	as.NoError(err)
	as.NoError(e.conn.Exec("DROP TABLE " + kvstore.TableName))
	release()

	exists, err := e.RowExists(ctx, 1)
	as.ErrorIs(err, kvstore.ErrPrepare)
	as.False(exists)
	as.Contains(err.Error(), "no such table")

	as.ErrorIs(e.Insert(ctx, kvstore.Row{ID: 1, Data: []byte("v")}), kvstore.ErrPrepare)
	as.ErrorIs(e.Update(ctx, kvstore.Row{ID: 1, Data: []byte("v")}), kvstore.ErrPrepare)
	as.ErrorIs(e.Delete(ctx, 1), kvstore.ErrPrepare)
	_, err = e.Get(ctx, 1)
	as.ErrorIs(err, kvstore.ErrPrepare)

	exists, err = e.EnsureTableExists(ctx)
	as.NoError(err)
	as.False(exists)
}

// a failed operation must leave the connection usable, i.e. no dangling
// transaction and no unfinalized statement
func TestFailureLeavesConnectionClean(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	e := testGetEngine(t)

	for i := 0; i < 16; i++ {
		as.ErrorIs(e.Update(ctx, kvstore.Row{ID: 5, Data: []byte("x")}), kvstore.ErrQuery)
		as.ErrorIs(e.Delete(ctx, 5), kvstore.ErrQuery)
		_, err := e.Get(ctx, 5)
		as.ErrorIs(err, kvstore.ErrQuery)
	}

	release, err := e.acquire(ctx)
	as.NoError(err)
	as.True(e.conn.GetAutocommit())
	release()

	as.NoError(e.Insert(ctx, kvstore.Row{ID: 5, Data: []byte("x")}))
	got, err := e.Get(ctx, 5)
	as.NoError(err)
	as.Equal([]byte("x"), got)
}

func TestRecoversFromCancelledContext(t *testing.T) {
	as := require.New(t)
	e := testGetEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// whether or not the interrupt lands, no transaction may be left open
	_ = e.Insert(ctx, kvstore.Row{ID: 1, Data: []byte("v")})

	release, err := e.acquire(context.Background())
	as.NoError(err)
	as.True(e.conn.GetAutocommit())
	release()

	as.NoError(e.Insert(context.Background(), kvstore.Row{ID: 1, Data: []byte("v")}))
	got, err := e.Get(context.Background(), 1)
	as.NoError(err)
	as.Equal([]byte("v"), got)
}

func TestQueryMessage(t *testing.T) {
	as := require.New(t)
	e := testGetEngine(t)

	err := e.Delete(context.Background(), 1234)
	as.ErrorIs(err, kvstore.ErrQuery)
	as.Equal("tried to delete 1234, but it doesn't exist", err.Error())
}

func TestDSN(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("path layout differs on windows")
	}
	as := require.New(t)

	path := filepath.Join(t.TempDir(), "a#b?c%41 d.sqlite")
	dsn, err := DSN(path, "_txlock=immediate")
	as.NoError(err)

	u, err := url.Parse(dsn)
	as.NoError(err)
	as.Equal("file", u.Scheme)
	as.Empty(u.Host)
	as.Equal(path, u.Path)
	as.Empty(u.Fragment)
	as.Equal([]string{"journal_mode(WAL)", "busy_timeout(5000)", "synchronous(1)"}, u.Query()["_pragma"])
	as.Equal("immediate", u.Query().Get("_txlock"))
}

func TestOpenEscapedPath(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	dir := t.TempDir()
	for _, name := range []string{"a#b", "q?x", "p%41"} {
		path := filepath.Join(dir, name+".sqlite")
		e, err := Open(Config{
			Logger: zaptest.NewLogger(t),
			Path:   path,
		})
		as.NoError(err, name)

		as.NoError(e.CreateTable(ctx))
		as.NoError(e.Insert(ctx, kvstore.Row{ID: 1, Data: []byte(name)}))

		_, err = os.Stat(path)
		as.NoError(err, name)
		// journal_mode(WAL) took effect
		_, err = os.Stat(path + "-wal")
		as.NoError(err, name)

		as.NoError(e.Close())
	}

	entries, err := os.ReadDir(dir)
	as.NoError(err)
	for _, entry := range entries {
		as.Contains([]string{
			"a#b.sqlite", "a#b.sqlite-wal", "a#b.sqlite-shm",
			"q?x.sqlite", "q?x.sqlite-wal", "q?x.sqlite-shm",
			"p%41.sqlite", "p%41.sqlite-wal", "p%41.sqlite-shm",
		}, entry.Name())
	}
}
