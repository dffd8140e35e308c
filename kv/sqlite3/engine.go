package sqlite3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/ncruces/go-sqlite3"
	"go.uber.org/zap"
)

const (
	tableExistsSQL = "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?"
	rowExistsSQL   = "SELECT * FROM " + kvstore.TableName + " WHERE Id = ?"
	insertSQL      = "INSERT INTO " + kvstore.TableName + " (Id, Data) VALUES (?, ?)"
	updateSQL      = "UPDATE " + kvstore.TableName + " SET Data = ? WHERE Id = ?"
	getSQL         = "SELECT Data FROM " + kvstore.TableName + " WHERE Id = ?"
	deleteSQL      = "DELETE FROM " + kvstore.TableName + " WHERE Id = ?"
)

type Config struct {
	Logger *zap.Logger
	Path   string
}

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if c.Path == "" {
		return fmt.Errorf("empty Path is invalid")
	}
	return nil
}

// Engine owns a single connection to the backing file. The connection is not
// safe for concurrent use, so every operation, including the compound
// probe-then-act ones, runs while holding mu.
type Engine struct {
	logger *zap.Logger
	path   string
	mu     sync.Mutex
	conn   *sqlite3.Conn
}

var _ kvstore.Engine = (*Engine)(nil)

func Open(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, kvstore.OpenError(err)
	}

	conn, err := openConn(cfg.Logger, cfg.Path)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, kvstore.OpenError(err)
	}

	// reject files that are not databases before handing out the engine
	if err := conn.Exec("SELECT count(*) FROM sqlite_master"); err != nil {
		conn.Close()
		return nil, kvstore.OpenError(err)
	}

	cfg.Logger.Info("Successfully opened connection to database", zap.String("path", cfg.Path))

	return &Engine{
		logger: cfg.Logger,
		path:   cfg.Path,
		conn:   conn,
	}, nil
}

func (e *Engine) Path() string {
	return e.path
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	conn := e.conn
	e.conn = nil

	if err := conn.Close(); err != nil {
		e.logger.Error("Error closing database connection", zap.Error(err))
		return err
	}
	return nil
}

// acquire locks the connection and routes ctx cancellation into SQLite for
// the duration of one operation.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	e.mu.Lock()
	if e.conn == nil {
		e.mu.Unlock()
		return nil, kvstore.ErrClosed
	}
	old := e.conn.SetInterrupt(ctx)
	return func() {
		e.conn.SetInterrupt(old)
		e.mu.Unlock()
	}, nil
}

func (e *Engine) prepare(sql string) (*sqlite3.Stmt, error) {
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return nil, kvstore.PrepareError(err)
	}
	return stmt, nil
}

// transaction runs fn inside begin ... COMMIT, rolling back if fn or the
// commit fails. Caller must hold mu.
func (e *Engine) transaction(begin string, fn func() error) (err error) {
	if err := e.conn.Exec(begin); err != nil {
		return kvstore.StepError(err)
	}
	defer func() {
		if err == nil {
			cErr := e.conn.Exec("COMMIT")
			if cErr == nil {
				return
			}
			err = kvstore.StepError(cErr)
		}
		// the interrupt may already have fired; rollback must still go through
		old := e.conn.SetInterrupt(context.Background())
		defer e.conn.SetInterrupt(old)
		if rbErr := e.conn.Exec("ROLLBACK"); rbErr != nil {
			e.logger.Error("Error rolling back transaction", zap.Error(rbErr))
		}
	}()
	return fn()
}

func execute(stmt *sqlite3.Stmt) error {
	if stmt.Step() {
		return kvstore.StepError(errors.New("statement unexpectedly returned a row"))
	}
	if err := stmt.Err(); err != nil {
		return kvstore.StepError(err)
	}
	return nil
}

func (e *Engine) EnsureTableExists(ctx context.Context) (bool, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	stmt, err := e.prepare(tableExistsSQL)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	if err := stmt.BindText(1, kvstore.TableName); err != nil {
		return false, kvstore.BindError(err)
	}
	if stmt.Step() {
		return true, nil
	}
	if err := stmt.Err(); err != nil {
		return false, kvstore.StepError(err)
	}
	return false, nil
}

func (e *Engine) CreateTable(ctx context.Context) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	stmt, err := e.prepare(kvstore.CreateTableSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := execute(stmt); err != nil {
		return err
	}

	e.logger.Info("Table created", zap.String("table", kvstore.TableName))
	return nil
}
