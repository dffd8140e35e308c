// Package orm is a gorm backed kvstore.Engine over the same file layout as
// kv/sqlite3. Instead of probing before inserting, it relies on a single
// upsert statement, and on RowsAffected for update and delete.
package orm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.miragespace.co/kvstore/kv/sqlite3"
	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/ncruces/go-sqlite3/gormlite"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moul.io/zapgorm2"
)

type row struct {
	ID   int64  `gorm:"column:Id;primaryKey;autoIncrement:false"`
	Data []byte `gorm:"column:Data"`
}

func (row) TableName() string {
	return kvstore.TableName
}

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

type Engine struct {
	logger *zap.Logger
	reader *gorm.DB
	writer *gorm.DB
	closed *atomic.Bool
}

var _ kvstore.Engine = (*Engine)(nil)

func openDB(logger zapgorm2.Logger, dsn string) (*gorm.DB, error) {
	return gorm.Open(gormlite.Open(dsn), &gorm.Config{
		Logger:         logger,
		PrepareStmt:    true,
		TranslateError: true,
	})
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func Open(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, kvstore.OpenError(err)
	}

	logger := zapgorm2.New(cfg.Logger)
	logger.IgnoreRecordNotFoundError = true
	logger.SlowThreshold = time.Millisecond * 500

	dsn, err := sqlite3.DSN(cfg.Path, "_txlock=immediate")
	if err != nil {
		return nil, kvstore.OpenError(err)
	}

	reader, err := openDB(logger, dsn)
	if err != nil {
		return nil, kvstore.OpenError(err)
	}
	writer, err := openDB(logger, dsn)
	if err != nil {
		closeDB(reader)
		return nil, kvstore.OpenError(err)
	}

	e := &Engine{
		logger: cfg.Logger,
		reader: reader,
		writer: writer,
		closed: atomic.NewBool(false),
	}

	readerDb, err := reader.DB()
	if err != nil {
		e.closeAll()
		return nil, kvstore.OpenError(err)
	}
	readerDb.SetMaxOpenConns(max(4, runtime.NumCPU()))
	// prevent SQLITE_BUSY
	writerDb, err := writer.DB()
	if err != nil {
		e.closeAll()
		return nil, kvstore.OpenError(err)
	}
	writerDb.SetMaxOpenConns(1)

	if err := writer.Exec("SELECT count(*) FROM sqlite_master").Error; err != nil {
		e.closeAll()
		return nil, kvstore.OpenError(err)
	}

	cfg.Logger.Info("Successfully opened connection to database", zap.String("path", cfg.Path))

	return e, nil
}

func (e *Engine) closeAll() error {
	return errors.Join(closeDB(e.reader), closeDB(e.writer))
}

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.closeAll(); err != nil {
		e.logger.Error("Error closing database connections", zap.Error(err))
		return err
	}
	return nil
}

func (e *Engine) EnsureTableExists(ctx context.Context) (bool, error) {
	if e.closed.Load() {
		return false, kvstore.ErrClosed
	}

	var count int64
	resp := e.reader.WithContext(ctx).
		Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", kvstore.TableName).
		Scan(&count)
	if resp.Error != nil {
		return false, statementError(resp.Error)
	}
	return count > 0, nil
}

func (e *Engine) CreateTable(ctx context.Context) error {
	if e.closed.Load() {
		return kvstore.ErrClosed
	}

	if err := e.writer.WithContext(ctx).Exec(kvstore.CreateTableSQL).Error; err != nil {
		return kvstore.StepError(err)
	}
	e.logger.Info("Table created", zap.String("table", kvstore.TableName))
	return nil
}

func (e *Engine) RowExists(ctx context.Context, id int64) (bool, error) {
	if e.closed.Load() {
		return false, kvstore.ErrClosed
	}

	var count int64
	resp := e.reader.WithContext(ctx).Model(&row{}).Where("Id = ?", id).Count(&count)
	if resp.Error != nil {
		return false, statementError(resp.Error)
	}
	return count > 0, nil
}

func (e *Engine) Insert(ctx context.Context, r kvstore.Row) error {
	if e.closed.Load() {
		return kvstore.ErrClosed
	}

	entry := &row{
		ID:   r.ID,
		Data: blob(r.Data),
	}
	resp := e.writer.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "Id"}},
		DoUpdates: clause.AssignmentColumns([]string{"Data"}),
	}).Create(entry)
	if resp.Error != nil {
		return statementError(resp.Error)
	}
	return nil
}

func (e *Engine) Update(ctx context.Context, r kvstore.Row) error {
	if e.closed.Load() {
		return kvstore.ErrClosed
	}

	resp := e.writer.WithContext(ctx).Model(&row{}).Where("Id = ?", r.ID).Update("Data", blob(r.Data))
	if resp.Error != nil {
		return statementError(resp.Error)
	}
	if resp.RowsAffected == 0 {
		return kvstore.QueryError("tried to update %d, but it doesn't exist", r.ID)
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, id int64) ([]byte, error) {
	if e.closed.Load() {
		return nil, kvstore.ErrClosed
	}

	var entry row
	resp := e.reader.WithContext(ctx).Where("Id = ?", id).Take(&entry)
	if resp.Error != nil {
		if errors.Is(resp.Error, gorm.ErrRecordNotFound) {
			return nil, kvstore.QueryError("tried to fetch %d, but it doesn't exist", id)
		}
		return nil, statementError(resp.Error)
	}
	// errata: gorm library doesn't distinguish between nil and empty byte slice
	return blob(entry.Data), nil
}

func (e *Engine) Delete(ctx context.Context, id int64) error {
	if e.closed.Load() {
		return kvstore.ErrClosed
	}

	resp := e.writer.WithContext(ctx).Where("Id = ?", id).Delete(&row{})
	if resp.Error != nil {
		return statementError(resp.Error)
	}
	if resp.RowsAffected == 0 {
		return kvstore.QueryError("tried to delete %d, but it doesn't exist", id)
	}
	return nil
}

// statementError sorts a failed statement into a failure kind. A statement
// that does not compile against the schema surfaces from the driver with the
// same message sqlite3_prepare_v2 reports.
func statementError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return kvstore.PrepareError(err)
	}
	return kvstore.StepError(err)
}

func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
