package kvstore

import (
	"context"
)

const (
	// TableName is the only table ever created in a store.
	TableName = "KVPersistence"

	CreateTableSQL = "CREATE TABLE " + TableName + " (Id INTEGER PRIMARY KEY NOT NULL UNIQUE, Data BLOB)"
)

// Row is the persisted unit. ID is derived from the caller's key by a HashFn
// and is not guaranteed to be unique across distinct keys.
type Row struct {
	ID   int64
	Data []byte
}

// Engine executes point operations against the single fixed table. Every
// operation re-queries the backing store; implementations never cache rows.
type Engine interface {
	// EnsureTableExists reports whether TableName is present in the catalog.
	EnsureTableExists(ctx context.Context) (bool, error)
	// CreateTable creates TableName. It is only called when EnsureTableExists is false.
	CreateTable(ctx context.Context) error
	// RowExists is the existence probe used before update, get and delete.
	RowExists(ctx context.Context, id int64) (bool, error)
	// Insert stores the row, updating the data in place if the id already exists.
	Insert(ctx context.Context, row Row) error
	// Update fails with ErrQuery if the id does not exist.
	Update(ctx context.Context, row Row) error
	// Get fails with ErrQuery if the id does not exist.
	Get(ctx context.Context, id int64) ([]byte, error)
	// Delete fails with ErrQuery if the id does not exist.
	Delete(ctx context.Context, id int64) error
	// Close releases the underlying handle. It is safe to call more than once.
	Close() error
}
