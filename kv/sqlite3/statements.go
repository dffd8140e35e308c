package sqlite3

import (
	"context"
	"fmt"

	"go.miragespace.co/kvstore/spec/kvstore"
)

const (
	beginRead  = "BEGIN"
	beginWrite = "BEGIN IMMEDIATE"
)

func (e *Engine) RowExists(ctx context.Context, id int64) (bool, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	return e.rowExists(id)
}

func (e *Engine) rowExists(id int64) (bool, error) {
	stmt, err := e.prepare(rowExistsSQL)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	if err := stmt.BindInt64(1, id); err != nil {
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

func (e *Engine) Insert(ctx context.Context, row kvstore.Row) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return e.transaction(beginWrite, func() error {
		exists, err := e.rowExists(row.ID)
		if err != nil {
			return err
		}
		if exists {
			return e.update(row)
		}

		stmt, err := e.prepare(insertSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		if err := stmt.BindInt64(1, row.ID); err != nil {
			return kvstore.BindError(err)
		}
		if err := stmt.BindBlob(2, blob(row.Data)); err != nil {
			return kvstore.BindError(err)
		}
		return execute(stmt)
	})
}

func (e *Engine) Update(ctx context.Context, row kvstore.Row) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return e.transaction(beginWrite, func() error {
		exists, err := e.rowExists(row.ID)
		if err != nil {
			return err
		}
		if !exists {
			return kvstore.QueryError("tried to update %d, but it doesn't exist", row.ID)
		}
		return e.update(row)
	})
}

// update assumes the row exists.
func (e *Engine) update(row kvstore.Row) error {
	stmt, err := e.prepare(updateSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := stmt.BindBlob(1, blob(row.Data)); err != nil {
		return kvstore.BindError(err)
	}
	if err := stmt.BindInt64(2, row.ID); err != nil {
		return kvstore.BindError(err)
	}
	return execute(stmt)
}

func (e *Engine) Get(ctx context.Context, id int64) ([]byte, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var data []byte
	err = e.transaction(beginRead, func() error {
		exists, err := e.rowExists(id)
		if err != nil {
			return err
		}
		if !exists {
			return kvstore.QueryError("tried to fetch %d, but it doesn't exist", id)
		}

		stmt, err := e.prepare(getSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		if err := stmt.BindInt64(1, id); err != nil {
			return kvstore.BindError(err)
		}
		if !stmt.Step() {
			if err := stmt.Err(); err != nil {
				return kvstore.StepError(err)
			}
			return kvstore.StepError(fmt.Errorf("could not get data for %d", id))
		}
		// ColumnBlob copies into a fresh buffer, the statement memory is not retained
		data = stmt.ColumnBlob(0, nil)
		if data == nil {
			data = []byte{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Engine) Delete(ctx context.Context, id int64) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return e.transaction(beginWrite, func() error {
		exists, err := e.rowExists(id)
		if err != nil {
			return err
		}
		if !exists {
			return kvstore.QueryError("tried to delete %d, but it doesn't exist", id)
		}

		stmt, err := e.prepare(deleteSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		if err := stmt.BindInt64(1, id); err != nil {
			return kvstore.BindError(err)
		}
		return execute(stmt)
	})
}

// errata: binding a nil slice stores NULL instead of an empty blob
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
