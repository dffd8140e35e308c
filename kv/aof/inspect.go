package aof

import (
	"fmt"
	"os"

	"github.com/tidwall/wal"
)

// Record is one journaled mutation as seen by Inspect.
type Record struct {
	Index uint64
	Op    string
	ID    int64
	Size  int
}

// Inspect walks the journal at path in order without replaying it. The
// journal must not be open by an engine at the same time.
func Inspect(path string, fn func(Record) error) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("error opening log: %w", err)
	}
	l, err := wal.Open(path, &wal.Options{
		LogFormat: wal.Binary,
		NoSync:    true,
	})
	if err != nil {
		return fmt.Errorf("error opening log: %w", err)
	}
	defer l.Close()

	first, err := l.FirstIndex()
	if err != nil {
		return fmt.Errorf("error reading first log index: %w", err)
	}
	last, err := l.LastIndex()
	if err != nil {
		return fmt.Errorf("error reading last log index: %w", err)
	}
	if last == 0 {
		return nil
	}

	mut := &mutation{}
	for i := first; i <= last; i++ {
		buf, err := l.Read(i)
		if err != nil {
			return fmt.Errorf("error reading log at index %d: %w", i, err)
		}
		if err := mut.UnmarshalWire(buf); err != nil {
			return fmt.Errorf("error decoding log at index %d: %w", i, err)
		}
		if err := fn(Record{
			Index: i,
			Op:    mut.Type.String(),
			ID:    mut.ID,
			Size:  len(mut.Data),
		}); err != nil {
			return err
		}
	}
	return nil
}
