package store

import (
	"path/filepath"

	"go.miragespace.co/kvstore/kv/aof"
	"go.miragespace.co/kvstore/kv/memory"
	"go.miragespace.co/kvstore/kv/orm"
	"go.miragespace.co/kvstore/kv/sqlite3"
	"go.miragespace.co/kvstore/spec/kvstore"

	"go.uber.org/zap"
)

// openEngine returns the engine selected by cfg.Backend and the path it
// persists to, which is empty for the memory backend.
func openEngine(cfg Config, dir string) (kvstore.Engine, string, error) {
	logger := cfg.Logger.With(zap.String("backend", string(cfg.Backend)))

	switch cfg.Backend {
	case BackendMemory:
		logger.Warn("Using memory as storage backend without persistence")
		return memory.New(), "", nil

	case BackendAOF:
		path := filepath.Join(dir, cfg.Name+".wal")
		e, err := aof.Open(aof.Config{
			Logger:        logger,
			Path:          path,
			FlushInterval: cfg.FlushInterval,
		})
		if err != nil {
			return nil, "", err
		}
		logger.Info("Using Append-only File backed memory storage backend")
		return e, path, nil

	case BackendGorm:
		path := filepath.Join(dir, cfg.Name+".sqlite")
		e, err := orm.Open(orm.Config{
			Logger: logger,
			Path:   path,
		})
		if err != nil {
			return nil, "", err
		}
		logger.Info("Using gorm over SQLite storage backend")
		return e, path, nil

	default:
		path := filepath.Join(dir, cfg.Name+".sqlite")
		e, err := sqlite3.Open(sqlite3.Config{
			Logger: logger,
			Path:   path,
		})
		if err != nil {
			return nil, "", err
		}
		logger.Info("Using SQLite storage backend")
		return e, path, nil
	}
}
