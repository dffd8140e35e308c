package kv

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.miragespace.co/kvstore/kv/aof"
	"go.miragespace.co/kvstore/kv/memory"
	"go.miragespace.co/kvstore/kv/orm"
	"go.miragespace.co/kvstore/kv/sqlite3"
	"go.miragespace.co/kvstore/spec/kvstore"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var benchErr error

func benchLogger(b *testing.B) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.OutputPaths = []string{"/dev/null"}
	logger, err := config.Build()
	if err != nil {
		b.Fatalf("setting up logger: %v", err)
	}
	return logger
}

func benchDir(b *testing.B) string {
	dir, err := os.MkdirTemp("", "kvbench")
	if err != nil {
		b.Fatalf("creating temporary storage: %v", err)
	}
	b.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

type engineFactory func(b *testing.B) kvstore.Engine

var engines = map[string]engineFactory{
	"sqlite": func(b *testing.B) kvstore.Engine {
		e, err := sqlite3.Open(sqlite3.Config{
			Logger: benchLogger(b),
			Path:   filepath.Join(benchDir(b), "bench.sqlite"),
		})
		if err != nil {
			b.Fatalf("initializing engine: %v", err)
		}
		return e
	},
	"gorm": func(b *testing.B) kvstore.Engine {
		e, err := orm.Open(orm.Config{
			Logger: benchLogger(b),
			Path:   filepath.Join(benchDir(b), "bench.sqlite"),
		})
		if err != nil {
			b.Fatalf("initializing engine: %v", err)
		}
		return e
	},
	"aof": func(b *testing.B) kvstore.Engine {
		e, err := aof.Open(aof.Config{
			Logger:        benchLogger(b),
			Path:          filepath.Join(benchDir(b), "bench.wal"),
			FlushInterval: time.Second,
		})
		if err != nil {
			b.Fatalf("initializing engine: %v", err)
		}
		return e
	},
	"memory": func(b *testing.B) kvstore.Engine {
		return memory.New()
	},
}

func prepare(b *testing.B, factory engineFactory) kvstore.Engine {
	e := factory(b)
	b.Cleanup(func() {
		e.Close()
	})
	if err := e.CreateTable(context.Background()); err != nil {
		b.Fatalf("creating table: %v", err)
	}
	return e
}

func BenchmarkInsert(b *testing.B) {
	for name, factory := range engines {
		b.Run(name, func(b *testing.B) {
			e := prepare(b, factory)

			id := make([]byte, 8)
			value := make([]byte, 256)

			c := context.Background()
			b.ResetTimer()

			var err error
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				rand.Read(id)
				rand.Read(value)
				b.StartTimer()
				err = e.Insert(c, kvstore.Row{
					ID:   int64(binary.BigEndian.Uint64(id)),
					Data: value,
				})
			}
			benchErr = err
		})
	}
}

func BenchmarkGet(b *testing.B) {
	for name, factory := range engines {
		b.Run(name, func(b *testing.B) {
			e := prepare(b, factory)

			c := context.Background()
			value := make([]byte, 256)
			rand.Read(value)
			for i := int64(0); i < 1024; i++ {
				if err := e.Insert(c, kvstore.Row{ID: i, Data: value}); err != nil {
					b.Fatalf("seeding: %v", err)
				}
			}
			b.ResetTimer()

			var err error
			for i := 0; i < b.N; i++ {
				_, err = e.Get(c, int64(i%1024))
			}
			benchErr = err
		})
	}
}
