package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendGorm   Backend = "gorm"
	BackendAOF    Backend = "aof"
	BackendMemory Backend = "memory"
)

type Mode int

const (
	// ModeDirect runs operations on the calling goroutine, holding a lock
	// for the key's identifier around the whole engine call.
	ModeDirect Mode = iota
	// ModeSerialized runs every operation on a single lane goroutine while
	// the caller waits.
	ModeSerialized
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeSerialized:
		return "serialized"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "direct":
		return ModeDirect, nil
	case "serialized":
		return ModeSerialized, nil
	default:
		return 0, fmt.Errorf("unknown mode: %s", s)
	}
}

const defaultFlushInterval = time.Second * 3

type Config struct {
	Logger *zap.Logger
	// Name is the store name; the backing file is <dir>/<Name>.sqlite.
	Name string
	// Dir overrides DirFn when set.
	Dir string
	// DirFn resolves the directory when Dir is empty. Defaults to DocumentDir.
	DirFn   func() (string, error)
	Backend Backend
	Mode    Mode
	// HashFn reduces encoded keys to row identifiers. Defaults to kvstore.Hash.
	HashFn kvstore.HashFn
	// KeyEncoder turns a key into the bytes given to HashFn. Defaults to EncodeKey.
	KeyEncoder func(key any) ([]byte, error)
	// Registerer receives the store metrics. Nil disables them.
	Registerer prometheus.Registerer
	// FlushInterval applies to the aof backend only.
	FlushInterval time.Duration
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if c.Name == "" {
		return fmt.Errorf("empty Name is invalid")
	}
	if strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == ".." {
		return fmt.Errorf("invalid Name %q: must not contain path elements", c.Name)
	}
	switch c.Backend {
	case "":
		c.Backend = BackendSQLite
	case BackendSQLite, BackendGorm, BackendAOF, BackendMemory:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	switch c.Mode {
	case ModeDirect, ModeSerialized:
	default:
		return fmt.Errorf("unknown mode: %s", c.Mode)
	}
	if c.DirFn == nil {
		c.DirFn = DocumentDir
	}
	if c.HashFn == nil {
		c.HashFn = kvstore.Hash
	}
	if c.KeyEncoder == nil {
		c.KeyEncoder = EncodeKey
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return nil
}

func (c *Config) dir() (string, error) {
	if c.Dir != "" {
		return c.Dir, nil
	}
	dir, err := c.DirFn()
	if err != nil {
		return "", kvstore.OpenError(fmt.Errorf("error resolving store directory: %w", err))
	}
	return dir, nil
}

// DocumentDir returns the per-user application directory stores live in by
// default.
func DocumentDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kvstore"), nil
}
