package sqlite3

import (
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/vfs"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

var (
	initializeOnce sync.Once
	lastError      error
)

func compilerSupported() bool {
	switch runtime.GOOS {
	case "linux", "android",
		"windows", "darwin",
		"freebsd", "netbsd", "dragonfly",
		"solaris", "illumos":
		break
	default:
		return false
	}
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasSSE41
	case "arm64":
		return true
	default:
		return false
	}
}

// Initialize configures the wasm runtime backing SQLite with an on-disk
// compilation cache. It is optional; without it the runtime is compiled on
// first use. Only the first call has any effect.
func Initialize(cacheDir string) error {
	initializeOnce.Do(func() {
		cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			lastError = err
			return
		}
		var cfg wazero.RuntimeConfig
		if compilerSupported() {
			cfg = wazero.NewRuntimeConfigCompiler()
		} else {
			cfg = wazero.NewRuntimeConfigInterpreter()
		}
		cfg = cfg.WithMemoryLimitPages(512) // 32MB
		cfg = cfg.WithCompilationCache(cache)
		sqlite3.RuntimeConfig = cfg

		lastError = sqlite3.Initialize()
	})
	return lastError
}

var pragmas = []string{
	"_pragma=journal_mode(WAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=synchronous(1)",
}

// DSN builds the connection URI used by every sqlite backed engine. The path
// is made absolute and percent-encoded, so '#', '?' and '%' in a file name
// stay part of the name. params are appended after the shared pragmas.
func DSN(path string, params ...string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("error resolving database path: %w", err)
	}
	abs = filepath.ToSlash(abs)
	if !strings.HasPrefix(abs, "/") {
		// volume name, e.g. C:/data
		abs = "/" + abs
	}
	u := url.URL{
		Scheme:   "file",
		Path:     abs,
		RawQuery: strings.Join(append(slices.Clone(pragmas), params...), "&"),
	}
	return u.String(), nil
}

func openConn(logger *zap.Logger, path string) (*sqlite3.Conn, error) {
	logger.Info("SQLite via wazero",
		zap.Bool("compiler", compilerSupported()),
		zap.Bool("lock", vfs.SupportsFileLocking),
		zap.Bool("shm", vfs.SupportsSharedMemory),
	)

	dsn, err := DSN(path)
	if err != nil {
		return nil, err
	}
	return sqlite3.OpenFlags(dsn, sqlite3.OPEN_READWRITE|sqlite3.OPEN_CREATE|sqlite3.OPEN_URI)
}
