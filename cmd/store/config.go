package store

import (
	"fmt"
	"os"
	"time"

	"go.miragespace.co/kvstore/kv/sqlite3"
	"go.miragespace.co/kvstore/spec/kvstore"
	"go.miragespace.co/kvstore/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileConfig is the optional on-disk form of the store flags. Flags given
// on the command line take precedence.
type fileConfig struct {
	Name          string        `yaml:"name,omitempty"`
	Dir           string        `yaml:"dir,omitempty"`
	Backend       string        `yaml:"backend,omitempty"`
	Mode          string        `yaml:"mode,omitempty"`
	Hash          string        `yaml:"hash,omitempty"`
	FlushInterval time.Duration `yaml:"flushInterval,omitempty"`
	CacheDir      string        `yaml:"cacheDir,omitempty"`
}

func readConfigFile(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file for reading: %w", err)
	}
	defer f.Close()

	cfg := &fileConfig{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func resolveConfig(ctx *cli.Context) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = readConfigFile(path)
		if err != nil {
			return nil, err
		}
	}

	override := func(flag string, dst *string) {
		if ctx.IsSet(flag) || *dst == "" {
			*dst = ctx.String(flag)
		}
	}
	override("name", &cfg.Name)
	override("dir", &cfg.Dir)
	override("backend", &cfg.Backend)
	override("mode", &cfg.Mode)
	override("hash", &cfg.Hash)
	override("cache-dir", &cfg.CacheDir)
	if ctx.IsSet("flush-interval") || cfg.FlushInterval == 0 {
		cfg.FlushInterval = ctx.Duration("flush-interval")
	}

	return cfg, nil
}

func openStore(ctx *cli.Context, reg prometheus.Registerer) (*store.Manager[string], error) {
	logger := ctx.App.Metadata["logger"].(*zap.Logger)

	cfg, err := resolveConfig(ctx)
	if err != nil {
		return nil, err
	}

	mode, err := store.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	hashFn, err := kvstore.HashByName(cfg.Hash)
	if err != nil {
		return nil, err
	}

	if cfg.CacheDir != "" {
		if err := sqlite3.Initialize(cfg.CacheDir); err != nil {
			return nil, fmt.Errorf("error initializing sqlite runtime: %w", err)
		}
		logger.Debug("SQLite compilation cache enabled", zap.String("dir", cfg.CacheDir))
	}

	return store.Open[string](store.Config{
		Logger:        logger,
		Name:          cfg.Name,
		Dir:           cfg.Dir,
		Backend:       store.Backend(cfg.Backend),
		Mode:          mode,
		HashFn:        hashFn,
		Registerer:    reg,
		FlushInterval: cfg.FlushInterval,
	})
}
