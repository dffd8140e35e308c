package kvstore

import (
	"fmt"
	"runtime"

	"go.miragespace.co/kvstore/cmd/store"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

var (
	Build = "head"
)

var (
	App = cli.App{
		Name:            "kvstore",
		Usage:           fmt.Sprintf("build for %s on %s", runtime.GOARCH, runtime.GOOS),
		Version:         Build,
		HideHelpCommand: true,
		Description:     "a small embedded key-value store backed by a single SQLite table",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Value: false,
				Usage: "enable verbose logging",
			},
			&cli.StringFlag{
				Name:  "log-filter",
				Usage: `only emit matching log entries, e.g. "warn+:* debug:store"`,
			},
		},
		Commands: []*cli.Command{
			store.Generate(),
		},
		Before: ConfigLogger,
		After: func(ctx *cli.Context) error {
			if logger, ok := ctx.App.Metadata["logger"].(*zap.Logger); ok {
				logger.Sync()
			}
			return nil
		},
	}
)

func ConfigLogger(ctx *cli.Context) error {
	var config zap.Config
	if ctx.Bool("verbose") {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	// Redirect everything to stderr
	config.OutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		return err
	}
	if rules := ctx.String("log-filter"); rules != "" {
		filter, err := zapfilter.ParseRules(rules)
		if err != nil {
			return fmt.Errorf("parsing log filter: %w", err)
		}
		logger = zap.New(zapfilter.NewFilteringCore(logger.Core(), filter))
	}
	_, err = zap.RedirectStdLogAt(logger.With(zap.String("subsystem", "unknown")), zapcore.InfoLevel)
	if err != nil {
		return fmt.Errorf("redirecting stdlog output: %w", err)
	}
	if ctx.App.Metadata == nil {
		ctx.App.Metadata = make(map[string]interface{})
	}
	ctx.App.Metadata["logger"] = logger

	return nil
}
