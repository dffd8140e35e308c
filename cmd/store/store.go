package store

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.miragespace.co/kvstore/kv/aof"
	"go.miragespace.co/kvstore/store"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "store",
		Usage: "read and write values in a local store",
		Description: `Keys and values are UTF-8 strings. Each key is hashed to a 64-bit row identifier, so two distinct keys may
	share a row; use the "id" subcommand to see which identifier a key maps to.

	Unless --dir is given, stores live under the per-user configuration directory.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config yaml file. Flags given explicitly take precedence",
			},
			&cli.StringFlag{
				Name:     "name",
				Value:    "default",
				Usage:    "store name; the backing file is <dir>/<name>.sqlite",
				Category: "Store Options",
			},
			&cli.StringFlag{
				Name:        "dir",
				DefaultText: "per-user configuration directory",
				Usage:       "directory holding the store files",
				Category:    "Store Options",
			},
			&cli.StringFlag{
				Name:     "backend",
				Value:    string(store.BackendSQLite),
				Usage:    "storage backend: sqlite, gorm, aof or memory",
				Category: "Store Options",
			},
			&cli.StringFlag{
				Name:     "mode",
				Value:    store.ModeDirect.String(),
				Usage:    "concurrency mode: direct or serialized",
				Category: "Store Options",
			},
			&cli.StringFlag{
				Name:     "hash",
				Value:    "xxh3",
				Usage:    "key hash function: xxh3 or blake3. A store must always be opened with the same one",
				Category: "Store Options",
			},
			&cli.DurationFlag{
				Name:     "flush-interval",
				Value:    time.Second * 3,
				Usage:    "how often the aof backend flushes its journal",
				Category: "Store Options",
			},
			&cli.StringFlag{
				Name:     "cache-dir",
				Usage:    "directory for the SQLite runtime compilation cache",
				Category: "Runtime Options",
			},
			&cli.BoolFlag{
				Name:     "stats",
				Usage:    "print operation counts after the command completes",
				Category: "Runtime Options",
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:      "put",
				ArgsUsage: "KEY VALUE",
				Usage:     "insert a value, replacing any existing one",
				Action:    withStore(2, cmdPut),
			},
			{
				Name:      "update",
				ArgsUsage: "KEY VALUE",
				Usage:     "replace the value of an existing key",
				Action:    withStore(2, cmdUpdate),
			},
			{
				Name:      "get",
				ArgsUsage: "KEY",
				Usage:     "print the value of a key",
				Action:    withStore(1, cmdGet),
			},
			{
				Name:      "delete",
				ArgsUsage: "KEY",
				Usage:     "remove a key",
				Action:    withStore(1, cmdDelete),
			},
			{
				Name:      "id",
				ArgsUsage: "KEY...",
				Usage:     "show the row identifier of each key",
				Action:    withStore(-1, cmdID),
			},
			{
				Name:      "bench",
				ArgsUsage: " ",
				Usage:     "measure operation latencies with generated keys",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "count",
						Value: 1000,
						Usage: "number of distinct keys to generate",
					},
					&cli.StringFlag{
						Name:  "value-size",
						Value: "1KiB",
						Usage: "size of each value, e.g. 512B or 4KiB",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Value: 4,
						Usage: "number of operations in flight",
					},
					&cli.IntFlag{
						Name:  "words",
						Value: 4,
						Usage: "diceware words per generated key",
					},
				},
				Action: withStore(0, cmdBench),
			},
			{
				Name:      "journal",
				ArgsUsage: " ",
				Usage:     "list the mutations recorded by the aof backend",
				Action:    cmdJournal,
			},
		},
	}
}

type storeAction func(ctx *cli.Context, s *store.Manager[string]) error

// withStore opens the store around action. nargs is the exact number of
// positional arguments required, or -1 for at least one.
func withStore(nargs int, action storeAction) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		switch {
		case nargs < 0 && ctx.NArg() == 0:
			return fmt.Errorf("expected at least one argument")
		case nargs >= 0 && ctx.NArg() != nargs:
			return fmt.Errorf("expected %d argument(s), got %d", nargs, ctx.NArg())
		}

		reg := prometheus.NewRegistry()
		s, err := openStore(ctx, reg)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := action(ctx, s); err != nil {
			return err
		}

		if ctx.Bool("stats") {
			return printStats(ctx, reg)
		}
		return nil
	}
}

func cmdPut(ctx *cli.Context, s *store.Manager[string]) error {
	return s.Insert(ctx.Context, ctx.Args().Get(0), []byte(ctx.Args().Get(1)))
}

func cmdUpdate(ctx *cli.Context, s *store.Manager[string]) error {
	return s.Update(ctx.Context, ctx.Args().Get(0), []byte(ctx.Args().Get(1)))
}

func cmdGet(ctx *cli.Context, s *store.Manager[string]) error {
	v, err := s.Get(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, string(v))
	return nil
}

func cmdDelete(ctx *cli.Context, s *store.Manager[string]) error {
	return s.Delete(ctx.Context, ctx.Args().Get(0))
}

func cmdID(ctx *cli.Context, s *store.Manager[string]) error {
	idTable := table.NewWriter()
	idTable.SetOutputMirror(ctx.App.Writer)
	idTable.AppendHeader(table.Row{"Key", "Id", "Stored"})

	for _, key := range ctx.Args().Slice() {
		id, err := s.Identify(key)
		if err != nil {
			return err
		}
		_, ok := s.Value(ctx.Context, key)
		idTable.AppendRow(table.Row{key, id, ok})
	}

	idTable.SetStyle(table.StyleDefault)
	idTable.Render()
	return nil
}

func cmdJournal(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Dir == "" {
		cfg.Dir, err = store.DocumentDir()
		if err != nil {
			return err
		}
	}

	journalTable := table.NewWriter()
	journalTable.SetOutputMirror(ctx.App.Writer)
	journalTable.AppendHeader(table.Row{"Index", "Mutation", "Id", "Bytes"})

	err = aof.Inspect(filepath.Join(cfg.Dir, cfg.Name+".wal"), func(r aof.Record) error {
		journalTable.AppendRow(table.Row{r.Index, r.Op, r.ID, r.Size})
		return nil
	})
	if err != nil {
		return err
	}

	journalTable.SetStyle(table.StyleDefault)
	journalTable.Render()
	return nil
}

func printStats(ctx *cli.Context, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}

	statsTable := table.NewWriter()
	statsTable.SetOutputMirror(ctx.App.Writer)
	statsTable.AppendHeader(table.Row{"Operation", "Result", "Count"})

	for _, family := range families {
		if family.GetName() != "kvstore_operations_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			var op, result string
			for _, label := range m.GetLabel() {
				switch label.GetName() {
				case "op":
					op = label.GetValue()
				case "result":
					result = label.GetValue()
				}
			}
			statsTable.AppendRow(table.Row{op, result, strconv.FormatFloat(m.GetCounter().GetValue(), 'f', -1, 64)})
		}
	}

	statsTable.SetStyle(table.StyleDefault)
	statsTable.Render()
	return nil
}
