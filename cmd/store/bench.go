package store

import (
	"fmt"

	"go.miragespace.co/kvstore/bench"
	"go.miragespace.co/kvstore/store"

	"github.com/alecthomas/units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func cmdBench(ctx *cli.Context, s *store.Manager[string]) error {
	logger := ctx.App.Metadata["logger"].(*zap.Logger)

	size, err := units.ParseBase2Bytes(ctx.String("value-size"))
	if err != nil {
		return fmt.Errorf("invalid value size: %w", err)
	}

	res, err := bench.Run(ctx.Context, bench.Config{
		Logger:      logger,
		Count:       ctx.Int("count"),
		ValueSize:   int(size),
		Concurrency: ctx.Int("concurrency"),
		Words:       ctx.Int("words"),
	}, s)
	if err != nil {
		return err
	}

	benchTable := table.NewWriter()
	benchTable.SetOutputMirror(ctx.App.Writer)
	benchTable.SetTitle(fmt.Sprintf("%d keys, %s values, %d collisions, %v", res.Keys, units.Base2Bytes(size), res.Collisions, res.Elapsed))
	benchTable.AppendHeader(table.Row{"Operation", "Samples", "Min", "Avg", "P50", "P99", "Max", "Failed"})

	for _, op := range bench.Ops {
		st := res.Latency[op]
		if st == nil {
			continue
		}
		failed := 0
		for _, n := range res.Failures[op] {
			failed += n
		}
		benchTable.AppendRow(table.Row{op, st.Samples, st.Min, st.Average, st.P50, st.P99, st.Max, failed})
	}

	benchTable.SetStyle(table.StyleDefault)
	benchTable.Render()
	return nil
}
