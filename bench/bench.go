// Package bench drives a store with generated keys and reports per
// operation latencies.
package bench

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.miragespace.co/kvstore/spec/kvstore"
	"go.miragespace.co/kvstore/util"

	"github.com/sethvargo/go-diceware/diceware"
	"github.com/zhangyunhao116/skipset"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Target is the subset of store.Manager exercised by Run.
type Target interface {
	Identify(key string) (int64, error)
	Insert(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Ops are run in this order, each over every generated key.
var Ops = []string{"insert", "get", "update", "delete"}

type Config struct {
	Logger      *zap.Logger
	Count       int
	ValueSize   int
	Concurrency int
	// Words is the number of diceware words joined to form one key.
	Words int
}

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if c.Count < 1 {
		return fmt.Errorf("non-positive Count is invalid")
	}
	if c.ValueSize < 0 {
		return fmt.Errorf("negative ValueSize is invalid")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("non-positive Concurrency is invalid")
	}
	if c.Words < 1 {
		return fmt.Errorf("non-positive Words is invalid")
	}
	return nil
}

type Result struct {
	Keys int
	// Collisions counts generated keys whose identifier was already taken
	// by another generated key.
	Collisions int
	// Failures counts failed operations by op and failure kind.
	Failures map[string]map[string]int
	Latency  map[string]*Statistics
	Elapsed  time.Duration
}

func generateKeys(count, words int) ([]string, error) {
	generator, err := diceware.NewGenerator(nil)
	if err != nil {
		return nil, err
	}
	seen := skipset.NewString()
	keys := make([]string, 0, count)
	for attempts := 0; len(keys) < count; attempts++ {
		if attempts > count*4 {
			return nil, fmt.Errorf("could not generate %d distinct keys", count)
		}
		list, err := generator.Generate(words)
		if err != nil {
			return nil, err
		}
		key := strings.Join(list, "-")
		if seen.Add(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Run generates cfg.Count distinct keys and runs each of Ops over all of
// them against target. Operation failures are counted, not returned.
func Run(ctx context.Context, cfg Config, target Target) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	keys, err := generateKeys(cfg.Count, cfg.Words)
	if err != nil {
		return nil, err
	}

	ids := skipset.NewInt64()
	res := &Result{
		Keys:     len(keys),
		Failures: make(map[string]map[string]int),
		Latency:  make(map[string]*Statistics),
	}
	for _, key := range keys {
		id, err := target.Identify(key)
		if err != nil {
			return nil, err
		}
		if !ids.Add(id) {
			res.Collisions++
		}
	}
	if res.Collisions > 0 {
		cfg.Logger.Warn("Generated keys share row identifiers", zap.Int("collisions", res.Collisions))
	}

	buffers := util.NewBufferPool(cfg.ValueSize)
	latencies := NewLatencies(len(keys))

	var mu sync.Mutex
	fail := func(op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if res.Failures[op] == nil {
			res.Failures[op] = make(map[string]int)
		}
		res.Failures[op][kvstore.KindName(err)]++
	}

	exec := func(op, key string, i int) error {
		switch op {
		case "insert", "update":
			buf := buffers.Get()
			defer buffers.Put(buf)
			for j := range buf {
				buf[j] = byte(i + j)
			}
			if op == "insert" {
				return target.Insert(ctx, key, buf)
			}
			return target.Update(ctx, key, buf)
		case "get":
			_, err := target.Get(ctx, key)
			return err
		case "delete":
			return target.Delete(ctx, key)
		default:
			return fmt.Errorf("unknown op: %s", op)
		}
	}

	start := time.Now()
	for _, op := range Ops {
		op := op
		var g errgroup.Group
		g.SetLimit(cfg.Concurrency)
		for i, key := range keys {
			i, key := i, key
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				opStart := time.Now()
				err := exec(op, key, i)
				latencies.Record(op, time.Since(opStart))
				if err != nil {
					fail(op, err)
				}
				return nil
			})
		}
		g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Latency[op] = latencies.Snapshot(op)
		cfg.Logger.Debug("Benchmark phase completed", zap.String("op", op), zap.Stringer("latency", res.Latency[op]))
	}
	res.Elapsed = time.Since(start)

	return res, nil
}
