package bench

import (
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/zhangyunhao116/skipmap"
)

type Statistics struct {
	Samples           int
	Min               time.Duration
	Average           time.Duration
	Max               time.Duration
	StandardDeviation time.Duration
	P50               time.Duration
	P99               time.Duration
}

func (s *Statistics) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("min/avg/max/mdev = %v/%v/%v/%v", s.Min, s.Average, s.Max, s.StandardDeviation)
}

type container struct {
	mu   sync.Mutex
	data []float64
}

// Latencies keeps the most recent samples per operation name.
type Latencies struct {
	measurement *skipmap.StringMap[*container]
	length      int
}

func NewLatencies(max int) *Latencies {
	return &Latencies{
		measurement: skipmap.NewString[*container](),
		length:      max,
	}
}

func (l *Latencies) Record(op string, d time.Duration) {
	if d < 0 {
		return
	}
	c, _ := l.measurement.LoadOrStoreLazy(op, func() *container {
		return &container{
			data: make([]float64, 0),
		}
	})
	c.mu.Lock()
	if len(c.data) >= l.length {
		c.data = c.data[1:]
	}
	c.data = append(c.data, float64(d))
	c.mu.Unlock()
}

func (l *Latencies) Snapshot(op string) *Statistics {
	c, ok := l.measurement.Load(op)
	if !ok {
		return nil
	}
	c.mu.Lock()
	values := append([]float64(nil), c.data...)
	c.mu.Unlock()
	if len(values) < 1 {
		return nil
	}
	return &Statistics{
		Samples:           len(values),
		Min:               duration(stats.Min(values)),
		Average:           duration(stats.Mean(values)),
		Max:               duration(stats.Max(values)),
		StandardDeviation: duration(stats.StandardDeviation(values)),
		P50:               duration(stats.Percentile(values, 50)),
		P99:               duration(stats.Percentile(values, 99)),
	}
}

// duration panics on err; stats only fails on empty input, which Snapshot
// rules out.
func duration(v float64, err error) time.Duration {
	if err != nil {
		panic(err)
	}
	return time.Duration(v)
}
