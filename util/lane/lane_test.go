package lane

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testGetLane(t *testing.T) *Lane {
	t.Helper()

	l := New(zaptest.NewLogger(t))
	go l.Start()
	t.Cleanup(l.Stop)
	return l
}

func TestSerialized(t *testing.T) {
	as := require.New(t)
	l := testGetLane(t)

	var (
		wg      sync.WaitGroup
		running int
		maxSeen int
		total   int
	)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			as.NoError(l.Do(context.Background(), func() error {
				// no lock needed: the lane runs one fn at a time
				running++
				if running > maxSeen {
					maxSeen = running
				}
				total++
				running--
				return nil
			}))
		}()
	}
	wg.Wait()

	as.Equal(1, maxSeen)
	as.Equal(100, total)
}

func TestOrderFromOneCaller(t *testing.T) {
	as := require.New(t)
	l := testGetLane(t)

	order := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		as.NoError(l.Do(context.Background(), func() error {
			order = append(order, i)
			return nil
		}))
	}
	as.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestErrorPropagates(t *testing.T) {
	as := require.New(t)
	l := testGetLane(t)

	boom := errors.New("boom")
	as.ErrorIs(l.Do(context.Background(), func() error {
		return boom
	}), boom)
}

func TestStopped(t *testing.T) {
	as := require.New(t)

	l := New(zaptest.NewLogger(t))
	go l.Start()
	l.Stop()
	l.Stop()

	ran := false
	err := l.Do(context.Background(), func() error {
		ran = true
		return nil
	})
	as.ErrorIs(err, kvstore.ErrClosed)
	as.False(ran)
}

func TestCancelledBeforeAccept(t *testing.T) {
	as := require.New(t)

	// never started, so nothing can accept the request
	l := New(zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := l.Do(ctx, func() error {
		ran = true
		return nil
	})
	as.ErrorIs(err, context.Canceled)
	as.False(ran)
}
