package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemd/internal/config"
	"stemd/internal/logging"
)

func testConfig(intervalMS, batchSize int) *config.Config {
	cfg := config.Default()
	cfg.Dispatcher.FlushIntervalMS = intervalMS
	cfg.Dispatcher.FlushBatchSize = batchSize
	return &cfg
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestImmediateDeliveredOnConsumerGoroutine(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())

	var inHandler atomic.Int32
	var overlapped atomic.Bool
	received := make(chan any, 16)
	d.Register("progress", func(value any) {
		if inHandler.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inHandler.Add(-1)
		received <- value
	})

	startDispatcher(t, d)
	d.DispatchImmediate("progress", 0.5)

	select {
	case value := <-received:
		assert.Equal(t, 0.5, value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for immediate update")
	}
	assert.False(t, overlapped.Load(), "handler must never run re-entrantly")
}

func TestImmediateOrderAcrossConcurrentProducers(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())

	const producers = 4
	const perProducer = 50

	type update struct {
		producer int
		seq      int
	}

	var mu sync.Mutex
	var got []update
	var inHandler atomic.Int32
	var overlapped atomic.Bool
	d.Register("progress", func(value any) {
		if inHandler.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inHandler.Add(-1)
		mu.Lock()
		got = append(got, value.(update))
		mu.Unlock()
	})

	startDispatcher(t, d)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				d.DispatchImmediate("progress", update{producer: p, seq: i})
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == producers*perProducer
	}, 5*time.Second, 5*time.Millisecond)

	assert.False(t, overlapped.Load(), "handler must never run concurrently")

	// Queue insertion order is preserved, so each producer's subsequence
	// must arrive in its own emission order.
	mu.Lock()
	defer mu.Unlock()
	next := make([]int, producers)
	for _, u := range got {
		require.Equal(t, next[u.producer], u.seq, "per-producer order violated")
		next[u.producer]++
	}
}

func TestDeferredFlushBatchesRespectCap(t *testing.T) {
	d := New(testConfig(1000, 10), logging.NewNop())

	var got []int
	d.Register("meter", func(value any) {
		got = append(got, value.(int))
	})

	for i := 0; i < 25; i++ {
		d.DispatchDeferred("meter", i)
	}

	// Drive the flush ticks directly so batch boundaries are deterministic.
	d.flushDeferred()
	require.Len(t, got, 10)
	d.flushDeferred()
	require.Len(t, got, 20)
	d.flushDeferred()
	require.Len(t, got, 25)
	d.flushDeferred()
	require.Len(t, got, 25)

	for i, v := range got {
		assert.Equal(t, i, v, "FIFO order must hold within and across batches")
	}
}

func TestDeferredDrainedByTicker(t *testing.T) {
	d := New(testConfig(5, 10), logging.NewNop())

	var mu sync.Mutex
	var got []int
	d.Register("meter", func(value any) {
		mu.Lock()
		got = append(got, value.(int))
		mu.Unlock()
	})

	startDispatcher(t, d)
	for i := 0; i < 25; i++ {
		d.DispatchDeferred("meter", i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 25
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())

	var oldCount, newCount atomic.Int64
	done := make(chan struct{}, 8)
	d.Register("status", func(any) { oldCount.Add(1); done <- struct{}{} })

	startDispatcher(t, d)
	d.DispatchImmediate("status", "first")
	<-done

	d.Register("status", func(any) { newCount.Add(1); done <- struct{}{} })
	d.DispatchImmediate("status", "second")
	d.DispatchImmediate("status", "third")
	<-done
	<-done

	assert.Equal(t, int64(1), oldCount.Load(), "replaced handler must stop firing")
	assert.Equal(t, int64(2), newCount.Load())
}

func TestUnregisterRemovesHandler(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())

	var removed atomic.Int64
	received := make(chan any, 4)
	d.Register("transient", func(any) { removed.Add(1) })
	d.Register("stable", func(value any) { received <- value })

	startDispatcher(t, d)
	d.DispatchImmediate("transient", "first")

	require.Eventually(t, func() bool { return removed.Load() == 1 }, 2*time.Second, time.Millisecond)

	d.Unregister("transient")
	d.DispatchImmediate("transient", "dropped")
	d.DispatchImmediate("stable", "kept")

	select {
	case value := <-received:
		assert.Equal(t, "kept", value)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stalled after unregistered update")
	}
	assert.Equal(t, int64(1), removed.Load(), "unregistered handler must stop firing")
}

func TestMissingHandlerDoesNotStallDispatcher(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())

	received := make(chan any, 1)
	d.Register("known", func(value any) { received <- value })

	startDispatcher(t, d)
	d.DispatchImmediate("unknown", "dropped")
	d.DispatchImmediate("known", "kept")

	select {
	case value := <-received:
		assert.Equal(t, "kept", value)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stalled after missing-handler update")
	}
}

func TestHandlerPanicContained(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())

	received := make(chan any, 2)
	d.Register("faulty", func(any) { panic("boom") })
	d.Register("healthy", func(value any) { received <- value })

	startDispatcher(t, d)
	d.DispatchImmediate("faulty", "explodes")
	d.DispatchImmediate("healthy", "survives")

	select {
	case value := <-received:
		assert.Equal(t, "survives", value)
	case <-time.After(2 * time.Second):
		t.Fatal("handler fault stalled subsequent updates")
	}
}

func TestRegisterFromWithinHandler(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())

	received := make(chan any, 2)
	d.Register("first", func(any) {
		d.Register("second", func(value any) { received <- value })
		received <- "registered"
	})

	startDispatcher(t, d)
	d.DispatchImmediate("first", nil)
	require.Equal(t, "registered", <-received)

	d.DispatchImmediate("second", "hello")
	select {
	case value := <-received:
		assert.Equal(t, "hello", value)
	case <-time.After(2 * time.Second):
		t.Fatal("handler registered from handler never fired")
	}
}

func TestRunRejectsSecondConsumer(t *testing.T) {
	d := New(testConfig(10, 10), logging.NewNop())
	startDispatcher(t, d)

	// Give the first consumer a moment to claim the running flag.
	require.Eventually(t, func() bool { return d.running.Load() }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Run call should return immediately")
	}
}
