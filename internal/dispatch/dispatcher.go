package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stemd/internal/config"
	"stemd/internal/logging"
)

const (
	defaultFlushInterval  = 50 * time.Millisecond
	defaultFlushBatchSize = 10
)

// Handler consumes updates for a single component. Handlers always run on the
// dispatcher's consumer goroutine and must be fast and non-blocking.
type Handler func(value any)

type pendingUpdate struct {
	componentID string
	value       any
}

// Dispatcher decouples concurrent producers from a single consumption context.
// Producers enqueue updates from any goroutine; registered handlers are only
// ever invoked by the goroutine running Run. Immediate updates are delivered
// at the next opportunity; deferred updates are batched and flushed on a fixed
// tick with a per-tick cap so a flooding producer cannot starve the consumer.
type Dispatcher struct {
	logger         *slog.Logger
	flushInterval  time.Duration
	flushBatchSize int

	regMu    sync.RWMutex
	handlers map[string]Handler

	mu        sync.Mutex
	immediate []pendingUpdate
	deferred  []pendingUpdate
	wake      chan struct{}

	running atomic.Bool
}

// New constructs a dispatcher. A nil config selects the default flush interval
// (50ms) and per-tick batch cap (10).
func New(cfg *config.Config, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:         logging.NewComponentLogger(logger, "dispatch"),
		flushInterval:  defaultFlushInterval,
		flushBatchSize: defaultFlushBatchSize,
		handlers:       make(map[string]Handler),
		wake:           make(chan struct{}, 1),
	}
	if cfg != nil {
		if cfg.Dispatcher.FlushIntervalMS > 0 {
			d.flushInterval = time.Duration(cfg.Dispatcher.FlushIntervalMS) * time.Millisecond
		}
		if cfg.Dispatcher.FlushBatchSize > 0 {
			d.flushBatchSize = cfg.Dispatcher.FlushBatchSize
		}
	}
	return d
}

// Register installs or replaces the handler for a component id. Safe to call
// from any goroutine, including from within a handler.
func (d *Dispatcher) Register(componentID string, handler Handler) {
	if componentID == "" || handler == nil {
		return
	}
	d.regMu.Lock()
	d.handlers[componentID] = handler
	d.regMu.Unlock()
}

// Unregister removes the handler for a component id. Subsequent updates for
// the component are dropped with a warn log. Safe to call from any goroutine,
// including from within a handler.
func (d *Dispatcher) Unregister(componentID string) {
	d.regMu.Lock()
	delete(d.handlers, componentID)
	d.regMu.Unlock()
}

// DispatchImmediate enqueues an update for delivery at the consumer's next
// opportunity. Never blocks and never invokes the handler on the caller.
func (d *Dispatcher) DispatchImmediate(componentID string, value any) {
	d.mu.Lock()
	d.immediate = append(d.immediate, pendingUpdate{componentID: componentID, value: value})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// DispatchDeferred enqueues an update on the batched queue, drained on the
// flush tick at most flushBatchSize entries at a time. FIFO order is preserved
// across ticks.
func (d *Dispatcher) DispatchDeferred(componentID string, value any) {
	d.mu.Lock()
	d.deferred = append(d.deferred, pendingUpdate{componentID: componentID, value: value})
	d.mu.Unlock()
}

// Run is the consumption context. It blocks until ctx is done, delivering
// immediate updates as they arrive and flushing the deferred queue on each
// tick. Exactly one Run may be active per dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Warn("dispatcher consumer already running",
			logging.String(logging.FieldEventType, "dispatch_duplicate_consumer"),
			logging.String(logging.FieldErrorHint, "call Run exactly once per dispatcher"),
		)
		return
	}
	defer d.running.Store(false)

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.drainImmediate()
		case <-ticker.C:
			d.drainImmediate()
			d.flushDeferred()
		}
	}
}

func (d *Dispatcher) drainImmediate() {
	for {
		d.mu.Lock()
		if len(d.immediate) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.immediate
		d.immediate = nil
		d.mu.Unlock()

		for _, update := range batch {
			d.deliver(update)
		}
	}
}

func (d *Dispatcher) flushDeferred() {
	d.mu.Lock()
	count := len(d.deferred)
	if count == 0 {
		d.mu.Unlock()
		return
	}
	if count > d.flushBatchSize {
		count = d.flushBatchSize
	}
	batch := make([]pendingUpdate, count)
	copy(batch, d.deferred[:count])
	remaining := copy(d.deferred, d.deferred[count:])
	d.deferred = d.deferred[:remaining]
	d.mu.Unlock()

	for _, update := range batch {
		d.deliver(update)
	}
}

func (d *Dispatcher) deliver(update pendingUpdate) {
	d.regMu.RLock()
	handler, ok := d.handlers[update.componentID]
	d.regMu.RUnlock()

	if !ok {
		d.logger.Warn("no handler registered for component; update dropped",
			logging.String("component_id", update.componentID),
			logging.String(logging.FieldEventType, "dispatch_missing_handler"),
			logging.String(logging.FieldErrorHint, "register a handler before dispatching to this component"),
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked; continuing with next update",
				logging.String("component_id", update.componentID),
				logging.Any("panic", r),
				logging.String(logging.FieldEventType, "dispatch_handler_fault"),
				logging.String(logging.FieldErrorHint, "fix the registered handler for this component"),
			)
		}
	}()
	handler(update.value)
}
