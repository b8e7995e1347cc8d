package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"stemd/internal/config"
	"stemd/internal/dispatch"
	"stemd/internal/logging"
	"stemd/internal/notifications"
	"stemd/internal/pipeline"
)

// EventSink bridges pipeline events onto the dispatcher's immediate path so
// per-job ordering is preserved end to end. Failed jobs additionally trigger a
// push notification.
//
// The sink installs a default subscriber for each job's component before its
// first event is enqueued, so jobs without an interactive observer log their
// events at debug instead of tripping the dispatcher's missing-handler warn. A
// presentation layer that registers its own handler for the component simply
// replaces the default (last write wins).
type EventSink struct {
	dispatcher *dispatch.Dispatcher
	notifier   notifications.Service
	logger     *slog.Logger

	mu         sync.Mutex
	subscribed map[int64]struct{}
}

// NewEventSink constructs the sink the pipeline publishes through.
func NewEventSink(dispatcher *dispatch.Dispatcher, cfg *config.Config, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &EventSink{
		dispatcher: dispatcher,
		notifier:   notifications.NewService(cfg),
		logger:     logging.NewComponentLogger(logger, "daemon"),
		subscribed: make(map[int64]struct{}),
	}
}

// Publish forwards the event to the job's dispatcher component.
func (s *EventSink) Publish(event pipeline.Event) {
	s.ensureSubscriber(event.JobID)
	s.dispatcher.DispatchImmediate(pipeline.ComponentID(event.JobID), event)

	if event.Type != pipeline.EventFailed {
		return
	}
	// Notification delivery must not slow down the worker.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.notifier.NotifyJobFailed(ctx, fmt.Sprintf("job %d", event.JobID), event.Message); err != nil {
			s.logger.Warn("failure notification failed",
				logging.Int64(logging.FieldJobID, event.JobID),
				logging.Error(err),
			)
		}
	}()
}

// ensureSubscriber registers the default debug-logging handler for a job's
// component the first time an event for it is published. Registration happens
// before the event is enqueued, so the default handler is always in place when
// the consumer delivers it.
func (s *EventSink) ensureSubscriber(jobID int64) {
	s.mu.Lock()
	if _, ok := s.subscribed[jobID]; ok {
		s.mu.Unlock()
		return
	}
	s.subscribed[jobID] = struct{}{}
	s.mu.Unlock()

	componentID := pipeline.ComponentID(jobID)
	s.dispatcher.Register(componentID, func(value any) {
		event, ok := value.(pipeline.Event)
		if !ok {
			return
		}
		s.logger.Debug("job event",
			logging.Int64(logging.FieldJobID, event.JobID),
			logging.String(logging.FieldEventType, string(event.Type)),
			logging.Float64("fraction", event.Fraction),
		)
		if event.Terminal() {
			s.dispatcher.Unregister(componentID)
			s.mu.Lock()
			delete(s.subscribed, jobID)
			s.mu.Unlock()
		}
	})
}
