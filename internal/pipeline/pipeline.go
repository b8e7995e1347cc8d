package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stemd/internal/config"
	"stemd/internal/logging"
	"stemd/internal/queue"
	"stemd/internal/services"
	"stemd/internal/services/separator"
)

// Pipeline runs separation jobs end to end: upload the source mix, poll the
// remote service, download the stems, and assemble them into the output
// directory. Each accepted job runs on its own worker goroutine and reports
// through the configured EventSink.
type Pipeline struct {
	cfg    *config.Config
	store  *queue.Store
	client *separator.Client
	sink   EventSink
	hooks  *HookRegistry
	logger *slog.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu      sync.Mutex
	workers map[int64]*Handle
	wg      sync.WaitGroup
	closed  bool
}

// SubmitRequest describes a separation job to run.
type SubmitRequest struct {
	SourcePath string
	// OutputDir overrides the configured output directory when set.
	OutputDir string
	Options   queue.StemOptions
	// Category selects the completion hook; empty means DefaultCategory.
	Category string
}

// Handle identifies an accepted job and allows waiting for or cancelling it.
type Handle struct {
	JobID int64
	UUID  string

	category string
	cancel   context.CancelFunc
	done     chan struct{}
}

// ComponentID returns the dispatcher component id this job's events target.
func (h *Handle) ComponentID() string {
	return ComponentID(h.JobID)
}

// Done is closed after the job's terminal event has been emitted.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// New constructs a pipeline. The sink receives every event the workers emit.
func New(cfg *config.Config, store *queue.Store, client *separator.Client, sink EventSink, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		store:        store,
		client:       client,
		sink:         sink,
		hooks:        NewHookRegistry(),
		logger:       logging.NewComponentLogger(logger, "pipeline"),
		pollInterval: time.Duration(cfg.Separator.PollInterval) * time.Second,
		pollTimeout:  time.Duration(cfg.Separator.PollTimeout) * time.Second,
		workers:      make(map[int64]*Handle),
	}
}

// Hooks exposes the completion hook registry.
func (p *Pipeline) Hooks() *HookRegistry {
	return p.hooks
}

// Submit validates the request, persists a pending job, and starts its worker.
// The returned handle is live immediately; events may already be in flight
// when Submit returns.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return nil, services.Wrap(services.ErrValidation, "submit", "validate", "source path is required", nil)
	}
	if req.Options.Empty() {
		return nil, services.Wrap(services.ErrValidation, "submit", "validate", "at least one stem must be requested", nil)
	}

	outputDir := strings.TrimSpace(req.OutputDir)
	if outputDir == "" {
		outputDir = p.cfg.Paths.OutputDir
	}

	sourcePath, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "submit", "resolve source", "source path could not be resolved", err)
	}

	job, err := p.store.NewJob(ctx, sourcePath, outputDir, req.Options)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "submit", "persist", "queue insert failed", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	handle := &Handle{
		JobID:    job.ID,
		UUID:     job.UUID,
		category: req.Category,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, services.Wrap(services.ErrValidation, "submit", "accept", "pipeline is shutting down", nil)
	}
	p.workers[job.ID] = handle
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Info("job accepted",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("source", job.SourcePath),
		logging.String("stems", strings.Join(job.Options.Requested(), ",")),
	)

	go p.runJob(jobCtx, handle, job)
	return handle, nil
}

// Cancel requests cooperative cancellation of a running job. Returns false
// when the job is unknown or already finished. The terminal Cancelled event is
// emitted by the worker, not here.
func (p *Pipeline) Cancel(jobID int64) bool {
	p.mu.Lock()
	handle, ok := p.workers[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancel()
	p.logger.Info("job cancellation requested", logging.Int64(logging.FieldJobID, jobID))
	return true
}

// Active returns the ids of jobs whose workers are still running.
func (p *Pipeline) Active() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every running worker and waits for their terminal events.
// Further submissions are rejected.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	p.closed = true
	handles := make([]*Handle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) runJob(ctx context.Context, handle *Handle, job *queue.Job) {
	defer p.wg.Done()
	defer close(handle.done)
	defer func() {
		p.mu.Lock()
		delete(p.workers, job.ID)
		p.mu.Unlock()
	}()
	defer handle.cancel()

	w := &jobWorker{
		pipeline: p,
		job:      job,
		handle:   handle,
		logger:   p.logger.With(slog.Int64(logging.FieldJobID, job.ID)),
	}
	w.run(services.WithJobID(ctx, job.ID))
}
