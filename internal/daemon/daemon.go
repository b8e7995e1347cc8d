package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"stemd/internal/config"
	"stemd/internal/dispatch"
	"stemd/internal/logging"
	"stemd/internal/notifications"
	"stemd/internal/pipeline"
	"stemd/internal/preflight"
	"stemd/internal/queue"
)

// StatsComponentID is the dispatcher component that receives periodic queue
// statistics on the deferred path.
const StatsComponentID = "queue/stats"

var supportedSourceExtensions = map[string]struct{}{
	".wav":  {},
	".flac": {},
	".mp3":  {},
	".aiff": {},
	".m4a":  {},
}

// Daemon coordinates the pipeline, dispatcher, and queue store, and enforces
// single-instance execution via a lock file.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	pipeline   *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	notifier   notifications.Service
	logPath    string

	lockPath string
	lock     *flock.Flock

	statsInterval time.Duration

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	QueueDBPath  string
	LockFilePath string
	SocketPath   string
	QueueStats   queue.HealthSummary
	ActiveJobs   []int64
	Preflight    []preflight.Result
}

// New constructs a daemon with initialized dependencies. The pipeline's
// completion hook is registered here so finished jobs trigger notifications.
func New(cfg *config.Config, store *queue.Store, p *pipeline.Pipeline, dispatcher *dispatch.Dispatcher, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || p == nil || dispatcher == nil {
		return nil, errors.New("daemon requires config, store, pipeline, and dispatcher")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "stemd.lock")
	d := &Daemon{
		cfg:           cfg,
		logger:        logging.NewComponentLogger(logger, "daemon"),
		store:         store,
		pipeline:      p,
		dispatcher:    dispatcher,
		notifier:      notifications.NewService(cfg),
		logPath:       filepath.Join(cfg.Paths.LogDir, "stemd.log"),
		lockPath:      lockPath,
		lock:          flock.New(lockPath),
		statsInterval: 5 * time.Second,
	}

	p.Hooks().Register(pipeline.DefaultCategory, d.onJobCompleted)
	return d, nil
}

func (d *Daemon) onJobCompleted(ctx context.Context, jobID int64, result map[string]string, job *queue.Job) {
	stems := make([]string, 0, len(result))
	for stem := range result {
		stems = append(stems, stem)
	}
	if err := d.notifier.NotifyJobCompleted(ctx, filepath.Base(job.SourcePath), stems); err != nil {
		d.logger.Warn("completion notification failed",
			logging.Int64(logging.FieldJobID, jobID),
			logging.Error(err),
		)
	}
}

// Start acquires the daemon lock, fails over orphaned jobs, and launches the
// dispatcher consumer and the stats broadcaster.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another stemd daemon instance is already running")
	}

	// Workers do not survive restarts; anything still in flight is orphaned.
	if failed, err := d.store.FailStuckProcessing(ctx, queue.DaemonStopReason); err != nil {
		d.logger.Warn("failed to mark orphaned jobs", logging.Error(err))
	} else if failed > 0 {
		d.logger.Info("orphaned jobs marked failed", logging.Int64("count", failed))
	}

	for _, result := range preflight.RunAll(ctx, d.cfg) {
		if result.Passed {
			d.logger.Debug("preflight check passed", logging.String("check", result.Name), logging.String("detail", result.Detail))
			continue
		}
		d.logger.Warn("preflight check failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldImpact, "jobs may fail until this is resolved"),
		)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	// Default stats subscriber; an interactive observer may replace it.
	d.dispatcher.Register(StatsComponentID, d.onQueueStats)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatcher.Run(d.ctx)
	}()

	d.wg.Add(1)
	go d.broadcastStats()

	d.running.Store(true)
	d.logger.Info("stemd daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) onQueueStats(value any) {
	summary, ok := value.(queue.HealthSummary)
	if !ok {
		return
	}
	d.logger.Debug("queue stats",
		logging.Int("total", summary.Total),
		logging.Int("pending", summary.Pending),
		logging.Int("processing", summary.Processing),
	)
}

// broadcastStats periodically publishes queue counts on the deferred path so
// observers stay current without flooding the consumer.
func (d *Daemon) broadcastStats() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			summary, err := d.store.Health(d.ctx)
			if err != nil {
				continue
			}
			d.dispatcher.DispatchDeferred(StatsComponentID, summary)
		}
	}
}

// Stop cancels running jobs, stops background goroutines, and releases the
// daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.pipeline.Shutdown()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("stemd daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Submit validates the source file and hands the job to the pipeline.
func (d *Daemon) Submit(ctx context.Context, sourcePath, outputDir string, options queue.StemOptions) (*queue.Job, error) {
	if !d.running.Load() {
		return nil, errors.New("daemon is not running")
	}

	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return nil, errors.New("source path is required")
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source path %q is a directory", absPath)
	}
	ext := strings.ToLower(filepath.Ext(info.Name()))
	if _, ok := supportedSourceExtensions[ext]; !ok {
		return nil, fmt.Errorf("unsupported file extension %q", ext)
	}
	if options.Empty() {
		options = queue.DefaultStemOptions()
	}

	handle, err := d.pipeline.Submit(ctx, pipeline.SubmitRequest{
		SourcePath: absPath,
		OutputDir:  outputDir,
		Options:    options,
	})
	if err != nil {
		return nil, err
	}

	job, err := d.store.GetByID(ctx, handle.JobID)
	if err != nil {
		return nil, err
	}
	d.logger.Info("job submitted", logging.Int64(logging.FieldJobID, handle.JobID), logging.String("source", absPath))
	return job, nil
}

// CancelJob requests cancellation of a running job.
func (d *Daemon) CancelJob(ctx context.Context, id int64) error {
	if d.pipeline.Cancel(id) {
		return nil
	}
	job, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", id)
	}
	if job.IsTerminal() {
		return fmt.Errorf("job %d already finished (%s)", id, job.Status)
	}
	// Pending but not yet picked up by a worker; mark it directly.
	job.SetCancelled()
	return d.store.Update(ctx, job)
}

// ListJobs returns jobs filtered by optional statuses.
func (d *Daemon) ListJobs(ctx context.Context, statuses []queue.Status) ([]*queue.Job, error) {
	if len(statuses) == 0 {
		return d.store.List(ctx)
	}
	return d.store.List(ctx, statuses...)
}

// GetJob fetches a single job by id.
func (d *Daemon) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	return d.store.GetByID(ctx, id)
}

// ClearQueue removes all jobs.
func (d *Daemon) ClearQueue(ctx context.Context) (int64, error) {
	return d.store.Clear(ctx)
}

// ClearCompleted removes completed jobs.
func (d *Daemon) ClearCompleted(ctx context.Context) (int64, error) {
	return d.store.ClearCompleted(ctx)
}

// ClearFailed removes failed jobs.
func (d *Daemon) ClearFailed(ctx context.Context) (int64, error) {
	return d.store.ClearFailed(ctx)
}

// QueueHealth returns aggregate queue diagnostics.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.store.Health(ctx)
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	summary, err := d.store.Health(ctx)
	if err != nil {
		d.logger.Warn("queue health unavailable", logging.Error(err))
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		SocketPath:   d.cfg.Paths.SocketPath,
		QueueStats:   summary,
		ActiveJobs:   d.pipeline.Active(),
		Preflight:    preflight.RunAll(ctx, d.cfg),
	}
}
