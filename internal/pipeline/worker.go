package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"stemd/internal/fileutil"
	"stemd/internal/logging"
	"stemd/internal/queue"
	"stemd/internal/services"
	"stemd/internal/services/separator"
)

// Stage weights. Overall progress is the band start plus the stage's own
// fraction scaled by the band span, clamped so reported progress never
// regresses.
const (
	uploadBandStart   = 0.0
	uploadBandSpan    = 0.10
	remoteBandStart   = 0.10
	remoteBandSpan    = 0.80
	downloadBandStart = 0.90
	downloadBandSpan  = 0.08
	assembleBandStart = 0.98
	assembleBandSpan  = 0.02
)

var errCancelled = errors.New("job cancelled")

// jobWorker drives a single job through the four stages. It owns the job row
// while running; nothing else mutates it.
type jobWorker struct {
	pipeline *Pipeline
	job      *queue.Job
	handle   *Handle
	logger   *slog.Logger

	lastFraction float64
	artifacts    map[string]string
	staged       map[string]string
}

func (w *jobWorker) run(ctx context.Context) {
	stages := []struct {
		name   string
		status queue.Status
		label  string
		fn     func(context.Context) error
	}{
		{name: "upload", status: queue.StatusUploading, label: "Uploading", fn: w.runUpload},
		{name: "process", status: queue.StatusProcessing, label: "Processing", fn: w.runRemote},
		{name: "download", status: queue.StatusDownloading, label: "Downloading", fn: w.runDownload},
		{name: "assemble", status: queue.StatusAssembling, label: "Assembling", fn: w.runAssemble},
	}

	for _, stage := range stages {
		if w.cancelled(ctx) {
			w.finishCancelled(ctx)
			return
		}

		w.enterStage(ctx, stage.status, stage.label)
		err := stage.fn(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, errCancelled) || w.cancelled(ctx) {
			w.finishCancelled(ctx)
			return
		}
		w.finishFailed(ctx, stage.name, err)
		return
	}

	w.finishCompleted(ctx)
}

func (w *jobWorker) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (w *jobWorker) enterStage(ctx context.Context, status queue.Status, label string) {
	w.job.Status = status
	w.job.ProgressStage = label
	if err := w.pipeline.store.Update(ctx, w.job); err != nil {
		w.logger.Warn("failed to persist stage transition",
			logging.String(logging.FieldStage, label),
			logging.Error(err),
		)
	}
	w.publish(Event{JobID: w.job.ID, Type: EventStatusChanged, Message: label})
	w.logger.Info("stage started", logging.String(logging.FieldStage, label))
}

// emitProgress maps a stage-local fraction into the overall band and clamps it
// against the last reported value so progress is monotonic.
func (w *jobWorker) emitProgress(ctx context.Context, bandStart, bandSpan, stageFraction float64, message string) {
	if stageFraction < 0 {
		stageFraction = 0
	}
	if stageFraction > 1 {
		stageFraction = 1
	}
	fraction := bandStart + stageFraction*bandSpan
	if fraction < w.lastFraction {
		fraction = w.lastFraction
	}
	if fraction > 1 {
		fraction = 1
	}
	w.lastFraction = fraction

	w.job.SetProgress(w.job.ProgressStage, message, fraction*100)
	if err := w.pipeline.store.UpdateProgress(ctx, w.job); err != nil {
		w.logger.Warn("failed to persist progress", logging.Error(err))
	}
	w.publish(Event{JobID: w.job.ID, Type: EventProgress, Fraction: fraction, Message: message})
}

func (w *jobWorker) emitLog(message string) {
	w.publish(Event{JobID: w.job.ID, Type: EventLog, Message: message})
}

func (w *jobWorker) publish(event Event) {
	if w.pipeline.sink != nil {
		w.pipeline.sink.Publish(event)
	}
}

func (w *jobWorker) runUpload(ctx context.Context) error {
	w.emitProgress(ctx, uploadBandStart, uploadBandSpan, 0, "Uploading source mix")

	if _, err := os.Stat(w.job.SourcePath); err != nil {
		return services.Wrap(services.ErrUpload, "upload", "stat source", "source file is not readable", err)
	}

	ref, err := w.pipeline.client.Upload(ctx, w.job.SourcePath)
	if err != nil {
		if w.cancelled(ctx) {
			return errCancelled
		}
		return services.Wrap(services.ErrUpload, "upload", "transfer", "failed to upload source mix", err)
	}

	w.job.RemoteRef = ref
	if err := w.pipeline.store.Update(ctx, w.job); err != nil {
		w.logger.Warn("failed to persist remote reference", logging.Error(err))
	}

	w.emitProgress(ctx, uploadBandStart, uploadBandSpan, 1, "Upload complete")
	return nil
}

func (w *jobWorker) runRemote(ctx context.Context) error {
	started := time.Now()
	queuedLogged := false

	for {
		if w.cancelled(ctx) {
			return errCancelled
		}
		if w.pipeline.pollTimeout > 0 && time.Since(started) > w.pipeline.pollTimeout {
			return services.Wrap(services.ErrRemote, "process", "poll",
				fmt.Sprintf("separation did not finish within %s", w.pipeline.pollTimeout), nil)
		}

		status, err := w.pipeline.client.Poll(ctx, w.job.RemoteRef)
		if err != nil {
			if w.cancelled(ctx) {
				return errCancelled
			}
			return services.Wrap(services.ErrRemote, "process", "poll", "separation service unreachable", err)
		}

		switch status.State {
		case separator.StateQueued:
			if !queuedLogged {
				w.emitLog("Waiting for separation slot")
				queuedLogged = true
			}
		case separator.StateRunning:
			w.emitProgress(ctx, remoteBandStart, remoteBandSpan, status.Progress, "Separating stems")
		case separator.StateDone:
			w.artifacts = status.Artifacts
			w.emitProgress(ctx, remoteBandStart, remoteBandSpan, 1, "Separation complete")
			return nil
		case separator.StateError:
			message := status.Message
			if message == "" {
				message = "separation failed remotely"
			}
			return services.Wrap(services.ErrRemote, "process", "separate", message, nil)
		}

		select {
		case <-ctx.Done():
			return errCancelled
		case <-time.After(w.pipeline.pollInterval):
		}
	}
}

func (w *jobWorker) runDownload(ctx context.Context) error {
	stems := w.job.Options.Requested()
	for _, stem := range stems {
		if _, ok := w.artifacts[stem]; !ok {
			return services.Wrap(services.ErrArtifactMissing, "download", "locate",
				fmt.Sprintf("service produced no %s stem", stem), nil)
		}
	}

	stagingDir := filepath.Join(w.pipeline.cfg.Paths.StagingDir, w.job.UUID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return services.Wrap(services.ErrDownload, "download", "prepare", "failed to create staging directory", err)
	}

	w.staged = make(map[string]string, len(stems))
	dests := make(map[string]string, len(stems))
	for _, stem := range stems {
		dests[stem] = filepath.Join(stagingDir, stem+".wav")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.pipeline.cfg.Separator.DownloadConcurrency)

	progress := make(chan string, len(stems))
	for _, stem := range stems {
		stem := stem
		group.Go(func() error {
			if err := w.pipeline.client.Download(groupCtx, w.artifacts[stem], dests[stem]); err != nil {
				return fmt.Errorf("%s: %w", stem, err)
			}
			progress <- stem
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() {
		err := group.Wait()
		close(progress)
		waitErr <- err
	}()

	// Progress is reported from this goroutine only; the workers just signal
	// which stem finished.
	completed := 0
	for stem := range progress {
		w.staged[stem] = dests[stem]
		completed++
		w.emitProgress(ctx, downloadBandStart, downloadBandSpan,
			float64(completed)/float64(len(stems)),
			fmt.Sprintf("Downloaded %s stem", stem))
	}
	if err := <-waitErr; err != nil {
		if w.cancelled(ctx) {
			return errCancelled
		}
		return services.Wrap(services.ErrDownload, "download", "transfer", "failed to download stems", err)
	}
	return nil
}

func (w *jobWorker) runAssemble(ctx context.Context) error {
	base := strings.TrimSuffix(filepath.Base(w.job.SourcePath), filepath.Ext(w.job.SourcePath))
	destDir := filepath.Join(w.job.OutputDir, base)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return services.Wrap(services.ErrArtifactMissing, "assemble", "prepare", "failed to create output directory", err)
	}

	stems := w.job.Options.Requested()
	result := make(map[string]string, len(stems))
	for i, stem := range stems {
		staged := w.staged[stem]
		info, err := os.Stat(staged)
		if err != nil || info.Size() == 0 {
			return services.Wrap(services.ErrArtifactMissing, "assemble", "verify",
				fmt.Sprintf("%s stem is missing or empty after download", stem), err)
		}

		dest := filepath.Join(destDir, stem+".wav")
		if err := fileutil.MoveFile(staged, dest); err != nil {
			return services.Wrap(services.ErrArtifactMissing, "assemble", "move",
				fmt.Sprintf("failed to place %s stem", stem), err)
		}
		result[stem] = dest
		w.emitProgress(ctx, assembleBandStart, assembleBandSpan,
			float64(i+1)/float64(len(stems)),
			fmt.Sprintf("Placed %s stem", stem))
	}

	// Best effort; leftover staging dirs are harmless.
	_ = os.RemoveAll(filepath.Join(w.pipeline.cfg.Paths.StagingDir, w.job.UUID))

	w.job.Result = result
	return nil
}

func (w *jobWorker) finishCompleted(ctx context.Context) {
	// A cancel that arrives after the last stage boundary loses the race; the
	// job still completes. Persist with a fresh context so a cancelled ctx
	// cannot drop the final row update.
	persistCtx := context.Background()
	w.job.Status = queue.StatusCompleted
	w.job.ErrorMessage = ""
	w.job.SetProgress("Completed", "Separation complete", 100)
	if err := w.pipeline.store.Update(persistCtx, w.job); err != nil {
		w.logger.Warn("failed to persist completion", logging.Error(err))
	}

	w.emitProgress(persistCtx, assembleBandStart, assembleBandSpan, 1, "Separation complete")
	w.publish(Event{JobID: w.job.ID, Type: EventCompleted, Result: copyResult(w.job.Result)})
	w.logger.Info("job completed",
		logging.String(logging.FieldEventType, "job_completed"),
		logging.Int("stems", len(w.job.Result)),
	)

	w.pipeline.hooks.invoke(context.Background(), w.logger, w.handle.category, w.job)
}

func (w *jobWorker) finishFailed(ctx context.Context, stage string, err error) {
	message := services.UserMessage(err)
	w.job.SetFailed(message)
	if updateErr := w.pipeline.store.Update(context.Background(), w.job); updateErr != nil {
		w.logger.Warn("failed to persist failure", logging.Error(updateErr))
	}

	// Best effort staging cleanup for partially downloaded stems.
	_ = os.RemoveAll(filepath.Join(w.pipeline.cfg.Paths.StagingDir, w.job.UUID))

	w.publish(Event{JobID: w.job.ID, Type: EventFailed, Message: message})
	w.logger.Error("job failed",
		logging.String(logging.FieldStage, stage),
		logging.Error(err),
		logging.String(logging.FieldEventType, "job_failed"),
		logging.String(logging.FieldImpact, "separation output will not be produced"),
	)
}

func (w *jobWorker) finishCancelled(ctx context.Context) {
	w.job.SetCancelled()
	if err := w.pipeline.store.Update(context.Background(), w.job); err != nil {
		w.logger.Warn("failed to persist cancellation", logging.Error(err))
	}

	// Best effort staging cleanup for partially downloaded stems.
	_ = os.RemoveAll(filepath.Join(w.pipeline.cfg.Paths.StagingDir, w.job.UUID))

	w.publish(Event{JobID: w.job.ID, Type: EventCancelled})
	w.logger.Info("job cancelled", logging.String(logging.FieldEventType, "job_cancelled"))
}

func copyResult(result map[string]string) map[string]string {
	cp := make(map[string]string, len(result))
	for stem, location := range result {
		cp[stem] = location
	}
	return cp
}
