package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemd/internal/config"
	"stemd/internal/logging"
	"stemd/internal/queue"
	"stemd/internal/services/separator"
)

type pollReply struct {
	state    string
	progress float64
	errMsg   string
}

// fakeService scripts the remote separation API. Poll replies are consumed in
// order; the final reply repeats.
type fakeService struct {
	mu        sync.Mutex
	polls     []pollReply
	idx       int
	artifacts []string
	broken    map[string]bool
	uploads   int
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.uploads++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "remote-1"})
	})
	mux.HandleFunc("/v1/jobs/remote-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reply := f.polls[f.idx]
		if f.idx < len(f.polls)-1 {
			f.idx++
		}
		f.mu.Unlock()

		body := map[string]any{"state": reply.state, "progress": reply.progress}
		if reply.errMsg != "" {
			body["error"] = reply.errMsg
		}
		if reply.state == "done" {
			artifacts := make(map[string]string, len(f.artifacts))
			for _, stem := range f.artifacts {
				artifacts[stem] = "/artifacts/" + stem
			}
			body["artifacts"] = artifacts
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		stem := strings.TrimPrefix(r.URL.Path, "/artifacts/")
		if f.broken[stem] {
			http.Error(w, "storage backend unavailable", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "pcm-data-%s", stem)
	})
	return mux
}

type chanSink struct {
	events chan Event
}

func (s *chanSink) Publish(event Event) {
	s.events <- event
}

type testRig struct {
	pipeline *Pipeline
	store    *queue.Store
	events   chan Event
	cfg      *config.Config
	source   string
}

func newTestRig(t *testing.T, service *fakeService) *testRig {
	t.Helper()

	server := httptest.NewServer(service.handler())
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Paths.StagingDir = t.TempDir()
	cfg.Paths.OutputDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Separator.BaseURL = server.URL
	cfg.Separator.DownloadConcurrency = 2

	store, err := queue.OpenPath(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	source := filepath.Join(t.TempDir(), "mix.wav")
	require.NoError(t, os.WriteFile(source, []byte("mixdown"), 0o644))

	sink := &chanSink{events: make(chan Event, 256)}
	p := New(&cfg, store, separator.NewClient(server.URL), sink, logging.NewNop())
	p.pollInterval = 5 * time.Millisecond

	return &testRig{pipeline: p, store: store, events: sink.events, cfg: &cfg, source: source}
}

// collect reads events until the terminal one, then waits a grace period and
// fails if anything follows it.
func (r *testRig) collect(t *testing.T) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event := <-r.events:
			events = append(events, event)
			if event.Terminal() {
				select {
				case extra := <-r.events:
					t.Fatalf("event %q emitted after terminal %q", extra.Type, event.Type)
				case <-time.After(50 * time.Millisecond):
				}
				return events
			}
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(events))
		}
	}
}

func terminalEvents(events []Event) []Event {
	var terminals []Event
	for _, event := range events {
		if event.Terminal() {
			terminals = append(terminals, event)
		}
	}
	return terminals
}

func assertMonotonic(t *testing.T, events []Event) float64 {
	t.Helper()
	last := 0.0
	for _, event := range events {
		if event.Type != EventProgress {
			continue
		}
		require.GreaterOrEqual(t, event.Fraction, last, "progress must never regress")
		require.LessOrEqual(t, event.Fraction, 1.0)
		last = event.Fraction
	}
	return last
}

func TestJobCompletesWithMonotonicProgress(t *testing.T) {
	service := &fakeService{
		polls: []pollReply{
			{state: "queued"},
			{state: "running", progress: 0.25},
			{state: "running", progress: 0.7},
			{state: "done", progress: 1},
		},
		artifacts: []string{"bass", "drums", "other", "vocals"},
	}
	rig := newTestRig(t, service)

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.DefaultStemOptions(),
	})
	require.NoError(t, err)

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1, "exactly one terminal event")
	require.Equal(t, EventCompleted, terminals[0].Type)

	last := assertMonotonic(t, events)
	assert.Equal(t, 1.0, last, "final progress must be exactly 1.0")

	result := terminals[0].Result
	require.Len(t, result, 4)
	for _, stem := range []string{"vocals", "drums", "bass", "other"} {
		path, ok := result[stem]
		require.True(t, ok, "result missing %s", stem)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "pcm-data-"+stem, string(data))
	}

	job, err := rig.store.GetByID(context.Background(), handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.ProgressPercent)

	// Staging directory for the job should be cleaned up.
	_, err = os.Stat(filepath.Join(rig.cfg.Paths.StagingDir, handle.UUID))
	assert.True(t, os.IsNotExist(err))
}

func TestResultKeysMatchRequestedStems(t *testing.T) {
	service := &fakeService{
		polls:     []pollReply{{state: "done", progress: 1}},
		artifacts: []string{"bass", "drums", "other", "vocals"},
	}
	rig := newTestRig(t, service)

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.StemOptions{Vocals: true, Drums: true},
	})
	require.NoError(t, err)

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1)
	require.Equal(t, EventCompleted, terminals[0].Type)

	result := terminals[0].Result
	assert.Len(t, result, 2)
	assert.Contains(t, result, "vocals")
	assert.Contains(t, result, "drums")
	assert.NotContains(t, result, "bass")
	assert.NotContains(t, result, "other")
}

func TestCancelDuringRemoteProcessing(t *testing.T) {
	service := &fakeService{
		polls:     []pollReply{{state: "running", progress: 0.3}},
		artifacts: []string{"vocals"},
	}
	rig := newTestRig(t, service)

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.DefaultStemOptions(),
	})
	require.NoError(t, err)

	// Wait for the job to be mid-processing before cancelling.
	require.Eventually(t, func() bool {
		job, err := rig.store.GetByID(context.Background(), handle.JobID)
		return err == nil && job.Status == queue.StatusProcessing
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, rig.pipeline.Cancel(handle.JobID))

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1, "exactly one terminal event")
	assert.Equal(t, EventCancelled, terminals[0].Type)

	last := assertMonotonic(t, events)
	assert.Less(t, last, 1.0, "cancelled job must not report full progress")

	job, err := rig.store.GetByID(context.Background(), handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, job.Status)
	assert.Empty(t, job.ErrorMessage)
}

func TestCancelUnknownJob(t *testing.T) {
	rig := newTestRig(t, &fakeService{polls: []pollReply{{state: "queued"}}})
	assert.False(t, rig.pipeline.Cancel(9999))
}

func TestRemoteFailureEmitsSingleFailed(t *testing.T) {
	service := &fakeService{
		polls: []pollReply{
			{state: "running", progress: 0.4},
			{state: "error", errMsg: "model crashed on track"},
		},
	}
	rig := newTestRig(t, service)

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.DefaultStemOptions(),
	})
	require.NoError(t, err)

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1, "exactly one terminal event")
	require.Equal(t, EventFailed, terminals[0].Type)
	assert.Contains(t, terminals[0].Message, "model crashed on track")

	// 40% of the remote band on top of a finished upload.
	last := assertMonotonic(t, events)
	assert.InDelta(t, 0.42, last, 0.001)

	job, err := rig.store.GetByID(context.Background(), handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)
}

func TestUploadFailureWhenSourceMissing(t *testing.T) {
	rig := newTestRig(t, &fakeService{polls: []pollReply{{state: "queued"}}})

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: filepath.Join(t.TempDir(), "absent.wav"),
		Options:    queue.DefaultStemOptions(),
	})
	require.NoError(t, err)

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1)
	require.Equal(t, EventFailed, terminals[0].Type)
	assert.NotEmpty(t, terminals[0].Message)
}

func TestMissingArtifactFailsJob(t *testing.T) {
	service := &fakeService{
		polls:     []pollReply{{state: "done", progress: 1}},
		artifacts: []string{"vocals"},
	}
	rig := newTestRig(t, service)

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.StemOptions{Vocals: true, Bass: true},
	})
	require.NoError(t, err)

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1)
	require.Equal(t, EventFailed, terminals[0].Type)
	assert.Contains(t, terminals[0].Message, "bass")
}

func TestDownloadFailureCleansStaging(t *testing.T) {
	service := &fakeService{
		polls:     []pollReply{{state: "done", progress: 1}},
		artifacts: []string{"drums", "vocals"},
		broken:    map[string]bool{"drums": true},
	}
	rig := newTestRig(t, service)

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.StemOptions{Vocals: true, Drums: true},
	})
	require.NoError(t, err)

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1)
	require.Equal(t, EventFailed, terminals[0].Type)

	job, err := rig.store.GetByID(context.Background(), handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)

	// Partially downloaded stems must not accumulate in the staging area.
	_, err = os.Stat(filepath.Join(rig.cfg.Paths.StagingDir, handle.UUID))
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitValidation(t *testing.T) {
	rig := newTestRig(t, &fakeService{polls: []pollReply{{state: "queued"}}})

	_, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		Options: queue.DefaultStemOptions(),
	})
	require.Error(t, err)

	_, err = rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
	})
	require.Error(t, err)
}

func TestCompletionHookInvokedOnce(t *testing.T) {
	service := &fakeService{
		polls:     []pollReply{{state: "done", progress: 1}},
		artifacts: []string{"vocals"},
	}
	rig := newTestRig(t, service)

	var mu sync.Mutex
	var calls int
	var hookResult map[string]string
	rig.pipeline.Hooks().Register(DefaultCategory, func(ctx context.Context, jobID int64, result map[string]string, job *queue.Job) {
		mu.Lock()
		calls++
		hookResult = result
		mu.Unlock()
	})

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.StemOptions{Vocals: true},
	})
	require.NoError(t, err)

	rig.collect(t)
	<-handle.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Contains(t, hookResult, "vocals")
}

func TestPollTimeoutFailsJob(t *testing.T) {
	service := &fakeService{polls: []pollReply{{state: "queued"}}}
	rig := newTestRig(t, service)
	rig.pipeline.pollTimeout = 30 * time.Millisecond

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.DefaultStemOptions(),
	})
	require.NoError(t, err)

	events := rig.collect(t)
	<-handle.Done()

	terminals := terminalEvents(events)
	require.Len(t, terminals, 1)
	require.Equal(t, EventFailed, terminals[0].Type)
	assert.Contains(t, terminals[0].Message, "did not finish")
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	service := &fakeService{polls: []pollReply{{state: "running", progress: 0.1}}}
	rig := newTestRig(t, service)

	handle, err := rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.DefaultStemOptions(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := rig.store.GetByID(context.Background(), handle.JobID)
		return err == nil && job.IsProcessing()
	}, 5*time.Second, 5*time.Millisecond)

	rig.pipeline.Shutdown()
	<-handle.Done()

	job, err := rig.store.GetByID(context.Background(), handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, job.Status)

	_, err = rig.pipeline.Submit(context.Background(), SubmitRequest{
		SourcePath: rig.source,
		Options:    queue.DefaultStemOptions(),
	})
	require.Error(t, err, "submissions after shutdown must be rejected")
}
