package ipc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stemd/internal/daemon"
	"stemd/internal/dispatch"
	"stemd/internal/ipc"
	"stemd/internal/logging"
	"stemd/internal/pipeline"
	"stemd/internal/queue"
	"stemd/internal/services/separator"
	"stemd/internal/testsupport"
)

// fakeSeparator immediately reports jobs as done with all four stems.
func fakeSeparator() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "remote-1"})
	})
	mux.HandleFunc("/v1/jobs/remote-1", func(w http.ResponseWriter, r *http.Request) {
		artifacts := map[string]string{}
		for _, stem := range []string{"vocals", "drums", "bass", "other"} {
			artifacts[stem] = "/artifacts/" + stem
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": "done", "progress": 1, "artifacts": artifacts,
		})
	})
	mux.HandleFunc("/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "pcm-%s", strings.TrimPrefix(r.URL.Path, "/artifacts/"))
	})
	return mux
}

func TestIPCServerClient(t *testing.T) {
	server := httptest.NewServer(fakeSeparator())
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithSeparatorURL(server.URL))
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()

	dispatcher := dispatch.New(cfg, logger)
	sink := daemon.NewEventSink(dispatcher, cfg, logger)
	p := pipeline.New(cfg, store, separator.NewClient(cfg.Separator.BaseURL), sink, logger)

	d, err := daemon.New(cfg, store, p, dispatcher, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}

	srv, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(cfg.Paths.SocketPath)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected daemon to be running")
	}
	if status.PID != os.Getpid() {
		t.Fatalf("unexpected pid %d", status.PID)
	}

	source := filepath.Join(testsupport.BaseDir(cfg), "mix.wav")
	if err := os.WriteFile(source, []byte("mixdown"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	submitResp, err := client.Submit(source, "", []string{"vocals", "drums"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if submitResp.Job.ID <= 0 {
		t.Fatalf("expected positive job id, got %d", submitResp.Job.ID)
	}
	if len(submitResp.Job.Stems) != 2 {
		t.Fatalf("expected 2 requested stems, got %v", submitResp.Job.Stems)
	}

	if _, err := client.Submit(source, "", []string{"guitar"}); err == nil {
		t.Fatal("expected error for unknown stem name")
	}

	deadline := time.After(15 * time.Second)
	var described *ipc.QueueDescribeResponse
	for {
		described, err = client.QueueDescribe(submitResp.Job.ID)
		if err != nil {
			t.Fatalf("QueueDescribe failed: %v", err)
		}
		if described.Job.Status == string(queue.StatusCompleted) {
			break
		}
		if described.Job.Status == string(queue.StatusFailed) {
			t.Fatalf("job failed: %s", described.Job.ErrorMessage)
		}
		select {
		case <-deadline:
			t.Fatalf("job never completed, last status %s", described.Job.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if len(described.Job.Result) != 2 {
		t.Fatalf("expected 2 result stems, got %v", described.Job.Result)
	}
	if described.Job.ProgressPercent != 100 {
		t.Fatalf("expected 100%% progress, got %v", described.Job.ProgressPercent)
	}

	// Seed a failed row for list and clear coverage.
	failed, err := store.NewJob(ctx, "/music/other.wav", "/out", queue.DefaultStemOptions())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	failed.SetFailed("boom")
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("Update: %v", err)
	}

	listResp, err := client.QueueList(nil)
	if err != nil {
		t.Fatalf("QueueList failed: %v", err)
	}
	if len(listResp.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(listResp.Jobs))
	}

	failedResp, err := client.QueueList([]string{string(queue.StatusFailed)})
	if err != nil {
		t.Fatalf("QueueList filter failed: %v", err)
	}
	if len(failedResp.Jobs) != 1 || failedResp.Jobs[0].ID != failed.ID {
		t.Fatalf("expected failed job %d, got %#v", failed.ID, failedResp.Jobs)
	}

	health, err := client.QueueHealth()
	if err != nil {
		t.Fatalf("QueueHealth failed: %v", err)
	}
	if health.Total != 2 || health.Failed != 1 || health.Completed != 1 {
		t.Fatalf("unexpected health response: %#v", health)
	}

	clearFailedResp, err := client.QueueClearFailed()
	if err != nil {
		t.Fatalf("QueueClearFailed failed: %v", err)
	}
	if clearFailedResp.Removed != 1 {
		t.Fatalf("expected 1 failed job removed, got %d", clearFailedResp.Removed)
	}

	clearCompletedResp, err := client.QueueClearCompleted()
	if err != nil {
		t.Fatalf("QueueClearCompleted failed: %v", err)
	}
	if clearCompletedResp.Removed != 1 {
		t.Fatalf("expected 1 completed job removed, got %d", clearCompletedResp.Removed)
	}

	if _, err := client.Cancel(0); err == nil {
		t.Fatal("expected error for invalid cancel id")
	}

	notifyResp, err := client.TestNotification()
	if err != nil {
		t.Fatalf("TestNotification failed: %v", err)
	}
	if notifyResp.Sent || notifyResp.Message == "" {
		t.Fatalf("expected unsent notification with message, got %#v", notifyResp)
	}

	clearResp, err := client.QueueClear()
	if err != nil {
		t.Fatalf("QueueClear failed: %v", err)
	}
	if clearResp.Removed != 0 {
		t.Fatalf("expected empty queue, got %d removed", clearResp.Removed)
	}
}
