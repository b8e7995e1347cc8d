package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stemd/internal/config"
	"stemd/internal/daemon"
	"stemd/internal/dispatch"
	"stemd/internal/ipc"
	"stemd/internal/logging"
	"stemd/internal/pipeline"
	"stemd/internal/queue"
	"stemd/internal/services/separator"
	"stemd/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	daemon     *daemon.Daemon
	server     *ipc.Server
	socketPath string
	configPath string
}

// fakeSeparator reports submitted jobs as done on the first poll.
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

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	fake := httptest.NewServer(fakeSeparator())
	t.Cleanup(fake.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithSeparatorURL(fake.URL))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	configPath := filepath.Join(testsupport.BaseDir(cfg), "stemd.toml")
	writeTestConfig(t, configPath, cfg)

	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()

	dispatcher := dispatch.New(cfg, logger)
	sink := daemon.NewEventSink(dispatcher, cfg, logger)
	p := pipeline.New(cfg, store, separator.NewClient(cfg.Separator.BaseURL), sink, logger)

	d, err := daemon.New(cfg, store, p, dispatcher, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}

	srv, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		cancel()
		d.Stop()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Stop()
	})

	return &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		server:     srv,
		socketPath: cfg.Paths.SocketPath,
		configPath: configPath,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\nstaging_dir = %q\noutput_dir = %q\nlog_dir = %q\nsocket_path = %q\n\n[separator]\nbase_url = %q\n",
		cfg.Paths.StagingDir,
		cfg.Paths.OutputDir,
		cfg.Paths.LogDir,
		cfg.Paths.SocketPath,
		cfg.Separator.BaseURL,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
