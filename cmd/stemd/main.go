package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"stemd/internal/config"
	"stemd/internal/daemon"
	"stemd/internal/dispatch"
	"stemd/internal/ipc"
	"stemd/internal/logging"
	"stemd/internal/pipeline"
	"stemd/internal/queue"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		os.Exit(1)
	}

	dispatcher := dispatch.New(cfg, logger)
	sink := daemon.NewEventSink(dispatcher, cfg, logger)
	p := pipeline.New(cfg, store, buildSeparatorClient(cfg), sink, logger)

	d, err := daemon.New(cfg, store, p, dispatcher, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		logger.Error("start IPC server", logging.Error(err))
		os.Exit(1)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("stemd shutting down")
}
