// Command replapplier runs the replication log applier server: it watches
// each configured target's source directory for change-log segments and
// replays them against that target's replica.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexusreplica/replapplier/config"
	"github.com/nexusreplica/replapplier/internal/debugserver"
	"github.com/nexusreplica/replapplier/internal/obs"
	"github.com/nexusreplica/replapplier/replication"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger, logCloser, err := obs.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to create logger", "err", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	_, tracerCleanup, err := obs.NewTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to initialize tracer provider", "err", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	var dbg *debugserver.Server
	if cfg.Debug.Enabled {
		dbg = debugserver.New(cfg.Debug, logger)
		go func() {
			if err := dbg.Start(); err != nil {
				logger.Error("debug server exited", "err", err)
			}
		}()
	}

	if len(cfg.Targets) == 0 {
		logger.Warn("no replication targets configured, exiting")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientFactory := func(tc config.TargetConfig) replication.ReplicaClient {
		return replication.NewTCPReplicaClient(tc.ReplicaAddress)
	}

	sup, err := replication.ReplServer(ctx, cfg, clientFactory, logger, false)
	if err != nil {
		logger.Error("failed to start replication server", "err", err)
		os.Exit(1)
	}

	logger.Info("replication log applier server started", "targets", len(cfg.Targets))

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping workers")
	sup.Shutdown()
	_ = sup.Wait()

	if dbg != nil {
		dbg.Stop()
	}
	logger.Info("replication log applier server stopped")
}
