package replication

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexusreplica/replapplier/config"
	"github.com/nexusreplica/replapplier/metrics"
)

// ClientFactory builds the ReplicaClient one worker should use for a given
// target's configuration. Each target owns its client session exclusively
// (§5 Scheduling), so a fresh client is built per target rather than shared.
type ClientFactory func(config.TargetConfig) ReplicaClient

// Supervisor implements §4.6's Worker Supervisor: it spawns one worker per
// configured target and tracks how many are still running.
type Supervisor struct {
	cfg           *config.Config
	clientFactory ClientFactory
	logger        *slog.Logger

	shutdown      atomic.Bool
	activeWorkers atomic.Int32

	group *errgroup.Group
}

// NewSupervisor builds a Supervisor for cfg's targets. clientFactory
// constructs the ReplicaClient for each target (typically a
// *TCPReplicaClient dialing that target's replica_address, or a test
// double).
func NewSupervisor(cfg *config.Config, clientFactory ClientFactory, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, clientFactory: clientFactory, logger: logger}
}

// Start spawns one goroutine per configured target. It returns immediately;
// callers that want to block until every worker exits should call Wait (or
// pass wait=true to ReplServer).
func (s *Supervisor) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	for _, tc := range s.cfg.Targets {
		tc := tc
		tgt, err := NewTarget(tc, s.logger)
		if err != nil {
			return err
		}

		s.activeWorkers.Add(1)
		group.Go(func() error {
			defer s.activeWorkers.Add(-1)
			s.runWorker(ctx, tgt)
			return nil
		})
	}
	return nil
}

// runWorker implements the per-target loop of §4.6's pseudocode: run a
// pass, then either loop immediately (CONTINUE), or disconnect and sleep
// idle/error backoff (SUSPEND/ERROR), until the shutdown flag is observed.
func (s *Supervisor) runWorker(ctx context.Context, tgt *Target) {
	driver := NewDriver(s.clientFactory(tgt.Config), s.cfg.LockTimeout())
	mtr := metrics.NewTargetMetrics()

	for !s.shutdown.Load() {
		result, err := driver.RunPass(ctx, tgt, mtr)
		mtr.RecordPass(result)

		var backoff time.Duration
		switch result {
		case PassContinue:
			continue
		case PassSuspend:
			// Disconnect so the next pass re-enters the first-segment
			// handshake and re-derives its starting point from the control
			// file instead of assuming steady-state continuation.
			tgt.connected = false
			backoff = tgt.Config.IdleTimeout()
		case PassError:
			tgt.connected = false
			tgt.logger.Error("replay pass failed", "err", err)
			backoff = tgt.Config.ErrorTimeout()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if s.shutdown.Load() {
			return
		}
	}
}

// Shutdown sets the cooperative shutdown flag; workers observe it at their
// next loop boundary or when their current backoff sleep ends. It does not
// cut a sleep short; only cancelling the context passed to Start does.
func (s *Supervisor) Shutdown() {
	s.shutdown.Store(true)
}

// ActiveWorkers returns the current count of running worker goroutines.
func (s *Supervisor) ActiveWorkers() int32 {
	return s.activeWorkers.Load()
}

// Wait blocks until every worker goroutine has exited.
func (s *Supervisor) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// ReplServer is the top-level entry point (§6 "Entry point"): it starts a
// Supervisor for cfg and, if wait is true, blocks until every worker exits
// or ctx is cancelled.
func ReplServer(ctx context.Context, cfg *config.Config, clientFactory ClientFactory, logger *slog.Logger, wait bool) (*Supervisor, error) {
	sup := NewSupervisor(cfg, clientFactory, logger)
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	if wait {
		return sup, sup.Wait()
	}
	return sup, nil
}
