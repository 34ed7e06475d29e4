package replication

import (
	"log/slog"
	"sync"

	"github.com/nexusreplica/replapplier/config"
)

// Target is one configured replication target's runtime state: its
// configuration plus the "connected" flag the first-segment handshake
// (§4.4 step 6) reads and resets across passes within one worker's
// lifetime. The control file remains the single source of truth for
// sequence/offset across restarts; Target carries no cursor of its own.
type Target struct {
	Config config.TargetConfig
	GUID   GUID // parsed from Config.SourceGUID; zero means accept-any

	logger *dedupLogger

	connected bool
}

// NewTarget constructs a Target from configuration, parsing its expected
// GUID (if any).
func NewTarget(cfg config.TargetConfig, base *slog.Logger) (*Target, error) {
	var guid GUID
	if cfg.SourceGUID != "" {
		g, err := ParseGUID(cfg.SourceGUID)
		if err != nil {
			return nil, err
		}
		guid = g
	}

	name := cfg.Name
	if name == "" {
		name = cfg.DBName
	}
	return &Target{
		Config: cfg,
		GUID:   guid,
		logger: newDedupLogger(base.With("target", name)),
	}, nil
}

// dedupLogger wraps *slog.Logger so that consecutive identical error
// messages for one target are suppressed (§7: "suppresses duplicate
// consecutive error messages per target"), grounded on Target::logError()'s
// m_lastError comparison in the original source.
type dedupLogger struct {
	mu      sync.Mutex
	base    *slog.Logger
	lastMsg string
}

func newDedupLogger(base *slog.Logger) *dedupLogger {
	return &dedupLogger{base: base}
}

// Error logs msg at error level unless it is identical to the immediately
// preceding error logged through this dedupLogger.
func (d *dedupLogger) Error(msg string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg == d.lastMsg {
		return
	}
	d.lastMsg = msg
	d.base.Error(msg, args...)
}

// ResetErrorDedup clears the remembered last error, used once a pass
// succeeds so a recurring-then-resolved-then-recurring error logs again.
func (d *dedupLogger) ResetErrorDedup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastMsg = ""
}
