package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"callpipe/internal/config"
	"callpipe/internal/disposal"
	"callpipe/internal/export"
	"callpipe/internal/ingest"
	"callpipe/internal/logging"
	"callpipe/internal/pipeline"
	"callpipe/internal/store"
)

// Manager coordinates the background loops of the daemon: source polling,
// claim workers, the stale-claim reaper, export scans, and disposal sweeps.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	logger   *slog.Logger
	gate     *ingest.Gate
	pipeline *pipeline.Pipeline
	tracker  *export.Tracker
	disposer *disposal.Disposer

	pollInterval   time.Duration
	reaperInterval time.Duration
	errorRetry     time.Duration
	lease          time.Duration
	workers        int
	ownerPrefix    string

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastSince time.Time
}

// Deps bundles the subsystems the manager drives.
type Deps struct {
	Gate     *ingest.Gate
	Pipeline *pipeline.Pipeline
	Tracker  *export.Tracker
	Disposer *disposal.Disposer
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, st *store.Store, logger *slog.Logger, deps Deps) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "callpipe"
	}
	workers := cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		cfg:            cfg,
		store:          st,
		logger:         logger,
		gate:           deps.Gate,
		pipeline:       deps.Pipeline,
		tracker:        deps.Tracker,
		disposer:       deps.Disposer,
		pollInterval:   time.Duration(cfg.Workflow.PollInterval) * time.Second,
		reaperInterval: time.Duration(cfg.Workflow.ReaperInterval) * time.Second,
		errorRetry:     time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		lease:          time.Duration(cfg.Pipeline.LeaseSeconds) * time.Second,
		workers:        workers,
		ownerPrefix:    fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		lastSince:      time.Now().Add(-24 * time.Hour),
	}
}

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	loops := 3 + m.workers // ingest, reaper, export+disposal, plus workers
	m.wg.Add(loops)
	m.mu.Unlock()

	go m.runIngestLoop(runCtx)
	go m.runReaperLoop(runCtx)
	go m.runDeliveryLoop(runCtx)
	for i := 0; i < m.workers; i++ {
		owner := fmt.Sprintf("%s-w%d", m.ownerPrefix, i)
		go m.runWorkerLoop(runCtx, owner)
	}

	m.logger.Info("workflow started",
		"workers", m.workers,
		"poll_interval", m.pollInterval,
		"lease", m.lease)
	return nil
}

// Stop terminates background processing and waits for the loops to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("workflow stopped")
}

// LastError returns the most recent loop error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// runIngestLoop polls the source for new recordings. The since cursor only
// advances after a fully successful poll so a failed page is re-listed.
func (m *Manager) runIngestLoop(ctx context.Context) {
	defer m.wg.Done()
	logger := m.logger.With(logging.FieldComponent, "ingest")

	for {
		since := m.sinceCursor()
		pollStart := time.Now()
		result, err := m.gate.Poll(ctx, since)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			m.setLastError(err)
			logger.Error("source poll failed", logging.Error(err))
			if !m.sleep(ctx, m.errorRetry) {
				return
			}
			continue
		default:
			m.advanceSinceCursor(pollStart)
			if result.Inserted > 0 {
				logger.Info("ingested new recordings",
					"listed", result.Listed,
					"inserted", result.Inserted,
					"skipped", result.Skipped)
			}
		}
		if !m.sleep(ctx, m.pollInterval) {
			return
		}
	}
}

// runWorkerLoop claims recordings and drives them through the stage graph.
func (m *Manager) runWorkerLoop(ctx context.Context, owner string) {
	defer m.wg.Done()
	logger := m.logger.With(logging.FieldComponent, "worker", logging.FieldOwner, owner)
	runner := pipeline.NewRunner(m.store, m.pipeline, logger, owner, m.lease, m.cfg.Pipeline.MaxClaimRetries)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := m.store.ClaimNext(ctx, owner, m.lease, m.cfg.Pipeline.MaxClaimRetries, 1)
		if err != nil {
			m.setLastError(err)
			logger.Error("claim failed", logging.Error(err))
			if !m.sleep(ctx, m.errorRetry) {
				return
			}
			continue
		}
		if len(claimed) == 0 {
			if !m.sleep(ctx, m.pollInterval) {
				return
			}
			continue
		}

		for _, rec := range claimed {
			if err := runner.Process(ctx, rec); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				m.setLastError(err)
			}
		}
	}
}

// runReaperLoop returns expired claims to the pending pool.
func (m *Manager) runReaperLoop(ctx context.Context) {
	defer m.wg.Done()
	logger := m.logger.With(logging.FieldComponent, "reaper")

	interval := m.reaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if !m.sleep(ctx, interval) {
			return
		}
		reclaimed, err := m.store.ReclaimExpired(ctx, time.Now())
		if err != nil {
			m.setLastError(err)
			logger.Error("reclaim expired claims failed", logging.Error(err))
			continue
		}
		if reclaimed > 0 {
			logger.Warn("reclaimed expired claims", "count", reclaimed)
		}
	}
}

// runDeliveryLoop alternates export scans and disposal sweeps.
func (m *Manager) runDeliveryLoop(ctx context.Context) {
	defer m.wg.Done()
	logger := m.logger.With(logging.FieldComponent, "delivery")

	for {
		if !m.sleep(ctx, m.pollInterval) {
			return
		}
		if _, err := m.tracker.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.setLastError(err)
			logger.Error("export scan failed", logging.Error(err))
		}
		if _, err := m.disposer.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.setLastError(err)
			logger.Error("disposal sweep failed", logging.Error(err))
		}
	}
}

func (m *Manager) sinceCursor() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSince
}

func (m *Manager) advanceSinceCursor(to time.Time) {
	// Overlap the window slightly; the duplicate gate absorbs re-listed rows.
	to = to.Add(-time.Minute)
	m.mu.Lock()
	if to.After(m.lastSince) {
		m.lastSince = to
	}
	m.mu.Unlock()
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
