package token

import (
	"context"
	"time"
)

const (
	// DefaultRenewalInterval is the healthy-state wake cadence.
	DefaultRenewalInterval = time.Hour

	// errorRetryInterval tightens the cadence while recovery is pending so
	// the job probes again soon after the backoff window opens.
	errorRetryInterval = 15 * time.Minute
)

// StartRenewalJob launches the background renewal loop. Starting is
// idempotent: a second call while the loop runs is a no-op.
func (m *Manager) StartRenewalJob(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRenewalInterval
	}

	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	if m.jobRunning {
		m.logger.Info("Renewal job already running",
			"component", "token.job",
		)
		return
	}
	m.jobRunning = true
	m.stopChan = make(chan struct{})

	m.logger.Info("Renewal job started",
		"component", "token.job",
		"interval", interval.String(),
	)
	go m.renewalLoop(interval, m.stopChan)
}

// StopRenewalJob signals the loop to end at its next wake point. Safe to
// call when the job was never started, and safe to call twice.
func (m *Manager) StopRenewalJob() {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	if !m.jobRunning {
		return
	}
	m.jobRunning = false
	close(m.stopChan)
	m.logger.Info("Renewal job stopped",
		"component", "token.job",
	)
}

func (m *Manager) renewalLoop(interval time.Duration, stop <-chan struct{}) {
	for {
		wait := interval
		if _, inError := m.recovery.snapshot(); inError {
			wait = errorRetryInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			m.renewIfNeeded(context.Background())
		case <-stop:
			timer.Stop()
			return
		}
	}
}

// renewIfNeeded is one background wake: drop a stale error flag once its
// backoff has elapsed, then renew when the record is inside the wide
// background margin.
func (m *Manager) renewIfNeeded(ctx context.Context) {
	if m.recovery.clearErrorIfElapsed(m.now()) {
		m.logger.Info("Backoff window elapsed, clearing error state",
			"component", "token.job",
		)
	}

	m.mu.Lock()
	rec := m.record
	m.mu.Unlock()

	if !rec.Stale(m.now(), BackgroundMargin) {
		return
	}

	m.logger.Info("Scheduled renewal triggered",
		"component", "token.job",
	)
	m.refreshIfStale(ctx, BackgroundMargin)
}
