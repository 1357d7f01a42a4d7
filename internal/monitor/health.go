package monitor

import (
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// SourceHealth is the exported view of one source's counters.
type SourceHealth struct {
	Source         string       `json:"source"`
	Status         HealthStatus `json:"status"`
	ReadFailures   int          `json:"readFailures"`
	DecodeFailures int          `json:"decodeFailures"`
	LastError      string       `json:"lastError,omitempty"`
	LastFailure    time.Time    `json:"lastFailure,omitempty"`
}

// sourceHealth tracks consecutive failure counts for a single source.
// poll writes it from the monitor goroutine while Health reads it from the
// HTTP handlers.
type sourceHealth struct {
	mu             sync.Mutex
	readFailures   int
	decodeFailures int
	lastErr        string
	lastFail       time.Time
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{}
}

func (h *sourceHealth) recordReadSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readFailures = 0
}

func (h *sourceHealth) recordReadFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readFailures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

// recordPanic records a recovered panic as a read failure.
func (h *sourceHealth) recordPanic(err error) {
	h.recordReadFailure(err)
}

// recordDecode resets or bumps the consecutive decode failure count.
func (h *sourceHealth) recordDecode(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.decodeFailures = 0
		return
	}
	h.decodeFailures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

func (h *sourceHealth) status(threshold int) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *sourceHealth) statusLocked(threshold int) HealthStatus {
	if h.readFailures >= threshold {
		return StatusFailed
	}
	if h.decodeFailures >= threshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *sourceHealth) snapshot(name string, threshold int) SourceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SourceHealth{
		Source:         name,
		Status:         h.statusLocked(threshold),
		ReadFailures:   h.readFailures,
		DecodeFailures: h.decodeFailures,
		LastError:      h.lastErr,
		LastFailure:    h.lastFail,
	}
}
