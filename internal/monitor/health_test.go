package monitor

import (
	"fmt"
	"testing"
)

func TestSourceHealthReadFailureTracking(t *testing.T) {
	h := newSourceHealth()

	if h.status(3) != StatusHealthy {
		t.Fatal("new health should be healthy")
	}

	h.recordReadFailure(fmt.Errorf("permission denied"))
	h.recordReadFailure(fmt.Errorf("permission denied"))
	if h.status(3) != StatusHealthy {
		t.Error("should still be healthy below threshold")
	}

	h.recordReadFailure(fmt.Errorf("still broken"))
	if h.status(3) != StatusFailed {
		t.Error("should be failed at threshold")
	}
	if snap := h.snapshot("client", 3); snap.LastError != "still broken" || snap.ReadFailures != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSourceHealthRecovery(t *testing.T) {
	h := newSourceHealth()
	for i := 0; i < 5; i++ {
		h.recordReadFailure(fmt.Errorf("fail %d", i))
	}
	if h.status(3) != StatusFailed {
		t.Fatal("should be failed")
	}

	h.recordReadSuccess()
	if h.status(3) != StatusHealthy {
		t.Error("should recover to healthy after success")
	}
	if h.readFailures != 0 {
		t.Errorf("readFailures = %d, want 0", h.readFailures)
	}
}

func TestSourceHealthDecodeDegrades(t *testing.T) {
	h := newSourceHealth()
	for i := 0; i < 3; i++ {
		h.recordDecode(fmt.Errorf("bad payload"))
	}
	if h.status(3) != StatusDegraded {
		t.Errorf("status = %s, want degraded", h.status(3))
	}
	h.recordDecode(nil)
	if h.status(3) != StatusHealthy {
		t.Errorf("status = %s, want healthy after a good decode", h.status(3))
	}
}

func TestSourceHealthPanicCountsAsFailure(t *testing.T) {
	h := newSourceHealth()
	h.recordPanic(fmt.Errorf("panic: boom"))
	if h.readFailures != 1 {
		t.Errorf("readFailures = %d, want 1", h.readFailures)
	}
}
