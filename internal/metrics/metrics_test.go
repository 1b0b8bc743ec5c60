package metrics

import (
	"testing"
	"time"

	"github.com/nehonix/go-procsupervisor/internal/ipcmsg"
)

func TestRecordFirstSampleIsZero(t *testing.T) {
	a := NewAggregator("test-app", nil)
	pct := a.Record(1, ipcmsg.MetricsPayload{CPU: ipcmsg.CPUSample{UserMicros: 1000}}, time.Now())
	if pct != 0 {
		t.Errorf("expected 0 on first sample, got %v", pct)
	}
}

func TestRecordDerivesCPUPercentFromDelta(t *testing.T) {
	a := NewAggregator("test-app", nil)
	t0 := time.Now()
	a.Record(1, ipcmsg.MetricsPayload{CPU: ipcmsg.CPUSample{UserMicros: 100000, SystemMicros: 0}}, t0)

	t1 := t0.Add(time.Second)
	pct := a.Record(1, ipcmsg.MetricsPayload{CPU: ipcmsg.CPUSample{UserMicros: 200000, SystemMicros: 0}}, t1)

	// dtMs=1000, deltaMicros=100000 => pct = 100000/(1000*1e4) = 0.01
	want := 0.01
	if pct != want {
		t.Errorf("expected %v, got %v", want, pct)
	}
	if got := a.LastCPUPercent(1); got != want {
		t.Errorf("LastCPUPercent mismatch: got %v want %v", got, want)
	}
}

func TestRecordNonMonotonicSampleTreatedAsZero(t *testing.T) {
	a := NewAggregator("test-app", nil)
	t0 := time.Now()
	a.Record(1, ipcmsg.MetricsPayload{CPU: ipcmsg.CPUSample{UserMicros: 500000}}, t0)

	t1 := t0.Add(time.Second)
	pct := a.Record(1, ipcmsg.MetricsPayload{CPU: ipcmsg.CPUSample{UserMicros: 100000}}, t1)
	if pct != 0 {
		t.Errorf("expected 0 for a non-monotonic CPU sample, got %v", pct)
	}
}

func TestForgetClearsState(t *testing.T) {
	a := NewAggregator("test-app", nil)
	a.Record(1, ipcmsg.MetricsPayload{Memory: ipcmsg.MemorySample{RSS: 42}}, time.Now())
	if _, ok := a.LastMemory(1); !ok {
		t.Fatal("expected a stored memory sample before Forget")
	}
	a.Forget(1)
	if _, ok := a.LastMemory(1); ok {
		t.Fatal("expected memory sample to be cleared after Forget")
	}
	if pct := a.Record(1, ipcmsg.MetricsPayload{CPU: ipcmsg.CPUSample{UserMicros: 1}}, time.Now()); pct != 0 {
		t.Errorf("expected a fresh baseline (0) right after Forget, got %v", pct)
	}
}
