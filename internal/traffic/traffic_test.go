package traffic

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)}
	return &Tracker{now: clk.now}, clk
}

func TestTracker_Counts(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record(Success)
	tr.Record(Success)
	tr.Record(Error)
	tr.Record(Denied)

	if got := tr.RequestCount(time.Minute); got != 4 {
		t.Errorf("RequestCount() = %d, want 4", got)
	}
	if got := tr.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
	errs, total := tr.ErrorRate(time.Minute)
	if errs != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errs, total)
	}
}

func TestTracker_WindowExcludesOldEvents(t *testing.T) {
	tr, clk := newTestTracker()
	tr.Record(Error)
	clk.advance(90 * time.Second)
	tr.Record(Success)

	if got := tr.RequestCount(time.Minute); got != 1 {
		t.Errorf("RequestCount(1m) = %d, want 1", got)
	}
	if got := tr.RequestCount(2 * time.Minute); got != 2 {
		t.Errorf("RequestCount(2m) = %d, want 2", got)
	}
	errs, total := tr.ErrorRate(time.Minute)
	if errs != 0 || total != 1 {
		t.Errorf("ErrorRate(1m) = (%d, %d), want (0, 1)", errs, total)
	}
}

func TestTracker_PrunesBeyondRetention(t *testing.T) {
	tr, clk := newTestTracker()
	for i := 0; i < 10; i++ {
		tr.Record(Success)
	}
	clk.advance(retention + time.Second)
	tr.Record(Denied)

	tr.mu.Lock()
	n := len(tr.events)
	tr.mu.Unlock()
	if n != 1 {
		t.Errorf("len(events) after prune = %d, want 1", n)
	}
}

func TestPackageLevelHelpers(t *testing.T) {
	Reset()
	defer Reset()
	RecordSuccess()
	RecordError()
	RecordDenied()
	if got := RequestCount(time.Minute); got != 3 {
		t.Errorf("RequestCount() = %d, want 3", got)
	}
	if got := DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
	if errs, total := ErrorRate(time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 2)", errs, total)
	}
}
