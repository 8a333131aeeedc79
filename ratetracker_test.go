package taskqueue

import (
	"testing"
	"time"
)

func TestRateTrackerAllowed(t *testing.T) {
	rt := NewRateTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !rt.Allowed("mail", time.Second, now) {
		t.Fatal("first dispatch should be allowed")
	}
	rt.Record("mail", now)

	if rt.Allowed("mail", time.Second, now.Add(999*time.Millisecond)) {
		t.Error("dispatch inside the interval should be throttled")
	}
	if !rt.Allowed("mail", time.Second, now.Add(time.Second)) {
		t.Error("dispatch at exactly the interval should be allowed")
	}
	if !rt.Allowed("mail", 0, now) {
		t.Error("zero rate should never throttle")
	}
	if !rt.Allowed("sms", time.Second, now) {
		t.Error("rates are tracked per job type")
	}
}

func TestRateTrackerReserve(t *testing.T) {
	rt := NewRateTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	release, ok := rt.Reserve("mail", time.Second, now)
	if !ok {
		t.Fatal("Reserve on empty tracker failed")
	}
	if _, ok := rt.Reserve("mail", time.Second, now); ok {
		t.Fatal("second Reserve in the same interval succeeded")
	}

	release()
	if _, ok := rt.LastDispatch("mail"); ok {
		t.Fatal("release did not undo the reservation")
	}

	rt.Record("mail", now)
	later := now.Add(2 * time.Second)
	release, ok = rt.Reserve("mail", time.Second, later)
	if !ok {
		t.Fatal("Reserve after the interval failed")
	}
	release()
	last, ok := rt.LastDispatch("mail")
	if !ok || !last.Equal(now) {
		t.Errorf("LastDispatch = %v, %v; want %v restored", last, ok, now)
	}
}

func TestRateTrackerReleaseAfterNewerDispatch(t *testing.T) {
	rt := NewRateTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	release, _ := rt.Reserve("mail", time.Second, now)
	newer := now.Add(5 * time.Second)
	rt.Record("mail", newer)
	release()

	last, _ := rt.LastDispatch("mail")
	if !last.Equal(newer) {
		t.Errorf("stale release overwrote newer dispatch: got %v", last)
	}
}

func TestRateTrackerClear(t *testing.T) {
	rt := NewRateTracker()
	now := time.Now()
	rt.Record("mail", now)
	rt.Clear()
	if !rt.Allowed("mail", time.Hour, now) {
		t.Error("Clear did not lift the limit")
	}
}
