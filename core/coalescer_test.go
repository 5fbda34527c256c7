package core

import (
	"sync"
	"testing"
	"time"

	"github.com/qbit-ai/qbitsync/schema"
)

type commitRecorder struct {
	mu      sync.Mutex
	commits []string
}

func (r *commitRecorder) commit(_ schema.SessionID, text string) {
	r.mu.Lock()
	r.commits = append(r.commits, text)
	r.mu.Unlock()
}

func (r *commitRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commits...)
}

func waitForCommits(t *testing.T, rec *commitRecorder, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := rec.snapshot()
		if len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commits, have %d", want, len(rec.snapshot()))
	return nil
}

func TestCoalescerCommitsOncePerInterval(t *testing.T) {
	rec := &commitRecorder{}
	c := newCoalescer(30*time.Millisecond, rec.commit)

	c.OnDelta("s1", "h")
	c.OnDelta("s1", "he")
	c.OnDelta("s1", "hel")
	c.OnDelta("s1", "hello")

	waitForCommits(t, rec, 1)
	// All deltas inside one interval collapse into a single commit
	// carrying the last value.
	time.Sleep(60 * time.Millisecond)
	commits := rec.snapshot()
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(commits))
	}
	if commits[0] != "hello" {
		t.Fatalf("committed %q, want %q", commits[0], "hello")
	}
}

func TestCoalescerSchedulesAgainAfterFlush(t *testing.T) {
	rec := &commitRecorder{}
	c := newCoalescer(10*time.Millisecond, rec.commit)

	c.OnDelta("s1", "first")
	waitForCommits(t, rec, 1)
	c.OnDelta("s1", "second")
	commits := waitForCommits(t, rec, 2)
	if commits[len(commits)-1] != "second" {
		t.Fatalf("last commit %q, want %q", commits[len(commits)-1], "second")
	}
}

func TestCoalescerFlushBypassesSchedule(t *testing.T) {
	rec := &commitRecorder{}
	c := newCoalescer(time.Hour, rec.commit)

	c.OnDelta("s1", "partial")
	c.OnDelta("s1", "final text")
	c.Flush("s1")

	commits := rec.snapshot()
	if len(commits) != 1 || commits[0] != "final text" {
		t.Fatalf("commits = %v, want [final text]", commits)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d after flush", c.PendingCount())
	}
	// Flush with nothing pending is a no-op.
	c.Flush("s1")
	if len(rec.snapshot()) != 1 {
		t.Fatalf("extra commit after empty flush")
	}
}

func TestCoalescerCancelDropsPendingWork(t *testing.T) {
	rec := &commitRecorder{}
	c := newCoalescer(20*time.Millisecond, rec.commit)

	c.OnDelta("s1", "doomed")
	c.Cancel("s1")
	time.Sleep(60 * time.Millisecond)

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("commits after cancel = %v", got)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d after cancel", c.PendingCount())
	}
}

func TestCoalescerSessionsAreIndependent(t *testing.T) {
	rec := &commitRecorder{}
	c := newCoalescer(time.Hour, rec.commit)

	c.OnDelta("s1", "one")
	c.OnDelta("s2", "two")
	if c.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", c.PendingCount())
	}
	c.Cancel("s1")
	c.Flush("s2")

	commits := rec.snapshot()
	if len(commits) != 1 || commits[0] != "two" {
		t.Fatalf("commits = %v, want [two]", commits)
	}
}
