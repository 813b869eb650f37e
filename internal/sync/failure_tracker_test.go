package sync

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestFailureTracker_SkipsAfterThreshold(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ft := newFailureTracker(logger)

	id := "research/competitors"

	ft.recordFailure(id, "permission denied")
	if ft.shouldSkip(id) {
		t.Fatal("should not skip after 1 failure")
	}

	ft.recordFailure(id, "permission denied")
	if ft.shouldSkip(id) {
		t.Fatal("should not skip after 2 failures")
	}

	ft.recordFailure(id, "permission denied")
	if !ft.shouldSkip(id) {
		t.Fatal("should skip after 3 failures")
	}

	if got := ft.suppressed(); len(got) != 1 || got[0] != id {
		t.Errorf("suppressed() = %v, want [%s]", got, id)
	}
}

func TestFailureTracker_CooldownResetsCount(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ft := newFailureTracker(logger)

	now := time.Now()
	ft.nowFunc = func() time.Time { return now }

	id := "plans/q3"

	for range failureThreshold {
		ft.recordFailure(id, "i/o timeout")
	}

	if !ft.shouldSkip(id) {
		t.Fatal("should skip after threshold failures")
	}

	ft.nowFunc = func() time.Time { return now.Add(failureCooldown + time.Second) }

	if ft.shouldSkip(id) {
		t.Fatal("should not skip after cooldown expires")
	}

	if got := ft.suppressed(); len(got) != 0 {
		t.Errorf("suppressed() after cooldown = %v, want empty", got)
	}
}

func TestFailureTracker_SuccessClears(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ft := newFailureTracker(logger)

	id := "notes/today"

	for range failureThreshold {
		ft.recordFailure(id, "busy")
	}

	ft.recordSuccess(id)

	if ft.shouldSkip(id) {
		t.Fatal("should not skip after success")
	}
}

func TestFailureTracker_IndependentDocuments(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ft := newFailureTracker(logger)

	for range failureThreshold {
		ft.recordFailure("a", "busy")
	}

	ft.recordFailure("b", "busy")

	if !ft.shouldSkip("a") {
		t.Error("a should be skipped")
	}

	if ft.shouldSkip("b") {
		t.Error("b should not be skipped")
	}
}
