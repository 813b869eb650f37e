package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBuffer_AddSingle(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))
	buf.Add(&ChangeEvent{
		Type:        ChangeCreate,
		DocID:       "notes/plan",
		Path:        "notes/plan.md",
		Fingerprint: "fp-1",
		Size:        256,
	})

	result := buf.FlushImmediate()
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}

	if result[0].DocID != "notes/plan" {
		t.Errorf("DocID = %q, want %q", result[0].DocID, "notes/plan")
	}

	if result[0].Type != ChangeCreate {
		t.Errorf("Type = %v, want ChangeCreate", result[0].Type)
	}
}

func TestBuffer_LatestEventWins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		events   []ChangeType
		wantType ChangeType
	}{
		{"modify then modify", []ChangeType{ChangeModify, ChangeModify}, ChangeModify},
		{"modify then delete", []ChangeType{ChangeModify, ChangeDelete}, ChangeDelete},
		{"delete then create", []ChangeType{ChangeDelete, ChangeCreate}, ChangeCreate},
		{"create then modify stays create", []ChangeType{ChangeCreate, ChangeModify}, ChangeCreate},
		{"create then delete", []ChangeType{ChangeCreate, ChangeDelete}, ChangeDelete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := NewBuffer(testLogger(t))

			for i, typ := range tt.events {
				buf.Add(&ChangeEvent{
					Type:        typ,
					DocID:       "doc",
					Path:        "doc.md",
					Fingerprint: fmt.Sprintf("fp-%d", i),
				})
			}

			result := buf.FlushImmediate()
			if len(result) != 1 {
				t.Fatalf("len(result) = %d, want 1", len(result))
			}

			if result[0].Type != tt.wantType {
				t.Errorf("Type = %v, want %v", result[0].Type, tt.wantType)
			}

			want := fmt.Sprintf("fp-%d", len(tt.events)-1)
			if result[0].Fingerprint != want {
				t.Errorf("Fingerprint = %q, want %q (latest)", result[0].Fingerprint, want)
			}
		})
	}
}

func TestBuffer_AddAll(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))
	buf.AddAll([]ChangeEvent{
		{Type: ChangeCreate, DocID: "a", Path: "a.md"},
		{Type: ChangeCreate, DocID: "b", Path: "b.md"},
		{Type: ChangeDelete, DocID: "a", Path: "a.md"},
	})

	if buf.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", buf.Len())
	}

	result := buf.FlushImmediate()
	if result[0].Type != ChangeDelete {
		t.Errorf("a Type = %v, want ChangeDelete", result[0].Type)
	}
}

func TestBuffer_FlushEmpty(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))

	if result := buf.FlushImmediate(); result != nil {
		t.Errorf("FlushImmediate() on empty buffer = %v, want nil", result)
	}
}

func TestBuffer_FlushClears(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))
	buf.Add(&ChangeEvent{Type: ChangeModify, DocID: "x", Path: "x.md"})

	_ = buf.FlushImmediate()

	if buf.Len() != 0 {
		t.Errorf("Len() after flush = %d, want 0", buf.Len())
	}

	if result := buf.FlushImmediate(); result != nil {
		t.Errorf("second flush = %v, want nil", result)
	}
}

func TestBuffer_FlushSorted(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))

	for _, id := range []string{"zeta", "alpha", "mid/one", "beta"} {
		buf.Add(&ChangeEvent{Type: ChangeModify, DocID: id, Path: id + ".md"})
	}

	result := buf.FlushImmediate()
	want := []string{"alpha", "beta", "mid/one", "zeta"}

	if len(result) != len(want) {
		t.Fatalf("len(result) = %d, want %d", len(result), len(want))
	}

	for i, id := range want {
		if result[i].DocID != id {
			t.Errorf("result[%d].DocID = %q, want %q", i, result[i].DocID, id)
		}
	}
}

func TestBuffer_ThreadSafety(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))

	const goroutines = 8
	const perGoroutine = 50

	var wg sync.WaitGroup

	for g := range goroutines {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perGoroutine {
				id := fmt.Sprintf("g%d/doc%d", g, i%10)
				buf.Add(&ChangeEvent{Type: ChangeModify, DocID: id, Path: id + ".md"})
			}
		}()
	}

	wg.Wait()

	if got := buf.Len(); got != goroutines*10 {
		t.Errorf("Len() = %d, want %d", got, goroutines*10)
	}
}

func TestBuffer_FlushDebounced_CoalescesBurst(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	out := buf.FlushDebounced(ctx, 50*time.Millisecond)

	for i := range 5 {
		buf.Add(&ChangeEvent{Type: ChangeModify, DocID: "doc", Path: "doc.md", Fingerprint: fmt.Sprintf("fp-%d", i)})
	}

	var batch []ChangeEvent
	select {
	case batch = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for debounced batch")
	}

	cancel()

	for range out {
	}

	if len(batch) != 1 {
		t.Fatalf("len(batch) = %d, want 1", len(batch))
	}

	if batch[0].Fingerprint != "fp-4" {
		t.Errorf("Fingerprint = %q, want fp-4", batch[0].Fingerprint)
	}
}

func TestBuffer_FlushDebounced_PendingBeforeStart(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))
	buf.Add(&ChangeEvent{Type: ChangeCreate, DocID: "early", Path: "early.md"})

	ctx, cancel := context.WithCancel(context.Background())
	out := buf.FlushDebounced(ctx, 10*time.Millisecond)

	select {
	case batch := <-out:
		if len(batch) != 1 || batch[0].DocID != "early" {
			t.Errorf("batch = %v, want the pre-existing event", batch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events added before FlushDebounced were never flushed")
	}

	cancel()

	for range out {
	}
}

func TestBuffer_FlushDebounced_FinalDrainOnCancel(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	out := buf.FlushDebounced(ctx, time.Hour)

	buf.Add(&ChangeEvent{Type: ChangeModify, DocID: "late", Path: "late.md"})

	// Give the loop a moment to arm its timer before canceling.
	time.Sleep(20 * time.Millisecond)
	cancel()

	var got []ChangeEvent
	for batch := range out {
		got = append(got, batch...)
	}

	if len(got) != 1 || got[0].DocID != "late" {
		t.Errorf("drained = %v, want the pending event", got)
	}
}
