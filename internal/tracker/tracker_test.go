package tracker

import (
	"testing"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
)

func newTestTracker(ttl time.Duration) (*Tracker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := New(ttl)
	tr.now = func() time.Time { return now }
	tr.rand = func() float64 { return 1 } // disable probabilistic cleanup
	return tr, &now
}

func TestKey(t *testing.T) {
	if got := Key("http", "claude", ""); got != "http:claude" {
		t.Fatalf("Key without decision = %q", got)
	}
	if got := Key("mcp", "claude", "a1b2c3d4"); got != "mcp:claude:a1b2c3d4" {
		t.Fatalf("Key with decision = %q", got)
	}
}

func TestTrackAndConsume(t *testing.T) {
	tr, now := newTestTracker(0)

	tr.Track("http:claude", model.TrackedInput{Type: model.InputQuery, Text: "redis cache"})
	*now = now.Add(100 * time.Millisecond)
	tr.Track("http:claude", model.TrackedInput{Type: model.InputQuery, Text: "redis ttl"})
	*now = now.Add(150 * time.Millisecond)
	tr.Track("http:claude", model.TrackedInput{Type: model.InputGuardrail, Text: "check deploy"})

	trace := tr.Consume("http:claude")
	if trace == nil {
		t.Fatal("Consume returned nil for populated session")
	}
	if len(trace.Inputs) != 3 {
		t.Fatalf("inputs = %d, want 3", len(trace.Inputs))
	}
	if len(trace.Steps) != 2 {
		t.Fatalf("steps = %d, want 2 (consecutive same-type grouped)", len(trace.Steps))
	}
	if trace.Steps[0].Type != model.InputQuery || len(trace.Steps[0].InputIDs) != 2 {
		t.Fatalf("step 0 = %+v, want query step with 2 inputs", trace.Steps[0])
	}
	if trace.Steps[1].Type != model.InputGuardrail {
		t.Fatalf("step 1 type = %q, want guardrail", trace.Steps[1].Type)
	}
	if trace.TotalDurationMS != 250 {
		t.Fatalf("total_duration_ms = %d, want 250", trace.TotalDurationMS)
	}

	if again := tr.Consume("http:claude"); again != nil {
		t.Fatal("Consume should clear the session")
	}
}

func TestConsumeEmpty(t *testing.T) {
	tr, _ := newTestTracker(0)
	if trace := tr.Consume("http:nobody"); trace != nil {
		t.Fatalf("Consume on unknown key = %+v, want nil", trace)
	}
}

func TestPeekDoesNotClear(t *testing.T) {
	tr, _ := newTestTracker(0)
	tr.Track("http:claude", model.TrackedInput{Type: model.InputReasoning, Text: "thinking"})

	if got := tr.Peek("http:claude"); len(got) != 1 {
		t.Fatalf("Peek = %d inputs, want 1", len(got))
	}
	if got := tr.Peek("http:claude"); len(got) != 1 {
		t.Fatal("Peek must not clear the session")
	}
	if trace := tr.Consume("http:claude"); trace == nil {
		t.Fatal("session should still be consumable after Peek")
	}
}

func TestInputIDsAndTimestampsAssigned(t *testing.T) {
	tr, _ := newTestTracker(0)
	tr.Track("k", model.TrackedInput{Type: model.InputLookup, Text: "get abc123"})

	inputs := tr.Peek("k")
	if inputs[0].ID == "" {
		t.Fatal("input id not assigned")
	}
	if inputs[0].Timestamp.IsZero() {
		t.Fatal("input timestamp not assigned")
	}
}

func TestCleanupExpired(t *testing.T) {
	tr, now := newTestTracker(time.Minute)

	tr.Track("old", model.TrackedInput{Type: model.InputQuery, Text: "stale"})
	*now = now.Add(2 * time.Minute)
	tr.Track("fresh", model.TrackedInput{Type: model.InputQuery, Text: "live"})

	removed := tr.CleanupExpired()
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if tr.Peek("old") != nil {
		t.Fatal("expired session not removed")
	}
	if tr.Peek("fresh") == nil {
		t.Fatal("live session must survive cleanup")
	}
}

func TestProbabilisticCleanupOnTrack(t *testing.T) {
	tr, now := newTestTracker(time.Minute)
	tr.Track("old", model.TrackedInput{Type: model.InputQuery, Text: "stale"})

	*now = now.Add(2 * time.Minute)
	tr.rand = func() float64 { return 0 } // force the 1% path
	tr.Track("new", model.TrackedInput{Type: model.InputStats, Text: "stats"})

	if tr.Peek("old") != nil {
		t.Fatal("expired session should be swept by track-triggered cleanup")
	}
}

func TestSessionsSnapshot(t *testing.T) {
	tr, _ := newTestTracker(0)
	tr.Track("http:claude", model.TrackedInput{Type: model.InputQuery, Text: "a"})
	tr.Track("http:claude:dec1", model.TrackedInput{Type: model.InputReasoning, Text: "b"})
	tr.Track("http:other", model.TrackedInput{Type: model.InputQuery, Text: "c"})

	got := tr.Sessions("http:claude")
	if len(got) != 2 {
		t.Fatalf("sessions = %d, want 2", len(got))
	}
	if tr.Len() != 3 {
		t.Fatal("Sessions must not consume")
	}
}

func TestSingleInputDurationZero(t *testing.T) {
	tr, _ := newTestTracker(0)
	tr.Track("k", model.TrackedInput{Type: model.InputQuery, Text: "only"})

	trace := tr.Consume("k")
	if trace.TotalDurationMS != 0 {
		t.Fatalf("duration = %d, want 0 for single input", trace.TotalDurationMS)
	}
	if len(trace.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(trace.Steps))
	}
}
