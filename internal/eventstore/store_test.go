package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func outcomeAt(id string, ts time.Time, value float64) pipeline.Outcome {
	v := value
	return pipeline.Outcome{
		ID:        id,
		Source:    pipeline.SourceText,
		Kind:      pipeline.KindPrediction,
		Input:     "2",
		Value:     &v,
		Display:   "7",
		Message:   "Predicted Output: 7",
		CreatedAt: ts,
	}
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, outcomeAt("a", time.Now(), 1)); err != nil {
		t.Fatalf("record in ephemeral mode: %v", err)
	}
	got, err := es.RecentOutcomes(ctx, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no history in ephemeral mode, got %v (%v)", got, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "voice", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be parsed")
	}
}

func TestRecordOutcome(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := es.Record(ctx, outcomeAt("outcome-1", ts, 7)); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "outcome-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.Type != EventTypeOutcome || evt.ActorID != "text" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if !evt.CreatedAt.Equal(ts) {
		t.Fatalf("expected created_at %v, got %v", ts, evt.CreatedAt)
	}
	var decoded pipeline.Outcome
	if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Value == nil || *decoded.Value != 7 || decoded.Display != "7" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestOutcomeLookup(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.Record(ctx, outcomeAt("lookup", time.Now(), 7)); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, ok, err := es.Outcome(ctx, "lookup")
	if err != nil || !ok {
		t.Fatalf("expected outcome, got ok=%v err=%v", ok, err)
	}
	if got.ID != "lookup" || got.Display != "7" {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if _, ok, err := es.Outcome(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing outcome, got ok=%v err=%v", ok, err)
	}
}

func TestRecentOutcomesNewestFirst(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"first", "second", "third"}
	for i, id := range ids {
		ts := base.Add(time.Duration(i) * 1500 * time.Millisecond)
		if err := es.Record(ctx, outcomeAt(id, ts, float64(i))); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	got, err := es.RecentOutcomes(ctx, 2)
	if err != nil {
		t.Fatalf("recent outcomes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(got))
	}
	if got[0].ID != "third" || got[1].ID != "second" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestRecordPrunesToMaxSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", MaxSessions: 2})
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		now := base.Add(time.Duration(i) * time.Minute)
		es.clock = func() time.Time { return now }
		if err := es.Record(ctx, outcomeAt(id, now, 1)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	got, err := es.RecentOutcomes(ctx, 10)
	if err != nil {
		t.Fatalf("recent outcomes: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("expected only the two newest outcomes, got %+v", got)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "voice", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "voice", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
