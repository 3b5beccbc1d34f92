package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
	_ "modernc.org/sqlite"
)

// EventTypeOutcome tags events that carry a JSON encoded pipeline.Outcome.
const EventTypeOutcome = "prediction.outcome"

// timestamps are stored as fixed width UTC text so that lexical order is time order.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// Event represents a recorded timeline entry. Every trigger is its own
// session; ActorID holds the trigger source.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	ActorID   string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed history of reported outcomes.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    actor_id TEXT,
    privacy_scope TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    actor_id TEXT,
    event_type TEXT,
    payload BLOB,
    privacy_scope TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(event_type, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, actorID, privacy string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, actor_id, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET actor_id=excluded.actor_id, privacy_scope=excluded.privacy_scope`,
		sessionID, actorID, privacy, stamp(s.clock()))
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, actor_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.ActorID, evt.Type, evt.Payload, evt.Privacy, stamp(evt.CreatedAt))
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, actor_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.ActorID, &e.Type, &e.Payload, &e.Privacy, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(stampLayout, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention. It runs on open and after every recorded outcome.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, stamp(cutoff)); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, stamp(cutoff)); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Record stores an outcome as a session with a single outcome event. It
// satisfies pipeline.Sink.
func (s *Store) Record(ctx context.Context, o pipeline.Outcome) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := s.AppendSession(ctx, o.ID, string(o.Source), s.cfg.RetentionMode); err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = s.clock().UTC()
	}
	evt := Event{
		SessionID: o.ID,
		ActorID:   string(o.Source),
		Type:      EventTypeOutcome,
		Payload:   payload,
		Privacy:   s.cfg.RetentionMode,
		CreatedAt: created.UTC(),
	}
	if err := s.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if s.cfg.MaxSessions > 0 {
		if err := s.Prune(ctx); err != nil {
			s.log.Warn("event store prune failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]pipeline.Outcome, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE event_type = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		EventTypeOutcome, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []pipeline.Outcome
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o pipeline.Outcome
		if err := json.Unmarshal(payload, &o); err != nil {
			s.log.Warn("skipping undecodable outcome", slog.String("error", err.Error()))
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// Outcome looks up a single recorded outcome by id. The boolean is false when
// no outcome was recorded under that id.
func (s *Store) Outcome(ctx context.Context, id string) (pipeline.Outcome, bool, error) {
	events, err := s.ListSessionEvents(ctx, id, 10)
	if err != nil {
		return pipeline.Outcome{}, false, err
	}
	for _, evt := range events {
		if evt.Type != EventTypeOutcome {
			continue
		}
		var o pipeline.Outcome
		if err := json.Unmarshal(evt.Payload, &o); err != nil {
			return pipeline.Outcome{}, false, fmt.Errorf("decode outcome %s: %w", id, err)
		}
		return o, true, nil
	}
	return pipeline.Outcome{}, false, nil
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
