package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	_ "modernc.org/sqlite"
)

// Session is one start/stop cycle of the pipeline.
type Session struct {
	ID         string    `json:"session_id"`
	Vocabulary string    `json:"vocabulary,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
	Captions   int       `json:"captions"`
}

// Record is a stored accurate caption.
type Record struct {
	ID                  int64     `json:"id"`
	SessionID           string    `json:"session_id"`
	Kind                string    `json:"kind"`
	Text                string    `json:"text"`
	NoSpeechProbability float64   `json:"no_speech_probability"`
	AvgLogProbability   float64   `json:"avg_log_probability"`
	CreatedAt           time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed caption history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode nothing
// is written and every query returns empty results.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
		return nil, fmt.Errorf("init schema: %w", err)
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
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    vocabulary TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER
);
CREATE TABLE IF NOT EXISTS captions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    text TEXT NOT NULL,
    no_speech_prob REAL,
    avg_logprob REAL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_captions_session_created ON captions(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// OpenSession records the start of a session.
func (s *Store) OpenSession(ctx context.Context, sessionID, vocabulary string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, vocabulary, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET vocabulary=excluded.vocabulary`,
		sessionID, vocabulary, s.clock().UnixMilli())
	return err
}

// CloseSession records the end of a session.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ? WHERE session_id = ?`,
		s.clock().UnixMilli(), sessionID)
	return err
}

// AppendCaption stores c under its session.
func (s *Store) AppendCaption(ctx context.Context, c caption.Caption) error {
	if s.disabled() {
		return nil
	}
	if c.SessionID == "" {
		return fmt.Errorf("caption has no session")
	}
	at := c.At
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captions(session_id, kind, text, no_speech_prob, avg_logprob, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		c.SessionID, string(c.Kind), c.Text, c.NoSpeechProbability, c.AvgLogProbability, at.UnixMilli())
	return err
}

// Sink returns a caption.Sink that stores every caption it receives.
func (s *Store) Sink(ctx context.Context) caption.Sink {
	return caption.SinkFunc(func(c caption.Caption) {
		if err := s.AppendCaption(ctx, c); err != nil {
			s.log.Warn("failed to store caption", slog.String("error", err.Error()))
		}
	})
}

// ListCaptions retrieves up to limit captions for a session ordered by time.
// An empty sessionID selects the most recent session.
func (s *Store) ListCaptions(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	if sessionID == "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT 1`).Scan(&sessionID)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, text, no_speech_prob, avg_logprob, created_at
		 FROM captions WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.Text, &r.NoSpeechProbability, &r.AvgLogProbability, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, COALESCE(s.vocabulary, ''), s.started_at, COALESCE(s.stopped_at, 0),
		        (SELECT COUNT(*) FROM captions c WHERE c.session_id = s.session_id)
		 FROM sessions s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var started, stopped int64
		if err := rows.Scan(&sess.ID, &sess.Vocabulary, &started, &stopped, &sess.Captions); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started).UTC()
		if stopped > 0 {
			sess.StoppedAt = time.UnixMilli(stopped).UTC()
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM captions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
