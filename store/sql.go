package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/signal"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	// SeqColumn is the auto-incrementing column definition of call_signals.
	SeqColumn string
}

var (
	// SQLite is the modernc.org/sqlite dialect.
	SQLite = Dialect{Name: "sqlite", SeqColumn: "seq INTEGER PRIMARY KEY AUTOINCREMENT"}
	// Postgres is the jackc/pgx stdlib dialect.
	Postgres = Dialect{Name: "pgx", Numbered: true, SeqColumn: "seq BIGSERIAL PRIMARY KEY"}
)

func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			id              TEXT PRIMARY KEY,
			caller_id       TEXT NOT NULL,
			callee_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			call_type       TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      BIGINT NOT NULL,
			started_at      BIGINT,
			ended_at        BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_callee ON call_sessions (callee_id, status)`,
		`CREATE TABLE IF NOT EXISTS call_signals (
			` + d.SeqColumn + `,
			id          TEXT NOT NULL UNIQUE,
			call_id     TEXT NOT NULL REFERENCES call_sessions (id),
			sender_id   TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			signal_data TEXT NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_signals_call ON call_signals (call_id, signal_type, seq)`,
	}
}

// SQL is a Store over database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens or creates a SQLite database at path. Use ":memory:" for
// a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	return NewSQL(ctx, db, SQLite)
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQL(ctx, db, Postgres)
}

// NewSQL wraps db and creates the tables if they do not exist.
func NewSQL(ctx context.Context, db *sql.DB, d Dialect) (*SQL, error) {
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewSQL",
		"dialect":  d.Name,
	}).Debug("Call store ready")
	return &SQL{db: db, dialect: d}, nil
}

// Close implements Store.
func (s *SQL) Close() error {
	return s.db.Close()
}

// CreateSession implements Store.
func (s *SQL) CreateSession(ctx context.Context, sess call.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO call_sessions
			(id, caller_id, callee_id, conversation_id, call_type, status, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.CallerID, sess.CalleeID, sess.ConversationID, string(sess.Type), string(sess.Status),
		sess.CreatedAt.UnixMilli(), nullMillis(sess.StartedAt), nullMillis(sess.EndedAt))
	if err != nil {
		if _, getErr := s.GetSession(ctx, sess.ID); getErr == nil {
			return fmt.Errorf("%w: session %s", ErrDuplicate, sess.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const selectSession = `
	SELECT id, caller_id, callee_id, conversation_id, call_type, status, created_at, started_at, ended_at
	FROM call_sessions WHERE id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (call.Session, error) {
	var (
		sess             call.Session
		typ, status      string
		created          int64
		started, stopped sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.CallerID, &sess.CalleeID, &sess.ConversationID,
		&typ, &status, &created, &started, &stopped); err != nil {
		return call.Session{}, err
	}
	sess.Type = call.Type(typ)
	sess.Status = call.Status(status)
	sess.CreatedAt = time.UnixMilli(created)
	sess.StartedAt = fromMillis(started)
	sess.EndedAt = fromMillis(stopped)
	return sess, nil
}

// GetSession implements Store.
func (s *SQL) GetSession(ctx context.Context, id string) (call.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.dialect.rebind(selectSession), id))
	if errors.Is(err, sql.ErrNoRows) {
		return call.Session{}, fmt.Errorf("%w: %s", call.ErrSessionNotFound, id)
	}
	if err != nil {
		return call.Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// UpdateStatus implements Store inside a transaction so the status rules
// are checked against the row being replaced.
func (s *SQL) UpdateStatus(ctx context.Context, id string, u call.Update) (call.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return call.Session{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := selectSession
	if s.dialect.Numbered {
		query += " FOR UPDATE"
	}
	sess, err := scanSession(tx.QueryRowContext(ctx, s.dialect.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return call.Session{}, fmt.Errorf("%w: %s", call.ErrSessionNotFound, id)
	}
	if err != nil {
		return call.Session{}, fmt.Errorf("select session: %w", err)
	}

	if err := sess.Apply(u); err != nil {
		return call.Session{}, err
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE call_sessions SET status = ?, started_at = ?, ended_at = ? WHERE id = ?`),
		string(sess.Status), nullMillis(sess.StartedAt), nullMillis(sess.EndedAt), id); err != nil {
		return call.Session{}, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return call.Session{}, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

// AppendSignal implements Store.
func (s *SQL) AppendSignal(ctx context.Context, sig signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	data, err := signal.Encode(sig.Payload)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO call_signals (id, call_id, sender_id, signal_type, signal_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		sig.ID, sig.CallID, sig.SenderID, string(sig.Type), string(data), sig.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

const selectSignals = `
	SELECT id, call_id, sender_id, signal_type, signal_data, created_at
	FROM call_signals`

func scanSignal(row rowScanner) (signal.Signal, error) {
	var (
		sig     signal.Signal
		typ     string
		data    string
		created int64
	)
	if err := row.Scan(&sig.ID, &sig.CallID, &sig.SenderID, &typ, &data, &created); err != nil {
		return signal.Signal{}, err
	}
	p, err := signal.Decode(signal.Type(typ), json.RawMessage(data))
	if err != nil {
		return signal.Signal{}, err
	}
	sig.Type = signal.Type(typ)
	sig.Payload = p
	sig.CreatedAt = time.UnixMilli(created)
	return sig, nil
}

// LatestSignal implements Store.
func (s *SQL) LatestSignal(ctx context.Context, callID string, t signal.Type) (signal.Signal, error) {
	sig, err := scanSignal(s.db.QueryRowContext(ctx, s.dialect.rebind(selectSignals+`
		WHERE call_id = ? AND signal_type = ? ORDER BY seq DESC LIMIT 1`), callID, string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return signal.Signal{}, fmt.Errorf("%w: %s for call %s", ErrSignalNotFound, t, callID)
	}
	if err != nil {
		return signal.Signal{}, fmt.Errorf("select signal: %w", err)
	}
	return sig, nil
}

// ListSignals implements Store.
func (s *SQL) ListSignals(ctx context.Context, callID string) ([]signal.Signal, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(selectSignals+` WHERE call_id = ? ORDER BY seq`), callID)
	if err != nil {
		return nil, fmt.Errorf("select signals: %w", err)
	}
	defer rows.Close()

	var out []signal.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ListSignals",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Skipping unreadable signal row")
			continue
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
