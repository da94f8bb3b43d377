// Package journal records compile events in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tagjit/jit"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt  TEXT NOT NULL,
	kind     TEXT NOT NULL,
	class    TEXT NOT NULL,
	member   TEXT NOT NULL,
	opt      INTEGER NOT NULL,
	reason   TEXT NOT NULL,
	error    TEXT NOT NULL,
	pos      INTEGER NOT NULL,
	duration INTEGER NOT NULL,
	at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_member ON events (class, member);`

var log = commonlog.GetLogger("tagjit.journal")

// Entry is one stored event.
type Entry struct {
	Seq      int64
	Attempt  uuid.UUID
	Kind     string
	Class    string
	Member   string
	OptLevel jit.OptLevel
	Reason   string
	Error    string
	Offset   int
	Duration time.Duration
	At       time.Time
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Attempt uuid.UUID
	Kind    string
	Class   string
	Member  string
	Limit   int
}

// Journal is an open event database.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the journal at path. ":memory:" keeps it in memory.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Journal{db: db, path: path}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores ev.
func (j *Journal) Record(ctx context.Context, ev jit.Event) error {
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (attempt, kind, class, member, opt, reason, error, pos, duration, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Attempt.String(), ev.Kind.String(), ev.Class, ev.Name, int(ev.OptLevel),
		ev.Reason, errText, ev.Offset, int64(ev.Duration), at.UnixNano())
	if err != nil {
		return fmt.Errorf("recording %s event for %s#%s: %w", ev.Kind, ev.Class, ev.Name, err)
	}
	return nil
}

// Observer returns a jit.Observer that records every event. Failures are
// logged, not returned.
func (j *Journal) Observer(ctx context.Context) jit.Observer {
	return func(ev jit.Event) {
		if err := j.Record(ctx, ev); err != nil {
			log.Errorf("%s", err)
		}
	}
}

// Events returns the entries matching f in recording order.
func (j *Journal) Events(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.Attempt != uuid.Nil {
		where = append(where, "attempt = ?")
		args = append(args, f.Attempt.String())
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Class != "" {
		where = append(where, "class = ?")
		args = append(args, f.Class)
	}
	if f.Member != "" {
		where = append(where, "member = ?")
		args = append(args, f.Member)
	}

	q := "SELECT seq, attempt, kind, class, member, opt, reason, error, pos, duration, at FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var attempt string
		var opt int
		var dur, at int64
		if err := rows.Scan(&e.Seq, &attempt, &e.Kind, &e.Class, &e.Member, &opt,
			&e.Reason, &e.Error, &e.Offset, &dur, &at); err != nil {
			return nil, fmt.Errorf("scanning journal: %w", err)
		}
		if e.Attempt, err = uuid.Parse(attempt); err != nil {
			return nil, fmt.Errorf("journal row %d: %w", e.Seq, err)
		}
		e.OptLevel = jit.OptLevel(opt)
		e.Duration = time.Duration(dur)
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary counts entries per kind.
func (j *Journal) Summary(ctx context.Context) (map[string]int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("summarizing journal: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}
