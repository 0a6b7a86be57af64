// Package journal records block exits in a SQLite database so dead blocks
// can be inspected after the scheduler has reclaimed them.
//
// A Journal is a sched.Tracer. Exit records are queued by the worker that
// terminated the block and written in batches by a single writer goroutine.
// Every Open starts a new session, identified by a UUID.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/sched"
)

var log = commonlog.GetLogger("agim.journal")

var (
	// ErrNotFound is returned by Lookup for pids with no recorded exit.
	ErrNotFound = errors.New("no exit recorded")
	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal closed")
)

const (
	queueSize = 1024
	batchSize = 256
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER,
	spawned    INTEGER NOT NULL DEFAULT 0,
	sends      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS exits (
	session    TEXT NOT NULL REFERENCES sessions(id),
	pid        INTEGER NOT NULL,
	name       TEXT NOT NULL,
	module     TEXT NOT NULL,
	kind       INTEGER NOT NULL,
	code       INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	reductions INTEGER NOT NULL,
	sent       INTEGER NOT NULL,
	received   INTEGER NOT NULL,
	exited_at  INTEGER NOT NULL,
	PRIMARY KEY (session, pid)
);
CREATE INDEX IF NOT EXISTS exits_kind ON exits(session, kind);
`

// Record is one block exit.
type Record struct {
	Session  string
	PID      heap.PID
	Name     string
	Module   string
	Kind     block.ExitKind
	Code     int64
	Reason   string
	Counters block.Counters
	ExitedAt time.Time
}

// Session summarises one run.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time // zero while open
	Spawned   int64
	Sends     int64
	Exits     int64
}

type event struct {
	rec  *Record
	done chan error // flush request when rec is nil
}

// Journal is an exit journal bound to one session.
type Journal struct {
	db      *sql.DB
	session string

	spawned atomic.Int64
	sends   atomic.Int64

	mu     sync.RWMutex
	closed bool
	queue  chan event
	wg     sync.WaitGroup
}

var _ sched.Tracer = (*Journal)(nil)

// Open opens or creates the journal database at path and starts a session.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection keeps in-memory databases shared between the writer
	// and readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	j := &Journal{
		db:      db,
		session: uuid.New().String(),
		queue:   make(chan event, queueSize),
	}
	if _, err := db.Exec("INSERT INTO sessions (id, started_at) VALUES (?, ?)", j.session, time.Now().UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("starting session: %w", err)
	}
	j.wg.Add(1)
	go j.writer()
	log.Infof("journal %s session %s", path, j.session)
	return j, nil
}

// Session returns the id of the journal's session.
func (j *Journal) Session() string { return j.session }

func (j *Journal) OnSpawn(*block.Block) { j.spawned.Add(1) }

func (j *Journal) OnSend(_, _ heap.PID) { j.sends.Add(1) }

// OnExit queues b's exit record.
func (j *Journal) OnExit(b *block.Block) {
	kind, code, reason := b.ExitInfo()
	rec := &Record{
		Session:  j.session,
		PID:      b.PID,
		Name:     b.Name,
		Module:   b.Module,
		Kind:     kind,
		Code:     code,
		Reason:   reason,
		Counters: b.Counters(),
		ExitedAt: b.ExitedAt(),
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		log.Warningf("exit of %s after close dropped", b)
		return
	}
	j.queue <- event{rec: rec}
}

// Flush waits until every queued record is written.
func (j *Journal) Flush() error {
	done := make(chan error, 1)
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.queue <- event{done: done}
	j.mu.RUnlock()
	return <-done
}

// Close writes outstanding records, ends the session and closes the
// database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()

	_, err := j.db.Exec("UPDATE sessions SET ended_at = ?, spawned = ?, sends = ? WHERE id = ?",
		time.Now().UnixNano(), j.spawned.Load(), j.sends.Load(), j.session)
	if err != nil {
		err = fmt.Errorf("ending session: %w", err)
	}
	return errors.Join(err, j.db.Close())
}

func (j *Journal) writer() {
	defer j.wg.Done()
	batch := make([]*Record, 0, batchSize)
	var waiters []chan error
	add := func(ev event) {
		if ev.rec != nil {
			batch = append(batch, ev.rec)
		}
		if ev.done != nil {
			waiters = append(waiters, ev.done)
		}
	}
	for ev := range j.queue {
		add(ev)
	drain:
		for len(batch) < batchSize {
			select {
			case next, ok := <-j.queue:
				if !ok {
					break drain
				}
				add(next)
			default:
				break drain
			}
		}
		err := j.write(batch)
		if err != nil {
			log.Errorf("writing %d exit records: %v", len(batch), err)
		}
		for _, w := range waiters {
			w <- err
		}
		batch, waiters = batch[:0], waiters[:0]
	}
}

func (j *Journal) write(batch []*Record) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO exits
		(session, pid, name, module, kind, code, reason, reductions, sent, received, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range batch {
		_, err := stmt.Exec(r.Session, int64(r.PID), r.Name, r.Module, int(r.Kind), r.Code, r.Reason,
			int64(r.Counters.Reductions), int64(r.Counters.MessagesSent), int64(r.Counters.MessagesReceived),
			r.ExitedAt.UnixNano())
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const recordColumns = "session, pid, name, module, kind, code, reason, reductions, sent, received, exited_at"

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r                        Record
		pid, red, sent, recv, at int64
		kind                     int
	)
	if err := row.Scan(&r.Session, &pid, &r.Name, &r.Module, &kind, &r.Code, &r.Reason, &red, &sent, &recv, &at); err != nil {
		return Record{}, err
	}
	r.PID = heap.PID(pid)
	r.Kind = block.ExitKind(kind)
	r.Counters = block.Counters{Reductions: uint64(red), MessagesSent: uint64(sent), MessagesReceived: uint64(recv)}
	r.ExitedAt = time.Unix(0, at)
	return r, nil
}

// Lookup returns the exit record of pid in the current session.
func (j *Journal) Lookup(pid heap.PID) (Record, error) {
	row := j.db.QueryRow("SELECT "+recordColumns+" FROM exits WHERE session = ? AND pid = ?", j.session, int64(pid))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying exit: %w", err)
	}
	return r, nil
}

// Exits returns the records of a session in exit order. An empty session
// means the current one. A kind of block.ExitNone matches every kind.
func (j *Journal) Exits(session string, kind block.ExitKind) ([]Record, error) {
	if session == "" {
		session = j.session
	}
	query := "SELECT " + recordColumns + " FROM exits WHERE session = ?"
	args := []any{session}
	if kind != block.ExitNone {
		query += " AND kind = ?"
		args = append(args, int(kind))
	}
	rows, err := j.db.Query(query+" ORDER BY exited_at, pid", args...)
	if err != nil {
		return nil, fmt.Errorf("querying exits: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning exit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions lists every session in the database, oldest first. Spawned and
// Sends are filled in once a session is closed; the current session reports
// its live counters.
func (j *Journal) Sessions() ([]Session, error) {
	rows, err := j.db.Query(`SELECT s.id, s.started_at, s.ended_at, s.spawned, s.sends,
		(SELECT COUNT(*) FROM exits e WHERE e.session = s.id)
		FROM sessions s ORDER BY s.started_at`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.Spawned, &s.Sends, &s.Exits); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.StartedAt = time.Unix(0, started)
		if ended.Valid {
			s.EndedAt = time.Unix(0, ended.Int64)
		}
		if s.ID == j.session {
			s.Spawned, s.Sends = j.spawned.Load(), j.sends.Load()
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
