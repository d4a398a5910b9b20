// Package queue implements the durable ticket store that routes work to
// hooks. Tickets live in a single SQLite table; all state transitions
// are compare-and-set on the current status so concurrent claimers and
// the janitor cannot trample each other.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Ticket statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Target roles a ticket can be addressed to.
const (
	RoleRouter     = "router"
	RoleWorker     = "worker"
	RoleSupervisor = "supervisor"
	RoleGatekeeper = "gatekeeper"
)

var (
	// ErrNotFound is returned when a ticket id does not exist.
	ErrNotFound = errors.New("ticket not found")
	// ErrNotProcessing is returned when a transition requires the ticket
	// to be processing and it is not. Completion from any other state is
	// a hard error so zombie handlers cannot silently resurrect work.
	ErrNotProcessing = errors.New("ticket is not processing")
)

// Ticket is one unit of routed work. Null timestamp columns come back
// as zero time.Time values; Output is nil when no output was stored.
type Ticket struct {
	ID            string
	BeadID        string
	Status        string
	Priority      int
	Role          string
	AssigneeID    string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	HeartbeatAt   time.Time
	RetryCount    int
	Output        []byte
	NextAttemptAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	bead_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 2,
	target_role TEXT NOT NULL,
	assignee_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	heartbeat_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	output TEXT,
	next_attempt_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tickets_claim ON tickets(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tickets_bead ON tickets(bead_id);
`

// Queue provides SQLite-backed persistence for tickets. A single
// process owns the database; writes are serialized by the driver.
type Queue struct {
	db *sql.DB
}

// Open creates or opens the ticket database at the given path and
// ensures the schema exists.
func Open(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}

	return &Queue{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	// Add next_attempt_at if it doesn't exist (databases created before
	// retry backoff was introduced).
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tickets') WHERE name = 'next_attempt_at'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check next_attempt_at column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE tickets ADD COLUMN next_attempt_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add next_attempt_at column: %w", err)
		}
	}

	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tickets') WHERE name = 'retry_count'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check retry_count column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE tickets ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add retry_count column: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (q *Queue) DB() *sql.DB {
	return q.db
}

// Enqueue creates a new queued ticket and returns its id. Uniqueness of
// active tickets per bead is the caller's responsibility.
func (q *Queue) Enqueue(beadID string, priority int, role string) (string, error) {
	if beadID == "" {
		return "", fmt.Errorf("queue: enqueue: bead id is required")
	}
	if priority < 0 || priority > 3 {
		return "", fmt.Errorf("queue: enqueue: priority %d out of range 0..3", priority)
	}
	switch role {
	case RoleRouter, RoleWorker, RoleSupervisor, RoleGatekeeper:
	default:
		return "", fmt.Errorf("queue: enqueue: unknown role %q", role)
	}

	id := uuid.NewString()
	_, err := q.db.Exec(
		`INSERT INTO tickets (id, bead_id, status, priority, target_role, created_at) VALUES (?, ?, 'queued', ?, ?, ?)`,
		id, beadID, priority, role, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically takes the oldest highest-priority queued ticket for
// the role whose backoff window has passed, marks it processing, and
// stamps the assignee. Returns nil when nothing is claimable.
func (q *Queue) Claim(assigneeID, role string) (*Ticket, error) {
	now := time.Now().UnixMilli()
	for {
		row := q.db.QueryRow(
			`SELECT `+ticketCols+` FROM tickets
			 WHERE status = 'queued' AND target_role = ? AND next_attempt_at <= ?
			 ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`,
			role, now,
		)
		t, err := scanTicket(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}

		res, err := q.db.Exec(
			`UPDATE tickets SET status = 'processing', assignee_id = ?, started_at = ?, heartbeat_at = ? WHERE id = ? AND status = 'queued'`,
			assigneeID, now, now, t.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}
		if n == 0 {
			// Lost the race to another claimer; try the next candidate.
			continue
		}

		t.Status = StatusProcessing
		t.AssigneeID = assigneeID
		t.StartedAt = time.UnixMilli(now)
		t.HeartbeatAt = time.UnixMilli(now)
		return t, nil
	}
}

// Heartbeat advances a processing ticket's heartbeat. Silent no-op for
// any other status.
func (q *Queue) Heartbeat(ticketID string) error {
	_, err := q.db.Exec(
		`UPDATE tickets SET heartbeat_at = ? WHERE id = ? AND status = 'processing'`,
		time.Now().UnixMilli(), ticketID,
	)
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	return nil
}

// Complete transitions a processing ticket to completed. A nil output
// preserves whatever is already stored; the first stored output wins
// because completed tickets never re-enter processing. Completing a
// ticket that is not processing returns ErrNotProcessing and leaves
// the stored output untouched.
func (q *Queue) Complete(ticketID string, output []byte) error {
	var out any
	if output != nil {
		out = string(output)
	}
	res, err := q.db.Exec(
		`UPDATE tickets SET status = 'completed', completed_at = ?, output = COALESCE(?, output) WHERE id = ? AND status = 'processing'`,
		time.Now().UnixMilli(), out, ticketID,
	)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	if n == 0 {
		return q.statusError("complete", ticketID)
	}
	return nil
}

// Fail handles a handler failure. Permanent failures park the ticket in
// failed; otherwise the ticket goes back to queued with a cleared
// assignee, an incremented retry count, and a backoff gate on the next
// claim. Both paths require the ticket to be processing.
func (q *Queue) Fail(ticketID string, permanent bool) error {
	now := time.Now().UnixMilli()

	if permanent {
		res, err := q.db.Exec(
			`UPDATE tickets SET status = 'failed', completed_at = ? WHERE id = ? AND status = 'processing'`,
			now, ticketID,
		)
		if err != nil {
			return fmt.Errorf("queue: fail: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("queue: fail: %w", err)
		}
		if n == 0 {
			return q.statusError("fail", ticketID)
		}
		return nil
	}

	var retries int
	err := q.db.QueryRow(`SELECT retry_count FROM tickets WHERE id = ?`, ticketID).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue: fail %s: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}

	next := now + backoffDelay(retries+1).Milliseconds()
	res, err := q.db.Exec(
		`UPDATE tickets
		 SET status = 'queued', assignee_id = NULL, started_at = NULL, heartbeat_at = NULL,
		     retry_count = retry_count + 1, next_attempt_at = ?
		 WHERE id = ? AND status = 'processing'`,
		next, ticketID,
	)
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	if n == 0 {
		return q.statusError("fail", ticketID)
	}
	return nil
}

// ReleaseStalled re-queues every processing ticket whose heartbeat is
// older than the timeout, applying the same transformation as a
// non-permanent Fail. Runs in a single transaction and returns the
// number released.
func (q *Queue) ReleaseStalled(timeout time.Duration) (int, error) {
	now := time.Now().UnixMilli()
	cutoff := now - timeout.Milliseconds()

	tx, err := q.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("queue: release stalled: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, retry_count FROM tickets WHERE status = 'processing' AND heartbeat_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: release stalled: %w", err)
	}

	type stalled struct {
		id      string
		retries int
	}
	var found []stalled
	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.id, &s.retries); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue: release stalled: %w", err)
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("queue: release stalled: %w", err)
	}
	rows.Close()

	for _, s := range found {
		next := now + backoffDelay(s.retries+1).Milliseconds()
		_, err := tx.Exec(
			`UPDATE tickets
			 SET status = 'queued', assignee_id = NULL, started_at = NULL, heartbeat_at = NULL,
			     retry_count = retry_count + 1, next_attempt_at = ?
			 WHERE id = ?`,
			next, s.id,
		)
		if err != nil {
			return 0, fmt.Errorf("queue: release stalled: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queue: release stalled: %w", err)
	}
	return len(found), nil
}

// FailExhausted parks queued tickets for a role that have burned
// through their retry budget. Returns the number failed.
func (q *Queue) FailExhausted(role string, maxRetries int) (int, error) {
	if maxRetries <= 0 {
		return 0, nil
	}
	res, err := q.db.Exec(
		`UPDATE tickets SET status = 'failed', completed_at = ? WHERE status = 'queued' AND target_role = ? AND retry_count >= ?`,
		time.Now().UnixMilli(), role, maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: fail exhausted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: fail exhausted: %w", err)
	}
	return int(n), nil
}

// GetTicket returns a ticket by id.
func (q *Queue) GetTicket(ticketID string) (*Ticket, error) {
	row := q.db.QueryRow(`SELECT `+ticketCols+` FROM tickets WHERE id = ?`, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue: get ticket %s: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get ticket: %w", err)
	}
	return t, nil
}

// GetActiveTicket returns the bead's ticket in {queued, processing},
// or nil if it has none.
func (q *Queue) GetActiveTicket(beadID string) (*Ticket, error) {
	row := q.db.QueryRow(
		`SELECT `+ticketCols+` FROM tickets WHERE bead_id = ? AND status IN ('queued', 'processing') ORDER BY created_at DESC, id DESC LIMIT 1`,
		beadID,
	)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get active ticket: %w", err)
	}
	return t, nil
}

// GetOutput returns the bead's most recently stored output across its
// completed tickets, nil if none stored one. Ties on completed_at break
// by ticket id. Tickets completed without an output (gatekeeper settles,
// janitor zombie completions) do not shadow an earlier worker report.
func (q *Queue) GetOutput(beadID string) ([]byte, error) {
	var output string
	err := q.db.QueryRow(
		`SELECT output FROM tickets WHERE bead_id = ? AND status = 'completed' AND output IS NOT NULL ORDER BY completed_at DESC, id DESC LIMIT 1`,
		beadID,
	).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get output: %w", err)
	}
	return []byte(output), nil
}

// GetLatestCompleted returns the bead's most recently completed ticket,
// or nil if none exists. The janitor uses this for its grace window.
func (q *Queue) GetLatestCompleted(beadID string) (*Ticket, error) {
	row := q.db.QueryRow(
		`SELECT `+ticketCols+` FROM tickets WHERE bead_id = ? AND status = 'completed' ORDER BY completed_at DESC, id DESC LIMIT 1`,
		beadID,
	)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get latest completed: %w", err)
	}
	return t, nil
}

// GetProcessing returns all processing tickets.
func (q *Queue) GetProcessing() ([]Ticket, error) {
	return q.queryTickets(`SELECT ` + ticketCols + ` FROM tickets WHERE status = 'processing' ORDER BY started_at ASC, id ASC`)
}

// GetTicketsByBead returns every ticket for a bead, oldest first.
func (q *Queue) GetTicketsByBead(beadID string) ([]Ticket, error) {
	return q.queryTickets(`SELECT `+ticketCols+` FROM tickets WHERE bead_id = ? ORDER BY created_at ASC, id ASC`, beadID)
}

// GetPendingCount counts queued tickets for a role, including those
// still inside their backoff window. Pool scaling keys off this.
func (q *Queue) GetPendingCount(role string) (int, error) {
	var count int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE status = 'queued' AND target_role = ?`, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue: get pending count: %w", err)
	}
	return count, nil
}

// GetCounts returns ticket counts grouped by status.
func (q *Queue) GetCounts() (map[string]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: get counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: get counts: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: get counts: %w", err)
	}
	return counts, nil
}

// ResetBead deletes all tickets for a bead and returns the number
// deleted. Admin and CLI use only.
func (q *Queue) ResetBead(beadID string) (int, error) {
	res, err := q.db.Exec(`DELETE FROM tickets WHERE bead_id = ?`, beadID)
	if err != nil {
		return 0, fmt.Errorf("queue: reset bead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reset bead: %w", err)
	}
	return int(n), nil
}

// ResetAll deletes every ticket and returns the number deleted. Admin
// and CLI use only.
func (q *Queue) ResetAll() (int, error) {
	res, err := q.db.Exec(`DELETE FROM tickets`)
	if err != nil {
		return 0, fmt.Errorf("queue: reset all: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reset all: %w", err)
	}
	return int(n), nil
}

const ticketCols = `id, bead_id, status, priority, target_role, assignee_id, created_at, started_at, completed_at, heartbeat_at, retry_count, output, next_attempt_at`

func (q *Queue) queryTickets(query string, args ...any) ([]Ticket, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: query tickets: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: query tickets: %w", err)
	}
	return tickets, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var (
		t         Ticket
		assignee  sql.NullString
		createdMs int64
		started   sql.NullInt64
		completed sql.NullInt64
		heartbeat sql.NullInt64
		output    sql.NullString
		nextMs    int64
	)
	err := row.Scan(&t.ID, &t.BeadID, &t.Status, &t.Priority, &t.Role, &assignee, &createdMs, &started, &completed, &heartbeat, &t.RetryCount, &output, &nextMs)
	if err != nil {
		return nil, err
	}

	t.AssigneeID = assignee.String
	t.CreatedAt = time.UnixMilli(createdMs)
	if started.Valid {
		t.StartedAt = time.UnixMilli(started.Int64)
	}
	if completed.Valid {
		t.CompletedAt = time.UnixMilli(completed.Int64)
	}
	if heartbeat.Valid {
		t.HeartbeatAt = time.UnixMilli(heartbeat.Int64)
	}
	if output.Valid {
		t.Output = []byte(output.String)
	}
	if nextMs > 0 {
		t.NextAttemptAt = time.UnixMilli(nextMs)
	}
	return &t, nil
}

// statusError reports why a compare-and-set transition matched no rows.
func (q *Queue) statusError(op, ticketID string) error {
	var status string
	err := q.db.QueryRow(`SELECT status FROM tickets WHERE id = ?`, ticketID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue: %s %s: %w", op, ticketID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("queue: %s %s: %w", op, ticketID, err)
	}
	return fmt.Errorf("queue: %s %s from %q: %w", op, ticketID, status, ErrNotProcessing)
}
