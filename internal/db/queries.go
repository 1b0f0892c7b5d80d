package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotQueued is returned when a job has no queue row.
	ErrNotQueued = errors.New("job not in queue")
	// ErrAlreadyQueued is returned by QueueAdd for a job that is already queued.
	ErrAlreadyQueued = errors.New("job already in queue")
	// ErrLeaseLost is returned when a lease is no longer held by the caller.
	ErrLeaseLost = errors.New("queue lease not held")
)

// JobEvent represents a row in the job_events table.
type JobEvent struct {
	ID        int    `json:"id"`
	JobID     string `json:"job_id"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StageRun represents a row in the stage_runs table.
type StageRun struct {
	ID         int
	JobID      string
	Kind       string
	Stage      string
	Attempt    int
	Tier       int
	TierName   string
	Outcome    string
	ErrorKind  string
	DurationMs int64
	Timestamp  string
}

// LogJobEvent inserts a job event.
func (d *DB) LogJobEvent(jobID, event, stage string, attempt int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO job_events (job_id, event, stage, attempt, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, event, stage, attempt, detail, d.stamp(),
	)
	if err != nil {
		return fmt.Errorf("log job event: %w", err)
	}
	return nil
}

// GetJobHistory returns all events for a job, newest first.
func (d *DB) GetJobHistory(jobID string) ([]JobEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, job_id, event, stage, attempt, detail, timestamp
		 FROM job_events WHERE job_id = ? ORDER BY timestamp DESC, id DESC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get job history: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		var stage, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Event, &stage, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		e.Stage = stage.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogStageRun records one finished stage attempt for analytics.
func (d *DB) LogStageRun(r StageRun) error {
	ts := r.Timestamp
	if ts == "" {
		ts = d.stamp()
	}
	var errKind any
	if r.ErrorKind != "" {
		errKind = r.ErrorKind
	}
	_, err := d.conn.Exec(
		`INSERT INTO stage_runs (job_id, kind, stage, attempt, tier, tier_name, outcome, error_kind, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Kind, r.Stage, r.Attempt, r.Tier, r.TierName, r.Outcome, errKind, r.DurationMs, ts,
	)
	if err != nil {
		return fmt.Errorf("log stage run: %w", err)
	}
	return nil
}

// GetStageRuns returns the runs recorded for a job, oldest first.
func (d *DB) GetStageRuns(jobID string) ([]StageRun, error) {
	rows, err := d.conn.Query(
		`SELECT id, job_id, kind, stage, attempt, tier, tier_name, outcome, error_kind, duration_ms, timestamp
		 FROM stage_runs WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get stage runs: %w", err)
	}
	defer rows.Close()

	var runs []StageRun
	for rows.Next() {
		var r StageRun
		var errKind sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.Kind, &r.Stage, &r.Attempt, &r.Tier, &r.TierName, &r.Outcome, &errKind, &r.DurationMs, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		r.ErrorKind = errKind.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Queue statuses.
const (
	QueuePending = "pending"
	QueueLeased  = "leased"
	QueueDone    = "done"
	QueueFailed  = "failed"
)

// QueueItem represents a row in the job_queue table.
type QueueItem struct {
	ID           int    `json:"id"`
	JobID        string `json:"job_id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
	Position     int    `json:"position"`
	LeaseOwner   string `json:"lease_owner,omitempty"`
	LeaseExpires string `json:"lease_expires,omitempty"`
	Leases       int    `json:"leases"`
	AddedAt      string `json:"added_at"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

// QueueAddItem holds a job id and its scheduling attributes for insertion.
type QueueAddItem struct {
	JobID    string
	Kind     string
	Priority int
}

const queueColumns = `id, job_id, kind, status, priority, position, lease_owner, lease_expires, leases, added_at, started_at, finished_at`

func scanQueueItem(scan func(...any) error) (*QueueItem, error) {
	var item QueueItem
	var owner, expires, startedAt, finishedAt sql.NullString
	if err := scan(&item.ID, &item.JobID, &item.Kind, &item.Status, &item.Priority, &item.Position,
		&owner, &expires, &item.Leases, &item.AddedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	item.LeaseOwner = owner.String
	item.LeaseExpires = expires.String
	item.StartedAt = startedAt.String
	item.FinishedAt = finishedAt.String
	return &item, nil
}

func nextPosition(tx *sql.Tx) (int, error) {
	var maxPos sql.NullInt64
	if err := tx.QueryRow("SELECT MAX(position) FROM job_queue").Scan(&maxPos); err != nil {
		return 0, fmt.Errorf("get max position: %w", err)
	}
	return int(maxPos.Int64) + 1, nil
}

// QueueAdd inserts jobs into the queue with sequential positions.
func (d *DB) QueueAdd(items []QueueAddItem) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	nextPos, err := nextPosition(tx)
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO job_queue (job_id, kind, priority, position, added_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := d.stamp()
	for _, item := range items {
		if _, err := stmt.Exec(item.JobID, item.Kind, item.Priority, nextPos, now); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("job %s: %w", item.JobID, ErrAlreadyQueued)
			}
			return fmt.Errorf("insert job %s: %w", item.JobID, err)
		}
		nextPos++
	}
	return tx.Commit()
}

// Enqueue makes a job pending. A finished row is reset to pending; a
// pending or leased row is left alone.
func (d *DB) Enqueue(jobID, kind string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	pos, err := nextPosition(tx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO job_queue (job_id, kind, position, added_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   status = 'pending', position = excluded.position, lease_owner = NULL,
		   lease_expires = NULL, finished_at = NULL
		 WHERE job_queue.status IN ('done', 'failed')`,
		jobID, kind, pos, d.stamp(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return tx.Commit()
}

// QueueList returns all queue items ordered by position.
func (d *DB) QueueList() ([]QueueItem, error) {
	rows, err := d.conn.Query(`SELECT ` + queueColumns + ` FROM job_queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// QueueGet returns the queue row for a job.
func (d *DB) QueueGet(jobID string) (*QueueItem, error) {
	item, err := scanQueueItem(d.conn.QueryRow(`SELECT `+queueColumns+` FROM job_queue WHERE job_id = ?`, jobID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotQueued)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// QueueLease claims the highest-priority pending job for owner until ttl
// elapses. It returns nil when nothing is pending.
func (d *DB) QueueLease(owner string, ttl time.Duration) (*QueueItem, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := scanQueueItem(tx.QueryRow(
		`SELECT ` + queueColumns + ` FROM job_queue WHERE status = 'pending'
		 ORDER BY priority DESC, position ASC LIMIT 1`).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get next queue item: %w", err)
	}

	now := d.now().UTC()
	item.Status = QueueLeased
	item.LeaseOwner = owner
	item.LeaseExpires = now.Add(ttl).Format(timeLayout)
	item.StartedAt = now.Format(timeLayout)
	item.Leases++
	if _, err := tx.Exec(
		`UPDATE job_queue SET status = 'leased', lease_owner = ?, lease_expires = ?, started_at = ?, leases = leases + 1
		 WHERE id = ? AND status = 'pending'`,
		item.LeaseOwner, item.LeaseExpires, item.StartedAt, item.ID,
	); err != nil {
		return nil, fmt.Errorf("lease queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return item, nil
}

// QueueRenew extends owner's lease on a job.
func (d *DB) QueueRenew(jobID, owner string, ttl time.Duration) error {
	expires := d.now().UTC().Add(ttl).Format(timeLayout)
	return d.leaseUpdate(jobID, owner,
		`UPDATE job_queue SET lease_expires = ? WHERE job_id = ? AND status = 'leased' AND lease_owner = ?`,
		expires, jobID, owner)
}

// QueueRelease returns a leased job to pending so another worker can take it.
func (d *DB) QueueRelease(jobID, owner string) error {
	return d.leaseUpdate(jobID, owner,
		`UPDATE job_queue SET status = 'pending', lease_owner = NULL, lease_expires = NULL
		 WHERE job_id = ? AND status = 'leased' AND lease_owner = ?`,
		jobID, owner)
}

// QueueFinish marks a leased job done or failed.
func (d *DB) QueueFinish(jobID, owner, status string) error {
	if status != QueueDone && status != QueueFailed {
		return fmt.Errorf("invalid finish status %q", status)
	}
	return d.leaseUpdate(jobID, owner,
		`UPDATE job_queue SET status = ?, lease_owner = NULL, lease_expires = NULL, finished_at = ?
		 WHERE job_id = ? AND status = 'leased' AND lease_owner = ?`,
		status, d.stamp(), jobID, owner)
}

func (d *DB) leaseUpdate(jobID, owner, query string, args ...any) error {
	res, err := d.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update lease for %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s owner %s: %w", jobID, owner, ErrLeaseLost)
	}
	return nil
}

// QueueReapExpired returns leased jobs whose lease has lapsed to pending. It
// returns the number of rows reaped.
func (d *DB) QueueReapExpired() (int, error) {
	res, err := d.conn.Exec(
		`UPDATE job_queue SET status = 'pending', lease_owner = NULL, lease_expires = NULL
		 WHERE status = 'leased' AND lease_expires <= ?`,
		d.stamp())
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// QueueRemove deletes a queue item by job id.
func (d *DB) QueueRemove(jobID string) error {
	res, err := d.conn.Exec("DELETE FROM job_queue WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotQueued)
	}
	return nil
}

// QueueClear deletes all items from the queue, returning the count deleted.
func (d *DB) QueueClear() (int, error) {
	res, err := d.conn.Exec("DELETE FROM job_queue")
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}
