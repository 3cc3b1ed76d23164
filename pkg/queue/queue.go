// Package queue is the durable machine-translation work queue. It lives in a
// single SQLite table; workers in any number of processes claim batches with
// a conditional UPDATE that acts as a row-level compare-and-swap, and a
// crashed worker's rows become claimable again once their lock is stale.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/storage"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("queue: job not found")

// Status is the state of a queue row.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusIgnored    Status = "ignored"
)

// Job is one pending translation of a source string into a target language.
type Job struct {
	ID             int64
	SourceStringID int64 // 0 when the catalog row is not known yet
	ClientCode     string
	ResourceType   string
	Subject        string
	Variant        string
	StringKey      string
	SourceKeyHash  string
	SourceText     string
	SourceLang     string
	TargetLang     string
	Status         Status
	LockedBy       string
	LockedAt       time.Time
	Attempts       int
	RunAfter       time.Time
	Priority       int
	QueuedAt       time.Time
	LastError      string
	LastHTTPCode   int
}

// DedupeKey is the natural uniqueness key of a job: the string id and target
// when the string id is known, otherwise the full scope, hash and target.
func (j Job) DedupeKey() string {
	if j.SourceStringID > 0 {
		return "s:" + strconv.FormatInt(j.SourceStringID, 10) + ":" + j.TargetLang
	}
	return "k:" + strings.Join([]string{
		j.ClientCode, j.ResourceType, j.Subject, j.Variant, j.SourceKeyHash, j.TargetLang,
	}, "|")
}

// Fields returns the job as log fields.
func (j Job) Fields() logrus.Fields {
	return logrus.Fields{
		"job_id":    j.ID,
		"string_id": j.SourceStringID,
		"client":    j.ClientCode,
		"type":      j.ResourceType,
		"subject":   j.Subject,
		"variant":   j.Variant,
		"key":       j.StringKey,
		"target":    j.TargetLang,
		"attempts":  j.Attempts,
	}
}

// Failure describes why a job did not succeed.
type Failure struct {
	Attempts int
	Error    string
	HTTPCode int
}

// Queue is the job table handle.
type Queue struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// Option customises a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Default: logrus.New().
func WithLogger(l *logrus.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New returns a Queue over a migrated database.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{db: db, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = logrus.New()
	}
	return q
}

const jobColumns = `id, COALESCE(source_string_id, 0), client_code, resource_type, subject,
	COALESCE(variant, ''), string_key, source_key_hash, source_text,
	source_language_code_google, target_language_code_google, status,
	COALESCE(locked_by, ''), COALESCE(locked_at, 0), attempts, run_after, priority,
	queued_at, COALESCE(last_error, ''), COALESCE(last_http_code, 0)`

const enqueueSQL = `INSERT INTO translation_queue (
	dedupe_key, source_string_id, client_code, resource_type, subject, variant,
	string_key, source_key_hash, source_text, source_language_code_google,
	target_language_code_google, status, attempts, run_after, priority, queued_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)
ON CONFLICT (dedupe_key) DO UPDATE SET
	run_after = MIN(translation_queue.run_after, excluded.run_after),
	priority  = MAX(translation_queue.priority, excluded.priority)`

func (q *Queue) enqueueArgs(j Job, now time.Time) ([]any, error) {
	if j.TargetLang == "" || j.SourceKeyHash == "" || j.ClientCode == "" || j.ResourceType == "" || j.Subject == "" {
		return nil, fmt.Errorf("queue: enqueue: incomplete job %q", j.DedupeKey())
	}
	runAfter := j.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	var stringID sql.NullInt64
	if j.SourceStringID > 0 {
		stringID = sql.NullInt64{Int64: j.SourceStringID, Valid: true}
	}
	return []any{
		j.DedupeKey(), stringID, j.ClientCode, j.ResourceType, j.Subject, nullable(j.Variant),
		j.StringKey, j.SourceKeyHash, j.SourceText, j.SourceLang,
		j.TargetLang, runAfter.Unix(), j.Priority, now.Unix(),
	}, nil
}

// Enqueue adds a job. Enqueueing a job whose dedupe key already exists is a
// no-op apart from moving run_after earlier and priority higher when the new
// values are more eager. The existing status is left alone, so a failed job
// stays failed.
func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	args, err := q.enqueueArgs(j, q.now())
	if err != nil {
		return err
	}
	if _, err := storage.Exec(ctx, q.db, enqueueSQL, args...); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", j.DedupeKey(), err)
	}
	return nil
}

// EnqueueBatch enqueues jobs in one transaction.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := q.now()
	all := make([][]any, 0, len(jobs))
	for _, j := range jobs {
		args, err := q.enqueueArgs(j, now)
		if err != nil {
			return err
		}
		all = append(all, args)
	}
	err := storage.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, enqueueSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, args := range all {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue batch of %d: %w", len(jobs), err)
	}
	q.logger.WithField("jobs", len(jobs)).Debug("Enqueued translation jobs")
	return nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id int64) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM translation_queue WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %d: %w", id, err)
	}
	return j, nil
}

// Delete removes a job. It is the success path.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	if _, err := storage.Exec(ctx, q.db, `DELETE FROM translation_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: delete %d: %w", id, err)
	}
	return nil
}

// Requeue returns a job to the queued state, clears its lock and delays it.
func (q *Queue) Requeue(ctx context.Context, id int64, delay time.Duration, f Failure) error {
	runAfter := q.now().Add(delay).Unix()
	_, err := storage.Exec(ctx, q.db,
		`UPDATE translation_queue
		 SET status = 'queued', locked_by = NULL, locked_at = NULL,
		     attempts = ?, run_after = ?, last_error = ?, last_http_code = ?
		 WHERE id = ?`,
		f.Attempts, runAfter, nullable(f.Error), nullableCode(f.HTTPCode), id)
	if err != nil {
		return fmt.Errorf("queue: requeue %d: %w", id, err)
	}
	return nil
}

// MarkFailed dead-letters a job. Failed jobs are never retried
// automatically.
func (q *Queue) MarkFailed(ctx context.Context, id int64, f Failure) error {
	_, err := storage.Exec(ctx, q.db,
		`UPDATE translation_queue
		 SET status = 'failed', locked_by = NULL, locked_at = NULL,
		     attempts = ?, last_error = ?, last_http_code = ?
		 WHERE id = ?`,
		f.Attempts, nullable(f.Error), nullableCode(f.HTTPCode), id)
	if err != nil {
		return fmt.Errorf("queue: mark failed %d: %w", id, err)
	}
	return nil
}

// MarkIgnored parks a queued job whose key is excluded from translation. It
// reports false when the row is no longer queued, e.g. because another
// worker locked it first.
func (q *Queue) MarkIgnored(ctx context.Context, id int64, reason string) (bool, error) {
	res, err := storage.Exec(ctx, q.db,
		`UPDATE translation_queue
		 SET status = 'ignored', locked_by = NULL, locked_at = NULL, last_error = ?
		 WHERE id = ? AND status = 'queued'`,
		nullable(reason), id)
	if err != nil {
		return false, fmt.Errorf("queue: mark ignored %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: mark ignored %d: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseStale returns processing rows whose lock is older than stale to the
// queued state and reports how many were released.
func (q *Queue) ReleaseStale(ctx context.Context, stale time.Duration) (int64, error) {
	cutoff := q.now().Add(-stale).Unix()
	res, err := storage.Exec(ctx, q.db,
		`UPDATE translation_queue
		 SET status = 'queued', locked_by = NULL, locked_at = NULL
		 WHERE status = 'processing' AND locked_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: release stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: release stale: %w", err)
	}
	if n > 0 {
		q.logger.WithFields(logrus.Fields{
			"released":  n,
			"stale_for": stale.String(),
		}).Warn("Released stale translation jobs")
	}
	return n, nil
}

// Stats counts rows per status.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Ignored    int `json:"ignored"`
	// Eligible is the number of queued rows whose run_after has passed.
	Eligible int `json:"eligible"`
}

// Total is the number of rows in the table.
func (s Stats) Total() int { return s.Queued + s.Processing + s.Failed + s.Ignored }

// Stats returns the current row counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM translation_queue GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, fmt.Errorf("queue: stats: %w", err)
		}
		switch status {
		case StatusQueued:
			s.Queued = n
		case StatusProcessing:
			s.Processing = n
		case StatusFailed:
			s.Failed = n
		case StatusIgnored:
			s.Ignored = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("queue: stats: %w", err)
	}

	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM translation_queue WHERE status = 'queued' AND run_after <= ?`,
		q.now().Unix()).Scan(&s.Eligible)
	if err != nil {
		return s, fmt.Errorf("queue: stats eligible: %w", err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(r scanner) (*Job, error) {
	var j Job
	var lockedAt, runAfter, queuedAt int64
	err := r.Scan(&j.ID, &j.SourceStringID, &j.ClientCode, &j.ResourceType, &j.Subject,
		&j.Variant, &j.StringKey, &j.SourceKeyHash, &j.SourceText,
		&j.SourceLang, &j.TargetLang, &j.Status,
		&j.LockedBy, &lockedAt, &j.Attempts, &runAfter, &j.Priority,
		&queuedAt, &j.LastError, &j.LastHTTPCode)
	if err != nil {
		return nil, err
	}
	if lockedAt > 0 {
		j.LockedAt = time.Unix(lockedAt, 0)
	}
	j.RunAfter = time.Unix(runAfter, 0)
	j.QueuedAt = time.Unix(queuedAt, 0)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullableCode(code int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(code), Valid: code != 0}
}
