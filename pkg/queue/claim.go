package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/storage"
)

// Scope is a soft ordering bias. Rows matching every non-empty field are
// claimed before other rows, but other rows are still claimed when the
// batch has room. It is never a filter.
type Scope struct {
	TargetLang   string
	ClientCode   string
	ResourceType string
	Subject      string
	Variant      string
}

// IsZero reports whether the scope biases nothing.
func (s Scope) IsZero() bool { return s == Scope{} }

// orderExpr returns an ORDER BY prefix that sorts matching rows first, and
// its arguments.
func (s Scope) orderExpr() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v string) {
		if v != "" {
			conds = append(conds, cond)
			args = append(args, v)
		}
	}
	add("target_language_code_google = ?", s.TargetLang)
	add("client_code = ?", s.ClientCode)
	add("resource_type = ?", s.ResourceType)
	add("subject = ?", s.Subject)
	add("variant IS ?", s.Variant)
	if len(conds) == 0 {
		return "", nil
	}
	return "CASE WHEN " + strings.Join(conds, " AND ") + " THEN 1 ELSE 0 END DESC, ", args
}

// eligible is the claim predicate. Lock re-checks it in the UPDATE so that a
// worker that lost the race for a row updates nothing.
//
// Arguments: now, cutoff, cutoff.
const eligible = `((status = 'queued' AND run_after <= ? AND (locked_at IS NULL OR locked_at < ?))
	OR (status = 'processing' AND locked_at < ?))`

// Candidates peeks at up to limit claimable rows ordered by scope bias, then
// priority descending, then age. Rows are not locked.
func (q *Queue) Candidates(ctx context.Context, limit int, stale time.Duration, scope Scope) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.now()
	cutoff := now.Add(-stale).Unix()

	bias, biasArgs := scope.orderExpr()
	query := `SELECT ` + jobColumns + ` FROM translation_queue
		WHERE ` + eligible + `
		ORDER BY ` + bias + `priority DESC, id ASC
		LIMIT ?`

	args := []any{now.Unix(), cutoff, cutoff}
	args = append(args, biasArgs...)
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: select candidates: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("queue: scan candidates: %w", err)
	}
	return jobs, nil
}

// Lock tries to claim ids for workerID and returns the rows it actually won.
// The UPDATE repeats the eligibility predicate, and the winners are read
// back by lock owner, so concurrent workers never share a row.
func (q *Queue) Lock(ctx context.Context, ids []int64, workerID string, stale time.Duration) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if workerID == "" {
		return nil, fmt.Errorf("queue: lock: empty worker id")
	}
	now := q.now()
	cutoff := now.Add(-stale).Unix()

	in := strings.Repeat("?,", len(ids)-1) + "?"
	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}

	update := `UPDATE translation_queue
		SET status = 'processing', locked_by = ?, locked_at = ?
		WHERE id IN (` + in + `) AND ` + eligible
	args := []any{workerID, now.Unix()}
	args = append(args, idArgs...)
	args = append(args, now.Unix(), cutoff, cutoff)

	if _, err := storage.Exec(ctx, q.db, update, args...); err != nil {
		return nil, fmt.Errorf("queue: lock: %w", err)
	}

	sel := `SELECT ` + jobColumns + ` FROM translation_queue
		WHERE locked_by = ? AND status = 'processing' AND id IN (` + in + `)
		ORDER BY id ASC`
	rows, err := q.db.QueryContext(ctx, sel, append([]any{workerID}, idArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("queue: select locked: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("queue: scan locked: %w", err)
	}

	if len(jobs) < len(ids) {
		q.logger.WithFields(logrus.Fields{
			"worker":    workerID,
			"requested": len(ids),
			"won":       len(jobs),
		}).Debug("Lost some rows to concurrent workers")
	}
	return jobs, nil
}

// ClaimBatch selects up to limit candidates and locks them for workerID.
func (q *Queue) ClaimBatch(ctx context.Context, limit int, workerID string, stale time.Duration, scope Scope) ([]Job, error) {
	candidates, err := q.Candidates(ctx, limit, stale, scope)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return q.Lock(ctx, ids, workerID, stale)
}
