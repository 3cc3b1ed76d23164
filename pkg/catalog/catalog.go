// Package catalog maintains the content-addressed string catalog: clients,
// resources, source strings keyed by the SHA-1 of their text, and the
// per-language translations of those strings.
//
// Every ensure operation is safe under concurrent writers. Rows are looked up
// by natural key, inserted with duplicate-ignore when missing, and then read
// back, so racing callers converge on the same id without an application
// lock.
package catalog

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/storage"
)

// ErrInvalidInput is returned when a natural key is incomplete.
var ErrInvalidInput = errors.New("catalog: invalid input")

// batchSize bounds the number of bound parameters per IN (...) query.
const batchSize = 400

// KeyHash returns the content address of a source text: the hex SHA-1 of the
// text with surrounding whitespace removed.
func KeyHash(text string) string {
	sum := sha1.Sum([]byte(Canonical(text)))
	return hex.EncodeToString(sum[:])
}

// Canonical is the form of a source text that KeyHash addresses.
func Canonical(text string) string { return strings.TrimSpace(text) }

// Scope names the client and resource a string belongs to.
type Scope struct {
	ClientCode    string
	ClientVariant string
	ResourceType  string
	Subject       string
	Variant       string
}

// Fields returns the scope as log fields.
func (s Scope) Fields() logrus.Fields {
	return logrus.Fields{
		"client":  s.ClientCode,
		"type":    s.ResourceType,
		"subject": s.Subject,
		"variant": s.Variant,
	}
}

// Store is the catalog over a migrated database.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: logrus.New().
func WithLogger(l *logrus.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New returns a Store over db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// nullable maps the empty string to SQL NULL.
func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// EnsureClient returns the id of the (code, variant) client, creating it on
// first use. An empty variant is stored as NULL.
func (s *Store) EnsureClient(ctx context.Context, code, variant string) (int64, error) {
	if code == "" {
		return 0, fmt.Errorf("%w: empty client code", ErrInvalidInput)
	}
	const sel = `SELECT client_id FROM clients WHERE client_code = ? AND variant IS ?`
	const ins = `INSERT OR IGNORE INTO clients (client_code, variant, created_at) VALUES (?, ?, ?)`

	id, err := s.ensureRow(ctx, sel, ins,
		[]any{code, nullable(variant)},
		[]any{code, nullable(variant), s.now().Unix()})
	if err != nil {
		return 0, fmt.Errorf("catalog: ensure client %q: %w", code, err)
	}
	return id, nil
}

// EnsureResource returns the id of the (type, subject, variant) resource,
// creating it on first use. Variants compare NULL-safely.
func (s *Store) EnsureResource(ctx context.Context, resourceType, subject, variant string) (int64, error) {
	if resourceType == "" || subject == "" {
		return 0, fmt.Errorf("%w: resource type and subject are required", ErrInvalidInput)
	}
	const sel = `SELECT resource_id FROM resources WHERE type = ? AND subject = ? AND variant IS ?`
	const ins = `INSERT OR IGNORE INTO resources (type, subject, variant, created_at) VALUES (?, ?, ?, ?)`

	id, err := s.ensureRow(ctx, sel, ins,
		[]any{resourceType, subject, nullable(variant)},
		[]any{resourceType, subject, nullable(variant), s.now().Unix()})
	if err != nil {
		return 0, fmt.Errorf("catalog: ensure resource %s/%s: %w", resourceType, subject, err)
	}
	return id, nil
}

// Resolve ensures both halves of a scope.
func (s *Store) Resolve(ctx context.Context, scope Scope) (clientID, resourceID int64, err error) {
	clientID, err = s.EnsureClient(ctx, scope.ClientCode, scope.ClientVariant)
	if err != nil {
		return 0, 0, err
	}
	resourceID, err = s.EnsureResource(ctx, scope.ResourceType, scope.Subject, scope.Variant)
	if err != nil {
		return 0, 0, err
	}
	return clientID, resourceID, nil
}

// ensureRow selects by natural key, inserts with duplicate-ignore when
// missing and always re-reads. LastInsertId is never trusted because a
// concurrent insert may have won.
func (s *Store) ensureRow(ctx context.Context, sel, ins string, selArgs, insArgs []any) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, sel, selArgs...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if _, err := storage.Exec(ctx, s.db, ins, insArgs...); err != nil && !storage.IsUniqueViolation(err) {
		return 0, err
	}

	if err := s.db.QueryRowContext(ctx, sel, selArgs...).Scan(&id); err != nil {
		return 0, fmt.Errorf("re-select after insert: %w", err)
	}
	return id, nil
}

// EnsureStringsBatch makes sure every text in texts (keyed by KeyHash) has a
// string row under (clientID, resourceID) and returns hash -> string id.
// Only hashes not already present are inserted, and english_text is only
// rewritten when it actually differs.
func (s *Store) EnsureStringsBatch(ctx context.Context, clientID, resourceID int64, texts map[string]string) (map[string]int64, error) {
	if len(texts) == 0 {
		return map[string]int64{}, nil
	}

	hashes := make([]string, 0, len(texts))
	for h := range texts {
		hashes = append(hashes, h)
	}

	existing, err := s.lookupStrings(ctx, clientID, resourceID, hashes)
	if err != nil {
		return nil, fmt.Errorf("catalog: lookup strings: %w", err)
	}

	var missing []string
	var changed []string
	for _, h := range hashes {
		row, ok := existing[h]
		switch {
		case !ok:
			missing = append(missing, h)
		case row.text != texts[h]:
			changed = append(changed, h)
		}
	}

	if len(missing) == 0 && len(changed) == 0 {
		return toIDs(existing), nil
	}

	now := s.now().Unix()
	err = storage.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, h := range missing {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO strings (client_id, resource_id, key_hash, english_text, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				clientID, resourceID, h, texts[h], now, now); err != nil {
				return fmt.Errorf("insert string %s: %w", h, err)
			}
		}
		for _, h := range changed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE strings SET english_text = ?, updated_at = ?
				 WHERE client_id = ? AND resource_id = ? AND key_hash = ? AND english_text <> ?`,
				texts[h], now, clientID, resourceID, h, texts[h]); err != nil {
				return fmt.Errorf("update string %s: %w", h, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: ensure strings: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"client_id":   clientID,
		"resource_id": resourceID,
		"inserted":    len(missing),
		"refreshed":   len(changed),
	}).Debug("Catalog strings ensured")

	rows, err := s.lookupStrings(ctx, clientID, resourceID, hashes)
	if err != nil {
		return nil, fmt.Errorf("catalog: re-select strings: %w", err)
	}
	if len(rows) != len(hashes) {
		return nil, fmt.Errorf("catalog: ensure strings: %d of %d rows visible after insert", len(rows), len(hashes))
	}
	return toIDs(rows), nil
}

// EnsureString is EnsureStringsBatch for a single text.
func (s *Store) EnsureString(ctx context.Context, clientID, resourceID int64, text string) (int64, error) {
	h := KeyHash(text)
	ids, err := s.EnsureStringsBatch(ctx, clientID, resourceID, map[string]string{h: text})
	if err != nil {
		return 0, err
	}
	return ids[h], nil
}

type stringRow struct {
	id   int64
	text string
}

func toIDs(rows map[string]stringRow) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for h, r := range rows {
		out[h] = r.id
	}
	return out
}

func (s *Store) lookupStrings(ctx context.Context, clientID, resourceID int64, hashes []string) (map[string]stringRow, error) {
	out := make(map[string]stringRow, len(hashes))
	for start := 0; start < len(hashes); start += batchSize {
		end := min(start+batchSize, len(hashes))
		chunk := hashes[start:end]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, clientID, resourceID)
		for _, h := range chunk {
			args = append(args, h)
		}
		query := `SELECT key_hash, string_id, english_text FROM strings
			WHERE client_id = ? AND resource_id = ? AND key_hash IN (` + placeholders(len(chunk)) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var h string
			var r stringRow
			if err := rows.Scan(&h, &r.id, &r.text); err != nil {
				rows.Close()
				return nil, err
			}
			out[h] = r
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
