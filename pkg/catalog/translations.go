package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/dasmlab/textbundle/pkg/storage"
)

// Status is the review state of a translation.
type Status string

const (
	StatusMachine  Status = "machine"
	StatusReview   Status = "review"
	StatusApproved Status = "approved"
)

// Translation is one (string, language) row.
type Translation struct {
	StringID  int64
	Language  string
	Text      string
	Status    Status
	Source    string
	UpdatedAt time.Time
}

// FetchTranslations returns the translations of stringIDs into lang, keyed by
// string id. Ids without a row are absent from the result.
func (s *Store) FetchTranslations(ctx context.Context, stringIDs []int64, lang string) (map[int64]Translation, error) {
	out := make(map[int64]Translation, len(stringIDs))
	for start := 0; start < len(stringIDs); start += batchSize {
		end := min(start+batchSize, len(stringIDs))
		chunk := stringIDs[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, lang)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := `SELECT string_id, translated_text, status, source, updated_at FROM translations
			WHERE language_code_google = ? AND string_id IN (` + placeholders(len(chunk)) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("catalog: fetch translations: %w", err)
		}
		for rows.Next() {
			var t Translation
			var updated int64
			if err := rows.Scan(&t.StringID, &t.Text, &t.Status, &t.Source, &updated); err != nil {
				rows.Close()
				return nil, fmt.Errorf("catalog: scan translation: %w", err)
			}
			t.Language = lang
			t.UpdatedAt = time.Unix(updated, 0)
			out[t.StringID] = t
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: fetch translations: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// UpsertTranslation inserts or updates a translation. An approved row is
// only overwritten by another approved write; it reports whether a row was
// written.
func (s *Store) UpsertTranslation(ctx context.Context, t Translation) (bool, error) {
	if t.StringID <= 0 || t.Language == "" {
		return false, fmt.Errorf("%w: translation needs a string id and language", ErrInvalidInput)
	}
	if t.Status == "" {
		t.Status = StatusMachine
	}

	res, err := storage.Exec(ctx, s.db,
		`INSERT INTO translations (string_id, language_code_google, translated_text, status, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (string_id, language_code_google) DO UPDATE SET
		     translated_text = excluded.translated_text,
		     status          = excluded.status,
		     source          = excluded.source,
		     updated_at      = excluded.updated_at
		 WHERE translations.status <> 'approved' OR excluded.status = 'approved'`,
		t.StringID, t.Language, t.Text, string(t.Status), t.Source, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("catalog: upsert translation %d/%s: %w", t.StringID, t.Language, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("catalog: upsert translation rows affected: %w", err)
	}
	return n > 0, nil
}
