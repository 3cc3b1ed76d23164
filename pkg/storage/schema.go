package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Table names are part of the contract with import tools and admin UIs.
const (
	TableClients      = "clients"
	TableResources    = "resources"
	TableStrings      = "strings"
	TableTranslations = "translations"
	TableQueue        = "translation_queue"
)

// Timestamps are stored as unix seconds.
const (
	createClients = `CREATE TABLE IF NOT EXISTS clients (
    client_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    client_code TEXT NOT NULL,
    variant     TEXT,
    created_at  INTEGER NOT NULL
);`

	createResources = `CREATE TABLE IF NOT EXISTS resources (
    resource_id INTEGER PRIMARY KEY AUTOINCREMENT,
    type        TEXT NOT NULL,
    subject     TEXT NOT NULL,
    variant     TEXT,
    created_at  INTEGER NOT NULL
);`

	createStrings = `CREATE TABLE IF NOT EXISTS strings (
    string_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id    INTEGER NOT NULL,
    resource_id  INTEGER NOT NULL,
    key_hash     TEXT NOT NULL,
    english_text TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    UNIQUE (client_id, resource_id, key_hash),
    FOREIGN KEY (client_id) REFERENCES clients(client_id),
    FOREIGN KEY (resource_id) REFERENCES resources(resource_id)
);`

	createTranslations = `CREATE TABLE IF NOT EXISTS translations (
    string_id            INTEGER NOT NULL,
    language_code_google TEXT NOT NULL,
    translated_text      TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'machine'
                         CHECK (status IN ('machine', 'review', 'approved')),
    source               TEXT NOT NULL DEFAULT '',
    updated_at           INTEGER NOT NULL,
    PRIMARY KEY (string_id, language_code_google),
    FOREIGN KEY (string_id) REFERENCES strings(string_id)
);`

	createQueue = `CREATE TABLE IF NOT EXISTS translation_queue (
    id                          INTEGER PRIMARY KEY AUTOINCREMENT,
    dedupe_key                  TEXT NOT NULL UNIQUE,
    source_string_id            INTEGER,
    client_code                 TEXT NOT NULL,
    resource_type               TEXT NOT NULL,
    subject                     TEXT NOT NULL,
    variant                     TEXT,
    string_key                  TEXT NOT NULL DEFAULT '',
    source_key_hash             TEXT NOT NULL,
    source_text                 TEXT NOT NULL,
    source_language_code_google TEXT NOT NULL,
    target_language_code_google TEXT NOT NULL,
    status                      TEXT NOT NULL DEFAULT 'queued'
                                CHECK (status IN ('queued', 'processing', 'failed', 'ignored')),
    locked_by                   TEXT,
    locked_at                   INTEGER,
    attempts                    INTEGER NOT NULL DEFAULT 0,
    run_after                   INTEGER NOT NULL,
    priority                    INTEGER NOT NULL DEFAULT 0,
    queued_at                   INTEGER NOT NULL,
    last_error                  TEXT,
    last_http_code              INTEGER
);`
)

const (
	idxClientsNatural   = `CREATE UNIQUE INDEX IF NOT EXISTS ux_clients_code_variant ON clients (client_code, COALESCE(variant, ''));`
	idxResourcesNatural = `CREATE UNIQUE INDEX IF NOT EXISTS ux_resources_natural ON resources (type, subject, COALESCE(variant, ''));`
	idxTranslationsLang = `CREATE INDEX IF NOT EXISTS idx_translations_lang ON translations (language_code_google);`
	idxQueueEligible    = `CREATE INDEX IF NOT EXISTS idx_queue_eligible ON translation_queue (status, run_after, priority);`
	idxQueueLocked      = `CREATE INDEX IF NOT EXISTS idx_queue_locked ON translation_queue (locked_by, status);`
)

var schemaDDL = []string{
	createClients,
	createResources,
	createStrings,
	createTranslations,
	createQueue,
	idxClientsNatural,
	idxResourcesNatural,
	idxTranslationsLang,
	idxQueueEligible,
	idxQueueLocked,
}

// Migrate creates every table and index. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}
