package index

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/temporal"
)

// driverName registers a sqlite3 driver variant whose connections carry the
// MKB SQL functions used by compiled queries.
const driverName = "sqlite3_mkb"

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				// Decay arithmetic runs in Go: SQLite's pow() is not
				// guaranteed to be compiled in.
				if err := conn.RegisterFunc("mkb_eff_confidence", effConfidenceFunc, true); err != nil {
					return err
				}
				return conn.RegisterFunc("mkb_freshness", freshnessFunc, true)
			},
		})
	})
}

// effConfidenceFunc evaluates confidence * 2^(-age/half_life) with the 0.1
// floor clamping to zero. halfLifeHours <= 0 means never.
func effConfidenceFunc(confidence float64, observedAt string, halfLifeHours float64, now string) float64 {
	t0, err := time.Parse(time.RFC3339, observedAt)
	if err != nil {
		return 0
	}
	tn, err := time.Parse(time.RFC3339, now)
	if err != nil {
		return 0
	}
	half := temporal.Never
	if halfLifeHours > 0 {
		half = time.Duration(halfLifeHours * float64(time.Hour))
	}
	return temporal.EffectiveConfidence(confidence, t0, half, tn)
}

// freshnessFunc evaluates 1 - min(1, age/hard_expiry). hardExpiryHours <= 0
// means never.
func freshnessFunc(observedAt string, hardExpiryHours float64, now string) float64 {
	t0, err := time.Parse(time.RFC3339, observedAt)
	if err != nil {
		return 0
	}
	tn, err := time.Parse(time.RFC3339, now)
	if err != nil {
		return 0
	}
	hard := temporal.Never
	if hardExpiryHours > 0 {
		hard = time.Duration(hardExpiryHours * float64(time.Hour))
	}
	return temporal.Freshness(t0, hard, tn)
}

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id                 TEXT PRIMARY KEY,
	logical_id         TEXT NOT NULL,
	doc_type           TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	path               TEXT NOT NULL DEFAULT '',
	observed_at        TEXT NOT NULL,
	valid_until        TEXT NOT NULL,
	temporal_precision TEXT NOT NULL,
	occurred_at        TEXT,
	created_at         TEXT NOT NULL,
	modified_at        TEXT NOT NULL,
	confidence         REAL NOT NULL DEFAULT 1.0,
	source             TEXT,
	source_hash        TEXT,
	provenance         TEXT,
	supersedes         TEXT,
	superseded_by      TEXT,
	superseded_at      TEXT,
	tags               TEXT NOT NULL DEFAULT '[]',
	body               TEXT NOT NULL DEFAULT '',
	embed_dirty        INTEGER NOT NULL DEFAULT 1,
	stale              INTEGER NOT NULL DEFAULT 0,
	archived           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_documents_type          ON documents(doc_type);
CREATE INDEX IF NOT EXISTS idx_documents_logical       ON documents(logical_id);
CREATE INDEX IF NOT EXISTS idx_documents_modified_at   ON documents(modified_at);
CREATE INDEX IF NOT EXISTS idx_documents_observed_at   ON documents(observed_at);
CREATE INDEX IF NOT EXISTS idx_documents_valid_until   ON documents(valid_until);
CREATE INDEX IF NOT EXISTS idx_documents_precision     ON documents(temporal_precision);
CREATE INDEX IF NOT EXISTS idx_documents_superseded_by ON documents(superseded_by);
CREATE INDEX IF NOT EXISTS idx_documents_current
	ON documents(doc_type, valid_until) WHERE superseded_by IS NULL;
CREATE INDEX IF NOT EXISTS idx_documents_timeline
	ON documents(doc_type, observed_at DESC);

CREATE TABLE IF NOT EXISTS field_values (
	doc_id     TEXT NOT NULL,
	field_name TEXT NOT NULL,
	field_type TEXT NOT NULL,
	value_text TEXT,
	value_num  REAL,
	PRIMARY KEY (doc_id, field_name)
);

CREATE INDEX IF NOT EXISTS idx_field_values_text ON field_values(field_name, value_text);
CREATE INDEX IF NOT EXISTS idx_field_values_num  ON field_values(field_name, value_num);

CREATE TABLE IF NOT EXISTS field_arrays (
	doc_id     TEXT NOT NULL,
	field_name TEXT NOT NULL,
	value      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_field_arrays_value ON field_arrays(field_name, value);
CREATE INDEX IF NOT EXISTS idx_field_arrays_doc   ON field_arrays(doc_id);

CREATE TABLE IF NOT EXISTS links (
	source_id   TEXT NOT NULL,
	rel         TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	observed_at TEXT NOT NULL,
	metadata    TEXT,
	UNIQUE(source_id, rel, target_id)
);

CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_id);
CREATE INDEX IF NOT EXISTS idx_links_rel    ON links(rel);

CREATE TABLE IF NOT EXISTS document_versions (
	doc_id        TEXT NOT NULL,
	logical_id    TEXT NOT NULL,
	observed_at   TEXT NOT NULL,
	snapshot_hash TEXT NOT NULL,
	PRIMARY KEY (doc_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_versions_logical ON document_versions(logical_id, observed_at);

CREATE TABLE IF NOT EXISTS contradictions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	logical_id   TEXT NOT NULL,
	field        TEXT NOT NULL,
	winner_id    TEXT NOT NULL,
	loser_id     TEXT NOT NULL,
	winner_value TEXT,
	loser_value  TEXT,
	detected_at  TEXT NOT NULL,
	reviewed     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vectors (
	doc_id    TEXT NOT NULL,
	chunk_id  INTEGER NOT NULL,
	dim       INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	PRIMARY KEY (doc_id, chunk_id)
);
`

// Store is the SQLite-backed index. Exactly one writer at a time; readers
// run at WAL snapshot isolation.
type Store struct {
	conn *sql.DB

	// writeMu serialises every mutating transaction.
	writeMu sync.Mutex

	profiles temporal.Profiles
	now      func() time.Time
}

// Open opens (or creates) the index database at dsn and applies the schema.
func Open(dsn string, profiles temporal.Profiles) (*Store, error) {
	registerDriver()

	conn, err := sql.Open(driverName, dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", apperr.ErrIndexUnavailable)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", apperr.ErrIndexUnavailable)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply fts schema: %w", err)
	}
	if profiles == nil {
		profiles = temporal.DefaultProfiles()
	}
	return &Store{conn: conn, profiles: profiles, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Profiles exposes the decay table the store was opened with.
func (s *Store) Profiles() temporal.Profiles { return s.profiles }
