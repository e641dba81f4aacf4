package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/starford/mkb/internal/apperr"
)

// busyRetries bounds the exponential backoff applied to SQLITE_BUSY.
const busyRetries = 4

// ResultSet holds the rows of one executed query in column order.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// ExecuteSQL runs a compiled, parameterised query at snapshot isolation and
// materialises the rows. Busy errors retry with bounded backoff; anything
// else surfaces unchanged.
func (s *Store) ExecuteSQL(ctx context.Context, query string, params []any) (*ResultSet, error) {
	var rows *sql.Rows
	var err error

	delay := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		rows, err = s.conn.QueryContext(ctx, query, params...)
		if err == nil {
			break
		}
		if !isBusy(err) || attempt >= busyRetries {
			if isBusy(err) {
				return nil, fmt.Errorf("index: query: %w", apperr.ErrDatabaseBusy)
			}
			return nil, fmt.Errorf("index: query: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, apperr.ErrCancelled
		case <-time.After(delay):
			delay *= 2
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("index: columns: %w", err)
	}

	out := &ResultSet{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: rows: %w", err)
	}
	return out, nil
}

// DocumentIDsByPath maps vault paths to ids for targeted reindexing.
func (s *Store) DocumentIDsByPath(ctx context.Context, paths []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		var id string
		err := s.conn.QueryRowContext(ctx, `SELECT id FROM documents WHERE path = ?`, p).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("index: id by path: %w", err)
		}
		out[p] = id
	}
	return out, nil
}

// PathByID resolves a document's vault path.
func (s *Store) PathByID(ctx context.Context, id string) (string, error) {
	var path string
	err := s.conn.QueryRowContext(ctx, `SELECT path FROM documents WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("index: id %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("index: path by id: %w", err)
	}
	return path, nil
}

// AllPaths returns the live document paths known to the index.
func (s *Store) AllPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT path FROM documents WHERE archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("index: all paths: %w", err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// ContentHashes returns path -> source_hash for incremental sync.
func (s *Store) ContentHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT path, COALESCE(source_hash, '') FROM documents WHERE archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("index: content hashes: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, rows.Err()
}

func isBusy(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}
