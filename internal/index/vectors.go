package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/starford/mkb/internal/apperr"
)

// UpsertVectors replaces a document's embedding chunks. Callers batch their
// writes; the whole replacement commits atomically and clears the dirty bit.
func (s *Store) UpsertVectors(ctx context.Context, docID string, chunks [][]float32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin vector tx: %w", apperr.ErrVectorStoreUnavailable)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM vectors WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("index: clear vectors: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO vectors (doc_id, chunk_id, dim, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare vector insert: %w", err)
	}
	defer stmt.Close()

	for i, chunk := range chunks {
		if _, err := stmt.Exec(docID, i, len(chunk), encodeVector(chunk)); err != nil {
			return fmt.Errorf("index: insert vector: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE documents SET embed_dirty = 0 WHERE id = ?`, docID); err != nil {
		return fmt.Errorf("index: clear dirty bit: %w", err)
	}
	return tx.Commit()
}

// KNN scans the stored vectors and returns the k nearest by cosine
// similarity, dropping hits below minCosine. The flat scan keeps the
// backend substitutable: an ANN library only has to implement the same
// Vectors interface.
func (s *Store) KNN(ctx context.Context, query []float32, k int, minCosine float64) ([]VectorHit, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT v.doc_id, v.chunk_id, v.embedding
		FROM vectors v
		JOIN documents d ON d.id = v.doc_id
		WHERE d.archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("index: knn scan: %w", apperr.ErrVectorStoreUnavailable)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, apperr.ErrCancelled
		}
		var docID string
		var chunkID int
		var blob []byte
		if err := rows.Scan(&docID, &chunkID, &blob); err != nil {
			return nil, err
		}
		vec := decodeVector(blob)
		if len(vec) != len(query) {
			continue
		}
		cos := cosine(query, vec)
		if cos < minCosine {
			continue
		}
		hits = append(hits, VectorHit{DocID: docID, ChunkID: chunkID, Cosine: cos})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Cosine > hits[j].Cosine })

	// Keep the best chunk per document.
	seen := map[string]struct{}{}
	var out []VectorHit
	for _, h := range hits {
		if _, dup := seen[h.DocID]; dup {
			continue
		}
		seen[h.DocID] = struct{}{}
		out = append(out, h)
		if k > 0 && len(out) == k {
			break
		}
	}
	return out, nil
}

// DeleteVectors removes every chunk stored for a document.
func (s *Store) DeleteVectors(ctx context.Context, docID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM vectors WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("index: delete vectors: %w", err)
	}
	return nil
}

// DirtyEmbeddings lists documents whose embeddings need refreshing.
func (s *Store) DirtyEmbeddings(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id FROM documents WHERE embed_dirty = 1 AND archived = 0 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("index: dirty embeddings: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
