// Package query executes compiled MKQL plans against the index and formats
// the results, including the token-budgeted context assembly for LLM
// consumption.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/starford/mkb/internal/index"
)

// EmbeddingDim is the dimensionality every vector in the store carries.
const EmbeddingDim = 256

// Embedder turns text into vectors. The model, transport, and credentials
// live outside the core; only the dimension contract is owned here.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// MockEmbedder is the deterministic hash-based embedder used in tests and
// offline runs: identical text embeds identically, and no network is
// involved.
type MockEmbedder struct{}

func (MockEmbedder) Dim() int { return EmbeddingDim }

func (MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text)
	}
	return out, nil
}

// hashVector sums one SHA-256-derived vector per lower-cased word and
// normalises the sum to unit length. Texts sharing words produce correlated
// vectors, which is enough structure for threshold tests.
func hashVector(text string) []float32 {
	vec := make([]float32, EmbeddingDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(word))
		for i := 0; i < EmbeddingDim; i++ {
			bits := binary.LittleEndian.Uint32(sum[(i*4)%28:])
			vec[i] += float32(int32(bits%2001)-1000) / 1000
		}
	}
	var norm float64
	for _, f := range vec {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// CachedEmbedder memoises embeddings per text. Safe for concurrent use.
type CachedEmbedder struct {
	inner Embedder

	mu    sync.Mutex
	cache map[string][]float32
}

// NewCachedEmbedder wraps inner with an in-process cache.
func NewCachedEmbedder(inner Embedder) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: map[string][]float32{}}
}

func (c *CachedEmbedder) Dim() int { return c.inner.Dim() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.Lock()
	for i, t := range texts {
		if v, ok := c.cache[t]; ok {
			out[i] = v
		} else {
			missing = append(missing, t)
			missingIdx = append(missingIdx, i)
		}
	}
	c.mu.Unlock()

	if len(missing) > 0 {
		fresh, err := c.inner.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for i, v := range fresh {
			c.cache[missing[i]] = v
			out[missingIdx[i]] = v
		}
		c.mu.Unlock()
	}
	return out, nil
}

// Refresher drives the embedding dirty bits: it batches dirty documents,
// embeds their content, and flushes the vectors at transaction commit.
type Refresher struct {
	store    *index.Store
	embedder Embedder
	// BatchSize bounds one refresh pass; FlushEvery is the idle cadence.
	BatchSize  int
	FlushEvery time.Duration
}

// NewRefresher wires a refresher over the store and embedder.
func NewRefresher(store *index.Store, embedder Embedder) *Refresher {
	return &Refresher{store: store, embedder: embedder, BatchSize: 32, FlushEvery: 2 * time.Second}
}

// RefreshOnce embeds up to BatchSize dirty documents and returns how many
// were processed.
func (r *Refresher) RefreshOnce(ctx context.Context) (int, error) {
	ids, err := r.store.DirtyEmbeddings(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		rs, err := r.store.ExecuteSQL(ctx, `SELECT title, body FROM documents WHERE id = ?`, []any{id})
		if err != nil {
			return 0, err
		}
		if len(rs.Rows) == 0 {
			continue
		}
		title, _ := rs.Rows[0][0].(string)
		body, _ := rs.Rows[0][1].(string)

		chunks := chunkText(title + "\n" + body)
		vectors, err := r.embedder.Embed(ctx, chunks)
		if err != nil {
			return 0, err
		}
		if err := r.store.UpsertVectors(ctx, id, vectors); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Run refreshes on the flush cadence until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.FlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.RefreshOnce(ctx)
		}
	}
}

// chunkText splits content into paragraph-bounded chunks of at most ~1200
// characters so long bodies embed piecewise.
func chunkText(text string) []string {
	const maxChunk = 1200
	paras := strings.Split(text, "\n\n")
	var chunks []string
	var cur strings.Builder
	for _, p := range paras {
		if cur.Len() > 0 && cur.Len()+len(p) > maxChunk {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if strings.TrimSpace(cur.String()) != "" {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
