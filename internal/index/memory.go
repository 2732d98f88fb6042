package index

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// tokenPattern splits query and chunk text into alphanumeric tokens.
// Hangul is included because handover documents are frequently Korean.
var tokenPattern = regexp.MustCompile(`[^0-9A-Za-z가-힣]+`)

// memEntry is one stored chunk plus its insertion sequence number, used for
// the most-recently-upserted tie-break.
type memEntry struct {
	chunk Chunk
	seq   uint64
}

// memIndex is one named in-memory index. Chunks are keyed by id so a
// re-upsert replaces rather than duplicates.
type memIndex struct {
	mu     sync.RWMutex
	chunks map[string]*memEntry
}

// MemoryBackend is the credential-free Backend variant. Ranking is by token
// overlap between the query and each chunk's summary+content, with an exact
// substring bonus. Nothing persists across process restarts.
type MemoryBackend struct {
	mu      sync.Mutex
	indexes map[string]*memIndex
	// seq is a global upsert counter shared by all indexes; later upserts get
	// higher values, which the tie-break uses.
	seq atomic.Uint64
}

// NewMemoryBackend constructs an empty MemoryBackend. The default index
// exists from the start so list calls always have something to show.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		indexes: map[string]*memIndex{
			DefaultIndexName: {chunks: make(map[string]*memEntry)},
		},
	}
}

// getOrCreate returns the named index, creating it on first use.
func (b *MemoryBackend) getOrCreate(name string) *memIndex {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.indexes[name]
	if !ok {
		idx = &memIndex{chunks: make(map[string]*memEntry)}
		b.indexes[name] = idx
	}
	return idx
}

// get returns the named index or nil if it has never been created.
func (b *MemoryBackend) get(name string) *memIndex {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indexes[name]
}

// nextSeq returns the next global upsert sequence number.
func (b *MemoryBackend) nextSeq() uint64 {
	return b.seq.Add(1)
}

// Upsert writes chunks into the named index, replacing any chunk with the
// same id. Chunks with empty ids or empty content are skipped — the
// normalizer should never produce them, and indexing them would make such
// chunks unretrievable or useless.
func (b *MemoryBackend) Upsert(_ context.Context, indexName string, chunks []Chunk) error {
	idx := b.getOrCreate(NormalizeIndexName(indexName))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, c := range chunks {
		if c.ID == "" || c.Content == "" {
			continue
		}
		c.Embedding = nil // keyword backend stores no vectors
		idx.chunks[c.ID] = &memEntry{chunk: cloneChunk(c), seq: b.nextSeq()}
	}
	return nil
}

// Query ranks chunks by token overlap against the query, most relevant
// first. Equal scores order by most-recently-upserted first. An unknown or
// empty index, or a query with no usable tokens, yields an empty result.
func (b *MemoryBackend) Query(_ context.Context, indexName, query string, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	idx := b.get(NormalizeIndexName(indexName))
	if idx == nil {
		return nil, nil
	}

	q := strings.TrimSpace(query)
	qTokens := tokenize(q)
	if len(qTokens) == 0 {
		return nil, nil
	}

	idx.mu.RLock()
	type hit struct {
		entry *memEntry
		score float32
	}
	hits := make([]hit, 0, len(idx.chunks))
	qLower := strings.ToLower(q)
	for _, e := range idx.chunks {
		hay := strings.ToLower(e.chunk.ChunkSummary + "\n" + e.chunk.Content)
		var score float32
		if strings.Contains(hay, qLower) {
			score += 3
		}
		for tok := range qTokens {
			if strings.Contains(hay, tok) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{entry: e, score: score})
		}
	}
	idx.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.seq > hits[j].entry.seq
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, ScoredChunk{Chunk: cloneChunk(h.entry.chunk), Score: h.score})
	}
	return out, nil
}

// ListIndexes returns all index names in sorted order.
func (b *MemoryBackend) ListIndexes(_ context.Context) ([]string, error) {
	b.mu.Lock()
	names := make([]string, 0, len(b.indexes))
	for name := range b.indexes {
		names = append(names, name)
	}
	b.mu.Unlock()

	sort.Strings(names)
	return names, nil
}

// Count returns the number of stored chunks. An unknown index counts zero.
func (b *MemoryBackend) Count(_ context.Context, indexName string) (uint64, error) {
	idx := b.get(NormalizeIndexName(indexName))
	if idx == nil {
		return 0, nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return uint64(len(idx.chunks)), nil
}

// List returns up to limit chunks in upsert order, oldest first.
func (b *MemoryBackend) List(_ context.Context, indexName string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	idx := b.get(NormalizeIndexName(indexName))
	if idx == nil {
		return nil, nil
	}

	idx.mu.RLock()
	entries := make([]*memEntry, 0, len(idx.chunks))
	for _, e := range idx.chunks {
		entries = append(entries, e)
	}
	idx.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Chunk, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneChunk(e.chunk))
	}
	return out, nil
}

// DeleteIndex drops the named index and its chunks. Unknown names are a no-op.
func (b *MemoryBackend) DeleteIndex(_ context.Context, indexName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.indexes, NormalizeIndexName(indexName))
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error { return nil }

// tokenize lowercases text and returns its distinct tokens of length >= 2.
func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenPattern.Split(strings.ToLower(text), -1) {
		if len([]rune(tok)) >= 2 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// cloneChunk deep-copies a chunk so callers and the store never share the
// Tags slice or Meta map.
func cloneChunk(c Chunk) Chunk {
	if c.Tags != nil {
		c.Tags = append([]string(nil), c.Tags...)
	}
	if c.Meta != nil {
		m := make(map[string]string, len(c.Meta))
		for k, v := range c.Meta {
			m[k] = v
		}
		c.Meta = m
	}
	if c.Embedding != nil {
		c.Embedding = append([]float32(nil), c.Embedding...)
	}
	return c
}
