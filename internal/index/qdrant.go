package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// defaultCollectionPrefix namespaces this service's collections inside a
// shared Qdrant instance, and lets ListIndexes ignore foreign collections.
const defaultCollectionPrefix = "handoff-"

// qdrantMaxRetries bounds the transient-failure retries around each Qdrant
// call before the operation surfaces ErrIndexUnavailable.
const qdrantMaxRetries = 3

// QdrantConfig holds connection parameters for the Qdrant-backed index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
	// VectorSize is the dimensionality of the embeddings stored in each
	// collection. Must match the embedder's output dimension.
	VectorSize uint64
	// CollectionPrefix namespaces collections (default: "handoff-").
	CollectionPrefix string
}

// QdrantBackend implements Backend on a Qdrant instance. Each index maps to
// one collection. Chunk text is embedded at upsert time; queries embed the
// query text the same way, then an in-process keyword re-rank pass adjusts
// the vector scores before the final top-k cut.
type QdrantBackend struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client
	// embedder converts chunk and query text into vectors.
	embedder Embedder
	// cfg holds the resolved configuration for this backend.
	cfg *QdrantConfig
}

// NewQdrantBackend creates a QdrantBackend and verifies connectivity.
func NewQdrantBackend(ctx context.Context, embedder Embedder, cfg *QdrantConfig) (*QdrantBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("index: embedder must not be nil")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = defaultCollectionPrefix
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: failed to create qdrant client: %w", err)
	}

	b := &QdrantBackend{client: client, embedder: embedder, cfg: cfg}
	if _, err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("index: qdrant unreachable at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return b, nil
}

// Client exposes the underlying Qdrant client for readiness probes.
func (b *QdrantBackend) Client() *qdrant.Client { return b.client }

// collection maps an index name to its Qdrant collection name.
func (b *QdrantBackend) collection(indexName string) string {
	return b.cfg.CollectionPrefix + NormalizeIndexName(indexName)
}

// retry runs op with exponential backoff for transient failures. When the
// attempts are exhausted the last error is wrapped in ErrIndexUnavailable so
// the pipeline can classify the outage.
func (b *QdrantBackend) retry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), qdrantMaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	return nil
}

// ensureCollection creates the collection for indexName if it is absent.
func (b *QdrantBackend) ensureCollection(ctx context.Context, indexName string) error {
	name := b.collection(indexName)
	exists, err := b.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("index: collection existence check failed: %w", err)
	}
	if exists {
		return nil
	}
	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     b.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("index: failed to create collection %q: %w", name, err)
	}
	return nil
}

// Upsert embeds each chunk's summary+content and writes the points to the
// index's collection. Qdrant keys points by id, so a re-upsert of the same
// chunk id replaces the previous point. Chunk Meta is carried as a single
// JSON payload field so it round-trips byte-identically.
func (b *QdrantBackend) Upsert(ctx context.Context, indexName string, chunks []Chunk) error {
	kept := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.ID != "" && c.Content != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		// Still materialize the index so it shows up in ListIndexes.
		return b.retry(ctx, func() error { return b.ensureCollection(ctx, indexName) })
	}

	texts := make([]string, len(kept))
	for i, c := range kept {
		texts[i] = c.ChunkSummary + "\n" + c.Content
	}
	embeddings, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("index: embedding %d chunks failed: %w", len(kept), err)
	}
	if len(embeddings) != len(kept) {
		return fmt.Errorf("index: embedder returned %d vectors for %d chunks", len(embeddings), len(kept))
	}

	now := time.Now().UnixNano()
	points := make([]*qdrant.PointStruct, 0, len(kept))
	for i, c := range kept {
		payload := map[string]interface{}{
			"content":         c.Content,
			"source_file":     c.SourceFile,
			"parent_summary":  c.ParentSummary,
			"chunk_summary":   c.ChunkSummary,
			"related_section": c.RelatedSection,
			"tags":            strings.Join(c.Tags, ","),
			"upserted_at":     strconv.FormatInt(now+int64(i), 10),
		}
		if len(c.Meta) > 0 {
			meta, mErr := json.Marshal(c.Meta)
			if mErr != nil {
				return fmt.Errorf("index: marshal meta for chunk %s: %w", c.ID, mErr)
			}
			payload["meta"] = string(meta)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	return b.retry(ctx, func() error {
		if err := b.ensureCollection(ctx, indexName); err != nil {
			return err
		}
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: b.collection(indexName),
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("index: qdrant upsert failed: %w", err)
		}
		return nil
	})
}

// Query embeds the query text, fetches an over-sampled candidate set by
// cosine similarity, then re-ranks in process by combining the vector score
// with a keyword-overlap bonus. Ties break by most-recently-upserted first,
// matching the in-memory backend's contract. An unknown index yields an
// empty result.
func (b *QdrantBackend) Query(ctx context.Context, indexName, query string, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	name := b.collection(indexName)

	exists, err := b.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if !exists {
		return nil, nil
	}

	embeddings, err := b.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("index: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("index: embedder returned empty result for query")
	}

	// Over-sample so the re-rank pass has candidates to reorder.
	limit := uint64(topK * 3)
	var results []*qdrant.ScoredPoint
	err = b.retry(ctx, func() error {
		var qErr error
		results, qErr = b.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(embeddings[0]...),
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if qErr != nil {
			return fmt.Errorf("index: qdrant query failed: %w", qErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	type ranked struct {
		chunk      ScoredChunk
		upsertedAt int64
	}
	qTokens := tokenize(query)
	candidates := make([]ranked, 0, len(results))
	for _, r := range results {
		c, upsertedAt := chunkFromPayload(r.Id.GetUuid(), r.Payload)
		score := r.Score
		// Semantic re-rank: small keyword bonus per matched query token.
		hay := strings.ToLower(c.ChunkSummary + "\n" + c.Content)
		for tok := range qTokens {
			if strings.Contains(hay, tok) {
				score += 0.05
			}
		}
		candidates = append(candidates, ranked{
			chunk:      ScoredChunk{Chunk: c, Score: score},
			upsertedAt: upsertedAt,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].chunk.Score != candidates[j].chunk.Score {
			return candidates[i].chunk.Score > candidates[j].chunk.Score
		}
		return candidates[i].upsertedAt > candidates[j].upsertedAt
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.chunk)
	}
	return out, nil
}

// chunkFromPayload rebuilds a Chunk from a Qdrant point payload.
func chunkFromPayload(id string, p map[string]*qdrant.Value) (Chunk, int64) {
	c := Chunk{ID: id}
	var upsertedAt int64

	if p == nil {
		return c, 0
	}
	if v, ok := p["content"]; ok {
		c.Content = v.GetStringValue()
	}
	if v, ok := p["source_file"]; ok {
		c.SourceFile = v.GetStringValue()
	}
	if v, ok := p["parent_summary"]; ok {
		c.ParentSummary = v.GetStringValue()
	}
	if v, ok := p["chunk_summary"]; ok {
		c.ChunkSummary = v.GetStringValue()
	}
	if v, ok := p["related_section"]; ok {
		c.RelatedSection = v.GetStringValue()
	}
	if v, ok := p["tags"]; ok && v.GetStringValue() != "" {
		c.Tags = strings.Split(v.GetStringValue(), ",")
	}
	if v, ok := p["upserted_at"]; ok {
		upsertedAt, _ = strconv.ParseInt(v.GetStringValue(), 10, 64)
	}
	if v, ok := p["meta"]; ok && v.GetStringValue() != "" {
		meta := make(map[string]string)
		if err := json.Unmarshal([]byte(v.GetStringValue()), &meta); err == nil {
			c.Meta = meta
		}
	}
	return c, upsertedAt
}

// Count returns the exact number of points in the index's collection. An
// unknown index counts zero.
func (b *QdrantBackend) Count(ctx context.Context, indexName string) (uint64, error) {
	name := b.collection(indexName)
	exists, err := b.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if !exists {
		return 0, nil
	}

	var count uint64
	err = b.retry(ctx, func() error {
		var cErr error
		count, cErr = b.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Exact:          qdrant.PtrOf(true),
		})
		if cErr != nil {
			return fmt.Errorf("index: qdrant count failed: %w", cErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// List scrolls up to limit points from the index's collection, ordered
// oldest-upserted first to match the in-memory backend.
func (b *QdrantBackend) List(ctx context.Context, indexName string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	name := b.collection(indexName)
	exists, err := b.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if !exists {
		return nil, nil
	}

	var points []*qdrant.RetrievedPoint
	err = b.retry(ctx, func() error {
		var sErr error
		points, sErr = b.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Limit:          qdrant.PtrOf(uint32(limit)), //nolint:gosec // limit is bounded by the handler
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if sErr != nil {
			return fmt.Errorf("index: qdrant scroll failed: %w", sErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	type stamped struct {
		chunk      Chunk
		upsertedAt int64
	}
	out := make([]stamped, 0, len(points))
	for _, p := range points {
		c, upsertedAt := chunkFromPayload(p.Id.GetUuid(), p.Payload)
		out = append(out, stamped{chunk: c, upsertedAt: upsertedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].upsertedAt < out[j].upsertedAt })

	chunks := make([]Chunk, 0, len(out))
	for _, s := range out {
		chunks = append(chunks, s.chunk)
	}
	return chunks, nil
}

// ListIndexes returns the index names behind this backend's collection
// prefix, sorted.
func (b *QdrantBackend) ListIndexes(ctx context.Context) ([]string, error) {
	var collections []string
	err := b.retry(ctx, func() error {
		var lErr error
		collections, lErr = b.client.ListCollections(ctx)
		if lErr != nil {
			return fmt.Errorf("index: list collections failed: %w", lErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(collections))
	for _, coll := range collections {
		if strings.HasPrefix(coll, b.cfg.CollectionPrefix) {
			names = append(names, strings.TrimPrefix(coll, b.cfg.CollectionPrefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteIndex drops the collection backing the named index. Unknown indexes
// are a no-op.
func (b *QdrantBackend) DeleteIndex(ctx context.Context, indexName string) error {
	name := b.collection(indexName)
	exists, err := b.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if !exists {
		return nil
	}
	return b.retry(ctx, func() error {
		if err := b.client.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("index: delete collection %q: %w", name, err)
		}
		return nil
	})
}

// Close closes the underlying Qdrant gRPC connection.
func (b *QdrantBackend) Close() error {
	return b.client.Close()
}
