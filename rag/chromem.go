// Package rag provides the retrieval store backing prompt context. The
// embedded chromem-go database keeps everything in process; retrieved
// chunk ids are what the co-occurrence tracker consumes.
package rag

import (
	"context"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/types"
)

// Embedder turns text into an embedding vector. Dimension is fixed by the
// provider; implementations live outside this module.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// embedConcurrency bounds parallel embedding calls in InsertBatch.
const embedConcurrency = 4

// ChromemStore is an engine.RAGStore over an embedded chromem-go
// collection.
type ChromemStore struct {
	col   *chromem.Collection
	embed Embedder
	topK  int
	log   *zap.Logger
}

// StoreOptions tunes a ChromemStore.
type StoreOptions struct {
	// Collection names the chromem collection. Default "amphibian".
	Collection string
	// TopK bounds how many chunks Retrieve returns. Default 5.
	TopK   int
	Logger *zap.Logger
}

// NewChromemStore creates an in-memory vector store using embed for both
// inserts without precomputed embeddings and for queries.
func NewChromemStore(embed Embedder, opts StoreOptions) (*ChromemStore, error) {
	if embed == nil {
		return nil, types.NewError(types.ErrInputInvalid, "embedder is required")
	}
	if opts.Collection == "" {
		opts.Collection = "amphibian"
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection(opts.Collection, nil, nil)
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "create collection").WithCause(err)
	}
	return &ChromemStore{
		col:   col,
		embed: embed,
		topK:  opts.TopK,
		log:   opts.Logger.With(zap.String("component", "rag")),
	}, nil
}

// Insert adds a chunk. When the chunk carries no embedding, one is
// computed from its content.
func (s *ChromemStore) Insert(ctx context.Context, chunk engine.Chunk) error {
	if chunk.ID == "" {
		return types.NewError(types.ErrInputInvalid, "chunk id is required")
	}
	if strings.TrimSpace(chunk.Content) == "" {
		return types.NewError(types.ErrInputInvalid, "chunk content is empty")
	}
	embedding := chunk.Embedding
	if len(embedding) == 0 {
		var err error
		embedding, err = s.embed(ctx, chunk.Content)
		if err != nil {
			return types.NewError(types.ErrIntegrity, "embed chunk").WithCause(err)
		}
	}
	doc := chromem.Document{
		ID:        chunk.ID,
		Content:   chunk.Content,
		Embedding: embedding,
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return types.NewError(types.ErrIntegrity, "add document").WithCause(err)
	}
	return nil
}

// InsertBatch adds chunks, embedding the ones without a precomputed
// vector concurrently. The first failure aborts the remaining embeds;
// chunks already written stay written.
func (s *ChromemStore) InsertBatch(ctx context.Context, chunks []engine.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i := range chunks {
		g.Go(func() error {
			return s.Insert(gctx, chunks[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Debug("batch inserted", zap.Int("count", len(chunks)))
	return nil
}

// Retrieve returns the closest chunks to the query, best first. An empty
// store yields an empty result, not an error.
func (s *ChromemStore) Retrieve(ctx context.Context, query string) ([]engine.Chunk, error) {
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	embedding, err := s.embed(ctx, query)
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "embed query").WithCause(err)
	}
	limit := s.topK
	if limit > count {
		limit = count
	}
	results, err := s.col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "query collection").WithCause(err)
	}
	chunks := make([]engine.Chunk, 0, len(results))
	for _, res := range results {
		chunks = append(chunks, engine.Chunk{
			ID:        res.ID,
			Content:   res.Content,
			Embedding: res.Embedding,
			Score:     float64(res.Similarity),
		})
	}
	s.log.Debug("retrieved chunks", zap.String("query", query), zap.Int("count", len(chunks)))
	return chunks, nil
}

var _ engine.RAGStore = (*ChromemStore)(nil)
