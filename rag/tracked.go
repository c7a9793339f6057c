package rag

import (
	"context"

	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/memory"
)

// TrackedStore wraps a RAGStore and reports every retrieved chunk id to
// the co-occurrence tracker, so chunks recalled together in a session
// accumulate associative evidence.
type TrackedStore struct {
	inner   engine.RAGStore
	tracker *memory.Tracker
}

var _ engine.RAGStore = (*TrackedStore)(nil)

// WithRecallTracking wraps store so retrievals feed tracker. A nil
// tracker returns store unchanged.
func WithRecallTracking(store engine.RAGStore, tracker *memory.Tracker) engine.RAGStore {
	if tracker == nil {
		return store
	}
	return &TrackedStore{inner: store, tracker: tracker}
}

func (s *TrackedStore) Retrieve(ctx context.Context, query string) ([]engine.Chunk, error) {
	chunks, err := s.inner.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		s.tracker.TrackRecall(c.ID)
	}
	return chunks, nil
}

func (s *TrackedStore) Insert(ctx context.Context, chunk engine.Chunk) error {
	return s.inner.Insert(ctx, chunk)
}
