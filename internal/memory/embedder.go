// Package memory implements the two stores from spec §4.5: a session-scoped
// Associative store (embedding + recency + importance scored recall) and a
// cross-session Relational store (append-only run/phase/role metrics),
// grounded on the teacher's store.LocalStore
// (internal/store/local_vector.go, embedded_store.go, learned_store.go) —
// same database/sql-over-sqlite shape, same graceful vec0-unavailable
// fallback (internal/store/local.go's detectVecExtension), generalized
// from the teacher's Mangle-fact store into the spec's fixed two-store
// contract.
package memory

import "context"

// Embedder turns text into a fixed-dimension vector. The concrete backend
// (GenAI, a local model, a no-op) is selected by config.EmbeddingOptions.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NoopEmbedder returns a deterministic, content-derived low-dimensional
// vector so the Associative store behaves predictably with
// config.EmbeddingOptions.Provider == "none" (tests, and runs with memory
// disabled at the embedding layer specifically rather than the whole
// store).
type NoopEmbedder struct{}

func (NoopEmbedder) Dimensions() int { return 8 }

func (NoopEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r % 97)
	}
	return vec, nil
}
