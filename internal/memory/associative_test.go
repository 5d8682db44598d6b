package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *AssociativeStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := NewAssociativeStore(path, NoopEmbedder{}, DefaultAssociativeConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRememberRecall_ReturnsStoredContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Remember(ctx, "proj-1", "planning", "users need OAuth login", 0.9))
	require.NoError(t, s.Remember(ctx, "proj-1", "planning", "the sky is blue today", 0.1))

	results, err := s.Recall(ctx, "proj-1", "planning", "users need OAuth login", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "users need OAuth login", results[0].Content)
}

func TestRecall_IsPartitionedByProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Remember(ctx, "proj-a", "scope", "alpha content", 0.5))
	require.NoError(t, s.Remember(ctx, "proj-b", "scope", "beta content", 0.5))

	results, err := s.Recall(ctx, "proj-a", "scope", "content", 10)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, "beta content", r.Content)
	}
}

func TestRecall_HigherImportanceScoresHigherAtEqualSimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Remember(ctx, "proj-1", "scope", "identical text", 0.1))
	require.NoError(t, s.Remember(ctx, "proj-1", "scope", "identical text", 0.9))

	results, err := s.Recall(ctx, "proj-1", "scope", "identical text", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.GreaterOrEqual(t, results[0].Importance, results[1].Importance)
}

func TestPurge_RemovesAllMemoriesForProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Remember(ctx, "proj-1", "scope", "to be purged", 0.5))
	require.NoError(t, s.Purge(ctx, "proj-1"))

	results, err := s.Recall(ctx, "proj-1", "scope", "to be purged", 5)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRecencyDecay_HalvesAtHalfLife(t *testing.T) {
	d := recencyDecay(time.Hour, time.Hour)
	require.InDelta(t, 0.5, d, 0.001)
}

func TestRecencyDecay_IsOneAtZeroAge(t *testing.T) {
	d := recencyDecay(0, time.Hour)
	require.InDelta(t, 1.0, d, 0.001)
}

func TestCosineSimilarity_IdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	require.InDelta(t, 1.0, cosineSimilarity(v, v), 0.0001)
}

func TestCosineSimilarity_OrthogonalVectorsIsZero(t *testing.T) {
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 0.0001)
}

func TestVectorEncodeDecode_RoundTrips(t *testing.T) {
	v := []float32{1.5, -2.25, 3.125}
	require.Equal(t, v, decodeVector(encodeVector(v)))
}
