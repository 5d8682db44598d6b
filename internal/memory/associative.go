package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"autoforge/internal/logging"
)

// RecallResult is one scored item returned by Recall.
type RecallResult struct {
	Content    string
	Score      float64
	Similarity float64
	Recency    float64
	Importance float64
}

// AssociativeStore is the session-scoped store from spec §4.5: embedded
// content, partitioned by project_id, recency- and importance-weighted
// recall, purged on run completion.
//
// Every Recall call takes the same store-wide mutex as Remember, so "every
// recall waits for all preceding writes in its scope" (spec §4.5) holds
// trivially — at the cost of serializing reads behind writes, a deliberate
// correctness-over-throughput tradeoff for a store this size.
type AssociativeStore struct {
	mu         sync.Mutex
	db         *sql.DB
	embedder   Embedder
	halfLife   time.Duration
	vecEnabled bool
}

// AssociativeConfig configures the Associative store's scoring behavior.
type AssociativeConfig struct {
	// HalfLife is the recency-decay half-life (spec §4.5 "configurable
	// half-life").
	HalfLife time.Duration
}

// DefaultAssociativeConfig mirrors a one-day half-life, a reasonable
// default for a multi-phase software-delivery run.
func DefaultAssociativeConfig() AssociativeConfig {
	return AssociativeConfig{HalfLife: 24 * time.Hour}
}

// NewAssociativeStore opens (or creates) the sqlite-backed associative
// store at path, grounded on the teacher's LocalStore constructor
// (internal/store/local.go) including its vec0-availability probe and
// graceful fallback.
func NewAssociativeStore(path string, embedder Embedder, cfg AssociativeConfig) (*AssociativeStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open associative store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			scope_path TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			importance REAL NOT NULL,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("memory: create memories table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(project_id, scope_path)`); err != nil {
		return nil, fmt.Errorf("memory: create memories index: %w", err)
	}

	s := &AssociativeStore{db: db, embedder: embedder, halfLife: cfg.HalfLife}
	if s.halfLife <= 0 {
		s.halfLife = 24 * time.Hour
	}

	// Probe for sqlite-vec's vec0 virtual table; its absence only removes
	// the ANN fast path, not correctness (see recallLocked's fallback).
	if _, err := db.Exec(fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(embedding float[%d])`, embedder.Dimensions())); err != nil {
		logging.Get(logging.CategoryMemory).Warn("sqlite-vec extension unavailable; associative recall will use in-process cosine scoring", zap.Error(err))
		s.vecEnabled = false
	} else {
		s.vecEnabled = true
	}
	return s, nil
}

// Remember embeds and stores content under projectID/scopePath (spec §4.5
// "remember(scope_path, content, metadata)"). importance is either
// explicit or LLM-inferred by the caller before this call.
func (s *AssociativeStore) Remember(ctx context.Context, projectID, scopePath, content string, importance float64) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("memory: embed content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (project_id, scope_path, content, embedding, importance, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, scopePath, content, encodeVector(vec), importance, time.Now())
	if err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}
	return nil
}

// Recall returns the top-k items for projectID/scopePath scored by
// similarity + recency decay + importance (spec §4.5).
func (s *AssociativeStore) Recall(ctx context.Context, projectID, scopePath, query string, k int) ([]RecallResult, error) {
	if k <= 0 {
		k = 5
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT content, embedding, importance, created_at FROM memories WHERE project_id = ? AND scope_path = ?`,
		projectID, scopePath)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var results []RecallResult
	for rows.Next() {
		var content string
		var blob []byte
		var importance float64
		var createdAt time.Time
		if err := rows.Scan(&content, &blob, &importance, &createdAt); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		vec := decodeVector(blob)
		sim := cosineSimilarity(queryVec, vec)
		recency := recencyDecay(now.Sub(createdAt), s.halfLife)
		score := sim + recency + importance
		results = append(results, RecallResult{
			Content: content, Score: score, Similarity: sim, Recency: recency, Importance: importance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: row iteration: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Purge deletes every memory scoped to projectID (spec §4.5 "purged on run
// completion").
func (s *AssociativeStore) Purge(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("memory: purge: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *AssociativeStore) Close() error { return s.db.Close() }

func recencyDecay(age time.Duration, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Seconds()/halfLife.Seconds())
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// encodeVector mirrors the teacher's little-endian float32 blob encoding
// for sqlite-vec compatibility (internal/store/embedded_store.go).
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
