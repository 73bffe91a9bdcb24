package semantic

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/internal/storage/sqlite"
)

// MemoryStore is the default VectorStore: a brute-force cosine scan over
// an in-memory map, persisted through SQLite so entries survive restarts.
// At semantic-cache sizes (hundreds of entries) a linear scan is faster
// than a network round trip to a vector database.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.CachedAnswer
	persist *sqlite.Client
}

// NewMemoryStore loads any persisted entries from SQLite. A nil client
// gives a purely in-memory store.
func NewMemoryStore(persist *sqlite.Client) (*MemoryStore, error) {
	s := &MemoryStore{
		entries: make(map[string]*models.CachedAnswer),
		persist: persist,
	}

	if persist != nil {
		saved, err := persist.LoadCachedAnswers()
		if err != nil {
			return nil, err
		}
		for i := range saved {
			entry := saved[i]
			s.entries[entry.ID] = &entry
		}
	}
	return s, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entry *models.CachedAnswer) error {
	s.mu.Lock()
	s.entries[entry.ID] = entry
	s.mu.Unlock()

	if s.persist != nil {
		return s.persist.UpsertCachedAnswer(entry)
	}
	return nil
}

func (s *MemoryStore) Nearest(ctx context.Context, embedding []float32) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.CachedAnswer
	var bestScore float32 = -1

	for _, entry := range s.entries {
		score := CosineSimilarity(embedding, entry.Embedding)
		if score > bestScore {
			bestScore = score
			best = entry
		}
	}
	if best == nil {
		return nil, nil
	}

	return &Match{
		ID:         best.ID,
		Question:   best.Question,
		Answer:     best.Answer,
		Entities:   best.Entities,
		Similarity: bestScore,
		CreatedAt:  best.CreatedAt,
	}, nil
}

// Prune drops expired entries, then the oldest half when the store is
// still over capacity.
func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time, maxEntries int) error {
	s.mu.Lock()

	var removed []string
	for id, entry := range s.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}

	if maxEntries > 0 && len(s.entries) > maxEntries {
		ordered := make([]*models.CachedAnswer, 0, len(s.entries))
		for _, entry := range s.entries {
			ordered = append(ordered, entry)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		})
		for _, entry := range ordered[:len(ordered)/2] {
			delete(s.entries, entry.ID)
			removed = append(removed, entry.ID)
		}
	}
	s.mu.Unlock()

	if s.persist != nil && len(removed) > 0 {
		return s.persist.DeleteCachedAnswers(removed)
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
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
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
