package semantic

import (
	"context"
	"time"

	"go.uber.org/zap"

	redisclient "github.com/neo-agent/backend/internal/cache/redis"
	"github.com/neo-agent/backend/internal/metrics"
	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/pkg/logger"
	"github.com/neo-agent/backend/pkg/utils"
)

// Embedder produces an embedding vector for a piece of text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Match is the nearest stored answer to a lookup embedding.
type Match struct {
	ID         string
	Question   string
	Answer     string
	Entities   []models.Entity
	Similarity float32
	CreatedAt  time.Time
}

// VectorStore holds answer embeddings and returns the single nearest
// neighbour for a lookup vector.
type VectorStore interface {
	Upsert(ctx context.Context, entry *models.CachedAnswer) error
	Nearest(ctx context.Context, embedding []float32) (*Match, error)
	Prune(ctx context.Context, cutoff time.Time, maxEntries int) error
}

// Cache answers semantically similar questions without re-running the
// agent. A lookup is a hit when the nearest stored question's cosine
// similarity meets the threshold and the entry has not expired. Every
// failure in the embedding or vector path degrades to a miss.
type Cache struct {
	embedder   Embedder
	store      VectorStore
	redis      *redisclient.Client
	threshold  float32
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func New(embedder Embedder, store VectorStore, redis *redisclient.Client, threshold float32, ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		embedder:   embedder,
		store:      store,
		redis:      redis,
		threshold:  threshold,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Lookup returns the cached answer for a question semantically close to
// one answered before, or (nil, false) on a miss.
func (c *Cache) Lookup(ctx context.Context, question string) (*Match, bool) {
	embedding, err := c.embed(ctx, question)
	if err != nil {
		logger.Warn("Semantic cache embedding failed, treating as miss", zap.Error(err))
		metrics.CacheMisses.WithLabelValues("semantic").Inc()
		return nil, false
	}

	match, err := c.store.Nearest(ctx, embedding)
	if err != nil {
		logger.Warn("Semantic cache search failed, treating as miss", zap.Error(err))
		metrics.CacheMisses.WithLabelValues("semantic").Inc()
		return nil, false
	}
	if match == nil {
		metrics.CacheMisses.WithLabelValues("semantic").Inc()
		return nil, false
	}

	metrics.SemanticCacheSimilarity.Observe(float64(match.Similarity))

	if match.Similarity < c.threshold {
		metrics.CacheMisses.WithLabelValues("semantic").Inc()
		return nil, false
	}
	if c.now().Sub(match.CreatedAt) > c.ttl {
		metrics.CacheMisses.WithLabelValues("semantic").Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("semantic").Inc()
	logger.Debug("Semantic cache hit",
		zap.String("question", question),
		zap.String("matched", match.Question),
		zap.Float32("similarity", match.Similarity),
	)
	return match, true
}

// Store records an answered question. Failures are logged and swallowed;
// caching never blocks the answer path.
func (c *Cache) Store(ctx context.Context, question, answer string, entities []models.Entity) {
	embedding, err := c.embed(ctx, question)
	if err != nil {
		logger.Warn("Semantic cache store skipped, embedding failed", zap.Error(err))
		return
	}

	entry := &models.CachedAnswer{
		ID:        utils.HashString(utils.NormalizeQuery(question)),
		Question:  question,
		Answer:    answer,
		Entities:  entities,
		Embedding: embedding,
		CreatedAt: c.now(),
	}

	if err := c.store.Upsert(ctx, entry); err != nil {
		logger.Warn("Semantic cache upsert failed", zap.Error(err))
		return
	}

	cutoff := c.now().Add(-c.ttl)
	if err := c.store.Prune(ctx, cutoff, c.maxEntries); err != nil {
		logger.Warn("Semantic cache prune failed", zap.Error(err))
	}
}

// embed memoizes embeddings in Redis when available, keyed by the
// normalized text, so repeated lookups of the same question do not pay
// for a second embedding call.
func (c *Cache) embed(ctx context.Context, text string) ([]float32, error) {
	if c.redis != nil {
		if cached, ok, err := c.redis.GetEmbedding(ctx, text); err == nil && ok {
			return cached, nil
		}
	}

	embedding, err := c.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if err := c.redis.SetEmbedding(ctx, text, embedding); err != nil {
			logger.Debug("Embedding memoization failed", zap.Error(err))
		}
	}
	return embedding, nil
}
