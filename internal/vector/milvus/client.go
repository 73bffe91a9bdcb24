package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/cache/semantic"
	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/pkg/logger"
)

// Store backs the semantic answer cache with a Milvus collection. One
// row per cached answer, keyed by the normalized-question hash.
type Store struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewStore(endpoint, collectionName string, vectorDim int) (*Store, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Store{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) EnsureCollection(ctx context.Context) error {
	has, err := s.client.HasCollection(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", s.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: s.collectionName,
		Description:    "Semantic cache of answered questions",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", s.vectorDim),
				},
			},
			{
				Name:     "question",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "2048",
				},
			},
			{
				Name:     "answer",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16384",
				},
			},
			{
				Name:     "entities",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	err = s.client.CreateIndex(ctx, s.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = s.client.LoadCollection(ctx, s.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", s.collectionName))

	return nil
}

func (s *Store) Upsert(ctx context.Context, e *models.CachedAnswer) error {
	entities, err := json.Marshal(e.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}

	// Upsert is delete-then-insert so a re-answered question replaces
	// its old row instead of accumulating duplicates.
	expr := fmt.Sprintf(`id == "%s"`, e.ID)
	if err := s.client.Delete(ctx, s.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete existing entry: %w", err)
	}

	_, err = s.client.Insert(
		ctx,
		s.collectionName,
		"",
		entity.NewColumnVarChar("id", []string{e.ID}),
		entity.NewColumnFloatVector("embedding", s.vectorDim, [][]float32{e.Embedding}),
		entity.NewColumnVarChar("question", []string{e.Question}),
		entity.NewColumnVarChar("answer", []string{e.Answer}),
		entity.NewColumnVarChar("entities", []string{string(entities)}),
		entity.NewColumnInt64("created_at", []int64{e.CreatedAt.Unix()}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	if err := s.client.Flush(ctx, s.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (s *Store) Nearest(ctx context.Context, embedding []float32) (*semantic.Match, error) {
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := s.client.Search(
		ctx,
		s.collectionName,
		[]string{},
		"",
		[]string{"id", "question", "answer", "entities", "created_at"},
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.COSINE,
		1,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	for _, sr := range searchResult {
		if sr.ResultCount == 0 {
			continue
		}

		id, _ := sr.Fields.GetColumn("id").Get(0)
		question, _ := sr.Fields.GetColumn("question").Get(0)
		answer, _ := sr.Fields.GetColumn("answer").Get(0)
		entitiesJSON, _ := sr.Fields.GetColumn("entities").Get(0)
		createdAt, _ := sr.Fields.GetColumn("created_at").Get(0)

		var entities []models.Entity
		if str, ok := entitiesJSON.(string); ok && str != "" {
			_ = json.Unmarshal([]byte(str), &entities)
		}

		return &semantic.Match{
			ID:         id.(string),
			Question:   question.(string),
			Answer:     answer.(string),
			Entities:   entities,
			Similarity: sr.Scores[0],
			CreatedAt:  time.Unix(createdAt.(int64), 0),
		}, nil
	}
	return nil, nil
}

// Prune deletes expired rows. Capacity is left to the server; the
// collection stays small because expired rows are the dominant churn.
func (s *Store) Prune(ctx context.Context, cutoff time.Time, maxEntries int) error {
	expr := fmt.Sprintf("created_at < %d", cutoff.Unix())

	results, err := s.client.Query(ctx, s.collectionName, nil, expr, []string{"id"})
	if err != nil {
		return fmt.Errorf("failed to query expired entries: %w", err)
	}

	var ids []string
	for _, col := range results {
		if col.Name() != "id" {
			continue
		}
		for i := 0; i < col.Len(); i++ {
			v, err := col.Get(i)
			if err != nil {
				continue
			}
			if id, ok := v.(string); ok {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	pks := entity.NewColumnVarChar("id", ids)
	if err := s.client.DeleteByPks(ctx, s.collectionName, "", pks); err != nil {
		return fmt.Errorf("failed to delete expired entries: %w", err)
	}

	logger.Debug("Pruned expired semantic cache entries", zap.Int("count", len(ids)))
	return nil
}
