// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_knowledge

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/connectors"
)

// CacheEntry is one stored FAQ answer keyed by its query embedding.
type CacheEntry struct {
	ID        string
	Embedding []float32
	Payload   []byte
	HitCount  int64
	CreatedAt time.Time
}

// SemanticCache matches FAQ queries by embedding similarity before the
// vector store is consulted. The hit criterion is cosine ≥ threshold.
type SemanticCache interface {
	Lookup(ctx context.Context, namespace string, embedding []float32) (*CacheEntry, bool, error)
	Insert(ctx context.Context, namespace string, embedding []float32, payload []byte) error
}

const cacheEntryTTL = 7 * 24 * time.Hour

type redisCache struct {
	logger    commons.Logger
	redis     connectors.RedisConnector
	threshold float64
}

// NewSemanticCache builds the redis-backed semantic cache.
func NewSemanticCache(redis connectors.RedisConnector, threshold float64, logger commons.Logger) SemanticCache {
	return &redisCache{logger: logger, redis: redis, threshold: threshold}
}

func idsKey(namespace string) string       { return "faqcache:" + namespace + ":ids" }
func entryKey(namespace, id string) string { return "faqcache:" + namespace + ":" + id }

func (c *redisCache) Lookup(ctx context.Context, namespace string, embedding []float32) (*CacheEntry, bool, error) {
	client := c.redis.Client()
	ids, err := client.SMembers(ctx, idsKey(namespace)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to list cache entries: %w", err)
	}

	var best *CacheEntry
	var bestScore float64
	for _, id := range ids {
		fields, err := client.HGetAll(ctx, entryKey(namespace, id)).Result()
		if err != nil || len(fields) == 0 {
			// Expired entry; drop the dangling id.
			client.SRem(ctx, idsKey(namespace), id)
			continue
		}
		stored := decodeEmbedding([]byte(fields["embedding"]))
		score := Cosine(embedding, stored)
		if score >= c.threshold && score > bestScore {
			created, _ := time.Parse(time.RFC3339, fields["created_at"])
			best = &CacheEntry{
				ID:        id,
				Embedding: stored,
				Payload:   []byte(fields["payload"]),
				CreatedAt: created,
			}
			bestScore = score
		}
	}
	if best == nil {
		return nil, false, nil
	}

	hits, err := client.HIncrBy(ctx, entryKey(namespace, best.ID), "hit_count", 1).Result()
	if err == nil {
		best.HitCount = hits
	}
	c.logger.Debugw("semantic cache hit", "namespace", namespace, "score", bestScore, "hits", best.HitCount)
	return best, true, nil
}

func (c *redisCache) Insert(ctx context.Context, namespace string, embedding []float32, payload []byte) error {
	client := c.redis.Client()
	id := uuid.New().String()
	key := entryKey(namespace, id)

	pipe := client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"embedding":  encodeEmbedding(embedding),
		"payload":    payload,
		"hit_count":  0,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, cacheEntryTTL)
	pipe.SAdd(ctx, idsKey(namespace), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// Cosine returns the cosine similarity of two vectors; zero when either has
// no magnitude or the dimensions differ.
func Cosine(a, b []float32) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func encodeEmbedding(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeEmbedding(raw []byte) []float32 {
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec
}
