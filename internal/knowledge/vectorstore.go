// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/connectors"
)

// Document is one ranked retrieval hit.
type Document struct {
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Score    float64                `json:"relevance_score"`
}

// VectorStore searches a named collection by embedding.
type VectorStore interface {
	Search(ctx context.Context, collection string, vector []float32, k int) ([]Document, error)
}

type openSearchStore struct {
	logger     commons.Logger
	opensearch connectors.OpenSearchConnector
}

// NewOpenSearchStore builds the kNN-backed vector store over the policy and
// FAQ collections.
func NewOpenSearchStore(opensearch connectors.OpenSearchConnector, logger commons.Logger) VectorStore {
	return &openSearchStore{logger: logger, opensearch: opensearch}
}

func (s *openSearchStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]Document, error) {
	query := map[string]interface{}{
		"size": k,
		"query": map[string]interface{}{
			"knn": map[string]interface{}{
				"embedding": map[string]interface{}{
					"vector": vector,
					"k":      k,
				},
			},
		},
		"_source": []string{"title", "content", "metadata"},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal knn query: %w", err)
	}

	search := opensearchapi.SearchRequest{
		Index: []string{collection},
		Body:  bytes.NewReader(body),
	}
	resp, err := search.Do(ctx, s.opensearch.Client())
	if err != nil {
		return nil, fmt.Errorf("vector search against %s failed: %w", collection, err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vector search against %s returned %s: %s", collection, resp.Status(), payload)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Score  float64 `json:"_score"`
				Source struct {
					Title    string                 `json:"title"`
					Content  string                 `json:"content"`
					Metadata map[string]interface{} `json:"metadata"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	docs := make([]Document, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		docs = append(docs, Document{
			Title:    hit.Source.Title,
			Content:  hit.Source.Content,
			Metadata: hit.Source.Metadata,
			Score:    hit.Score,
		})
	}
	return docs, nil
}
