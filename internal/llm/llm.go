// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_llm

import "context"

// Client abstracts the LLM vendor. System prompts are kept byte-identical
// across ticks so the vendor's implicit prefix cache is reused; that is a
// property of the prompts, not of this interface.
type Client interface {
	// Complete runs one chat completion and returns the full text.
	Complete(ctx context.Context, system, user string) (string, error)

	// CompleteStream streams a completion. onDelta receives raw token
	// deltas; the folded final text is returned. Callers fan out only the
	// final text — deltas never leave the node.
	CompleteStream(ctx context.Context, system, user string, onDelta func(string)) (string, error)

	// Available probes reachability at startup; a false result downgrades
	// the room to transcript-only assistance.
	Available(ctx context.Context) bool

	// ModelVersion identifies the model for persisted results.
	ModelVersion() string
}

// Embedder turns a query into a dense vector for the semantic cache and the
// vector store.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
