// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	internal_knowledge "github.com/baro-gochi/realtime-assist-agent-sub000/internal/knowledge"
	internal_llm "github.com/baro-gochi/realtime-assist-agent-sub000/internal/llm"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// errLLMUnavailable marks nodes skipped because the LLM probe failed at
// startup. The tick still runs; retrieval-only nodes keep working.
var errLLMUnavailable = errors.New("llm unavailable")

// NodeResult is one node's outcome within a tick. Skipped results carry an
// empty payload and still advance the node's consumption cursor.
type NodeResult struct {
	Kind    NodeKind
	Payload json.RawMessage
	Skipped bool
	Elapsed time.Duration
}

// Graph is the fixed analysis DAG. summarize, intent, sentiment, draft_reply,
// risk and faq_search start together at tick entry; rag_policy waits on
// intent. Nodes are pure over the snapshot and never touch shared state.
type Graph struct {
	logger       commons.Logger
	llm          internal_llm.Client
	embedder     internal_llm.Embedder
	store        internal_knowledge.VectorStore
	cache        internal_knowledge.SemanticCache
	nodeDeadline time.Duration
}

func NewGraph(
	llm internal_llm.Client,
	embedder internal_llm.Embedder,
	store internal_knowledge.VectorStore,
	cache internal_knowledge.SemanticCache,
	nodeDeadline time.Duration,
	logger commons.Logger,
) *Graph {
	return &Graph{
		logger:       logger,
		llm:          llm,
		embedder:     embedder,
		store:        store,
		cache:        cache,
		nodeDeadline: nodeDeadline,
	}
}

type intentOutcome struct {
	result intentResult
	ok     bool
}

// Run executes one tick over the snapshot. emit is called once per node that
// finished or was skipped by its own deadline; it may be called concurrently.
// A node aborted by parent-context cancellation emits nothing, so cancelled
// ticks leave no partial results behind.
func (g *Graph) Run(ctx context.Context, snap Snapshot, emit func(NodeResult)) {
	intentCh := make(chan intentOutcome, 1)

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.runNode(grpCtx, snap, NodeSummarize, emit, func(c context.Context) (interface{}, error) {
			return g.runSummarize(c, snap)
		})
		return nil
	})
	grp.Go(func() error {
		res := g.runNode(grpCtx, snap, NodeIntent, emit, func(c context.Context) (interface{}, error) {
			return g.runIntent(c, snap)
		})
		out := intentOutcome{}
		if res != nil && !res.Skipped {
			_ = json.Unmarshal(res.Payload, &out.result)
			out.ok = true
		}
		intentCh <- out
		return nil
	})
	grp.Go(func() error {
		g.runNode(grpCtx, snap, NodeSentiment, emit, func(c context.Context) (interface{}, error) {
			return g.runSentiment(c, snap)
		})
		return nil
	})
	grp.Go(func() error {
		g.runNode(grpCtx, snap, NodeDraftReply, emit, func(c context.Context) (interface{}, error) {
			return g.runDraftReply(c, snap)
		})
		return nil
	})
	grp.Go(func() error {
		g.runNode(grpCtx, snap, NodeRisk, emit, func(c context.Context) (interface{}, error) {
			return g.runRisk(c, snap)
		})
		return nil
	})
	grp.Go(func() error {
		g.runNode(grpCtx, snap, NodeFAQSearch, emit, func(c context.Context) (interface{}, error) {
			return g.runFAQSearch(c, snap)
		})
		return nil
	})
	grp.Go(func() error {
		select {
		case out := <-intentCh:
			g.runNode(grpCtx, snap, NodeRAGPolicy, emit, func(c context.Context) (interface{}, error) {
				return g.runRAGPolicy(c, snap, out.result, out.ok)
			})
		case <-grpCtx.Done():
		}
		return nil
	})

	_ = grp.Wait()
}

// runNode wraps one node with its own deadline. Deadline expiry or a node
// error yields a skipped result; parent cancellation yields nothing.
func (g *Graph) runNode(ctx context.Context, snap Snapshot, kind NodeKind, emit func(NodeResult), fn func(context.Context) (interface{}, error)) *NodeResult {
	nodeCtx, cancel := context.WithTimeout(ctx, g.nodeDeadline)
	defer cancel()

	start := time.Now()
	value, err := fn(nodeCtx)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		// The whole tick was cancelled; do not write, do not advance.
		return nil
	}

	res := NodeResult{Kind: kind, Elapsed: elapsed}
	if err != nil {
		if !errors.Is(err, errLLMUnavailable) {
			g.logger.Warnw("analysis node skipped", "node", kind, "turn", snap.TurnID, "error", err)
		}
		res.Skipped = true
		res.Payload = json.RawMessage(`{"skipped":true}`)
	} else {
		payload, merr := json.Marshal(value)
		if merr != nil {
			res.Skipped = true
			res.Payload = json.RawMessage(`{"skipped":true}`)
		} else {
			res.Payload = payload
		}
	}
	emit(res)
	return &res
}
