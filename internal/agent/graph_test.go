// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_knowledge "github.com/baro-gochi/realtime-assist-agent-sub000/internal/knowledge"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

type graphFixture struct {
	graph *Graph
	llm   *fakeLLM
	store *fakeStore
	cache *fakeCache
}

func newGraphFixture(t *testing.T, nodeDeadline time.Duration) *graphFixture {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	llm := newFakeLLM()
	store := &fakeStore{}
	cache := &fakeCache{}
	return &graphFixture{
		graph: NewGraph(llm, llm, store, cache, nodeDeadline, logger),
		llm:   llm,
		store: store,
		cache: cache,
	}
}

func testSnapshot(turns ...Turn) Snapshot {
	return Snapshot{
		TurnID:       "turn_0",
		Turns:        turns,
		LastIndex:    map[NodeKind]int{},
		LastResult:   map[NodeKind]json.RawMessage{},
		LLMAvailable: true,
	}
}

type resultCollector struct {
	mu      sync.Mutex
	order   []NodeKind
	results map[NodeKind]NodeResult
}

func newResultCollector() *resultCollector {
	return &resultCollector{results: map[NodeKind]NodeResult{}}
}

func (c *resultCollector) emit(res NodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, res.Kind)
	c.results[res.Kind] = res
}

func (c *resultCollector) get(kind NodeKind) (NodeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[kind]
	return res, ok
}

func TestGraph_RAGPolicyRunsAfterIntent(t *testing.T) {
	f := newGraphFixture(t, time.Second)
	collector := newResultCollector()

	f.graph.Run(context.Background(), testSnapshot(customerTurn(0, "해지하고 싶어요")), collector.emit)

	collector.mu.Lock()
	defer collector.mu.Unlock()
	require.Len(t, collector.order, len(AllNodeKinds))

	intentPos, ragPos := -1, -1
	for i, kind := range collector.order {
		switch kind {
		case NodeIntent:
			intentPos = i
		case NodeRAGPolicy:
			ragPos = i
		}
	}
	require.NotEqual(t, -1, intentPos)
	require.NotEqual(t, -1, ragPos)
	assert.Greater(t, ragPos, intentPos, "rag_policy must complete after intent")

	// 해지 retrieves from both the mobile and penalty corpora.
	assert.Contains(t, f.store.collections(), internal_knowledge.CollectionMobile)
	assert.Contains(t, f.store.collections(), internal_knowledge.CollectionPenalty)
}

func TestGraph_RAGPolicySkippedBelowConfidenceFloor(t *testing.T) {
	f := newGraphFixture(t, time.Second)
	f.llm.confidence = 0.2
	collector := newResultCollector()

	f.graph.Run(context.Background(), testSnapshot(customerTurn(0, "음...")), collector.emit)

	res, ok := collector.get(NodeRAGPolicy)
	require.True(t, ok)
	var out ragPolicyResult
	require.NoError(t, json.Unmarshal(res.Payload, &out))
	assert.True(t, out.Skipped)
	assert.Empty(t, out.Recommendations)
}

func TestGraph_FAQCacheHitSkipsVectorStore(t *testing.T) {
	f := newGraphFixture(t, time.Second)
	cached, _ := json.Marshal([]internal_knowledge.Document{{Title: "해지 위약금 FAQ", Content: "답변", Score: 0.95}})
	f.cache.hit = true
	f.cache.payload = cached

	collector := newResultCollector()
	f.graph.Run(context.Background(), testSnapshot(customerTurn(0, "해지 위약금이 얼마인가요?")), collector.emit)

	res, ok := collector.get(NodeFAQSearch)
	require.True(t, ok)
	var out faqSearchResult
	require.NoError(t, json.Unmarshal(res.Payload, &out))
	assert.True(t, out.CacheHit)
	require.Len(t, out.FAQs, 1)
	assert.Equal(t, "해지 위약금 FAQ", out.FAQs[0].Title)

	// The FAQ corpus was never searched; only rag_policy touched the store.
	assert.NotContains(t, f.store.collections(), internal_knowledge.CollectionFAQ)
}

func TestGraph_FAQCacheMissInsertsEntry(t *testing.T) {
	f := newGraphFixture(t, time.Second)
	collector := newResultCollector()

	f.graph.Run(context.Background(), testSnapshot(customerTurn(0, "멤버십 혜택 알려주세요")), collector.emit)

	res, ok := collector.get(NodeFAQSearch)
	require.True(t, ok)
	var out faqSearchResult
	require.NoError(t, json.Unmarshal(res.Payload, &out))
	assert.False(t, out.CacheHit)

	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	assert.Equal(t, 1, f.cache.lookups)
	assert.Equal(t, 1, f.cache.inserts)
}

func TestGraph_NodeDeadlineYieldsSkippedResult(t *testing.T) {
	f := newGraphFixture(t, 30*time.Millisecond)
	gate := make(chan struct{})
	defer close(gate)
	f.llm.mu.Lock()
	f.llm.gate = gate
	f.llm.mu.Unlock()

	collector := newResultCollector()
	f.graph.Run(context.Background(), testSnapshot(customerTurn(0, "여보세요")), collector.emit)

	// Every LLM node blew its own deadline; each still emitted a skipped
	// result so cursors advance and the tick is not wedged.
	for _, kind := range []NodeKind{NodeSummarize, NodeIntent, NodeSentiment, NodeDraftReply, NodeRisk} {
		res, ok := collector.get(kind)
		require.True(t, ok, "node %s must emit", kind)
		assert.True(t, res.Skipped)
		assert.JSONEq(t, `{"skipped":true}`, string(res.Payload))
	}
}

func TestGraph_LLMUnavailableStillRunsRetrievalNodes(t *testing.T) {
	f := newGraphFixture(t, time.Second)
	collector := newResultCollector()

	snap := testSnapshot(customerTurn(0, "요금제 문의합니다"))
	snap.LLMAvailable = false
	f.graph.Run(context.Background(), snap, collector.emit)

	sum, ok := collector.get(NodeSummarize)
	require.True(t, ok)
	assert.True(t, sum.Skipped)

	faq, ok := collector.get(NodeFAQSearch)
	require.True(t, ok)
	assert.False(t, faq.Skipped, "faq_search needs no LLM and must keep working")
}

func TestGraph_DraftReplyConsumesOnlyCustomerTurns(t *testing.T) {
	snap := testSnapshot(
		Turn{Index: 0, SpeakerRole: "agent", Nickname: "상담사", Text: "무엇을 도와드릴까요?"},
		customerTurn(1, "해지하려고요"),
	)
	customerOnly := snap.CustomerTurnsSince(NodeDraftReply)
	require.Len(t, customerOnly, 1)
	assert.Equal(t, "해지하려고요", customerOnly[0].Text)
}

func TestParseModelJSON_ToleratesFences(t *testing.T) {
	var out intentResult
	require.NoError(t, parseModelJSON("```json\n{\"intent_label\":\"해지\",\"confidence\":0.8}\n```", &out))
	assert.Equal(t, "해지", out.IntentLabel)

	require.NoError(t, parseModelJSON("의도 분류 결과: {\"intent_label\":\"멤버십\",\"confidence\":0.7}", &out))
	assert.Equal(t, "멤버십", out.IntentLabel)

	assert.Error(t, parseModelJSON("죄송합니다, 분류할 수 없습니다.", &out))
}
