// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	internal_knowledge "github.com/baro-gochi/realtime-assist-agent-sub000/internal/knowledge"
)

// System prompts are deliberately constant across ticks so the vendor's
// implicit prefix cache is reused; per-tick material goes in the user prompt.
const (
	summarizeSystemPrompt = `당신은 통신사 상담 내용을 요약하는 전문가입니다. 전체 대화를 읽고 반드시 아래 JSON 형식으로만 답하세요. 각 항목은 한 문장으로 제한합니다.
{"summary": "대화 전체 요약", "customer_issue": "고객의 핵심 문의/요청", "agent_action": "상담사가 취한 조치"}`

	intentSystemPrompt = `당신은 통신사 상담 의도를 분류하는 전문가입니다. 고객 발화를 읽고 다음 중 하나의 의도로 분류하여 반드시 아래 JSON 형식으로만 답하세요.
가능한 의도: 요금제변경, 요금제문의, 해지, 해지문의, 위약금문의, 멤버십, 멤버십문의, 결합할인, 일반문의
{"intent_label": "의도", "confidence": 0.0, "explanation": "분류 근거 한 문장"}`

	sentimentSystemPrompt = `당신은 상담 중 고객 감정을 분석하는 전문가입니다. 새로 추가된 발화를 기준으로 반드시 아래 JSON 형식으로만 답하세요. sentiment_score는 0(매우 부정)~1(매우 긍정)입니다.
{"sentiment_label": "긍정|중립|부정", "sentiment_score": 0.5, "explanation": "근거 한 문장"}`

	draftReplySystemPrompt = `당신은 통신사 상담사를 보조하는 전문가입니다. 고객의 최근 발화에 대해 상담사가 바로 쓸 수 있는 짧은 응대 문안을 반드시 아래 JSON 형식으로만 답하세요.
{"short_reply": "두 문장 이내 응대 문안", "keywords": ["핵심", "키워드"]}`

	riskSystemPrompt = `당신은 상담 리스크를 감지하는 전문가입니다. 대화에서 이탈/해지/불만/상급자요청 징후를 찾아 반드시 아래 JSON 형식으로만 답하세요. risk_flags는 churn, cancellation, complaint, escalation 중에서만 고릅니다. 없으면 빈 배열입니다.
{"risk_flags": [], "explanation": "근거 한 문장"}`

	consultationGuideSystemPrompt = `당신은 통신사 상담사를 위한 상담 가이드를 작성하는 전문가입니다. 대화 내용과 관련 정책 자료를 바탕으로 반드시 아래 JSON 형식으로만 답하세요. guide는 상담사가 따라갈 단계별 안내 3~5개입니다.
{"guide": ["단계별 안내"], "citations": ["인용한 정책 문서 제목"]}`
)

// ragConfidenceFloor gates rag_policy on the intent confidence.
const ragConfidenceFloor = 0.5

const retrievalK = 3

type summarizeResult struct {
	Summary       string `json:"summary"`
	CustomerIssue string `json:"customer_issue"`
	AgentAction   string `json:"agent_action"`
}

type intentResult struct {
	IntentLabel string  `json:"intent_label"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

type sentimentResult struct {
	SentimentLabel string  `json:"sentiment_label"`
	SentimentScore float64 `json:"sentiment_score"`
	Explanation    string  `json:"explanation"`
}

type draftReplyResult struct {
	ShortReply string   `json:"short_reply"`
	Keywords   []string `json:"keywords"`
}

type riskResult struct {
	RiskFlags   []string `json:"risk_flags"`
	Explanation string   `json:"explanation"`
}

type faqSearchResult struct {
	FAQs     []internal_knowledge.Document `json:"faqs"`
	CacheHit bool                          `json:"cache_hit"`
}

type ragPolicyResult struct {
	Recommendations []internal_knowledge.Document `json:"recommendations"`
	Skipped         bool                          `json:"skipped"`
}

// parseModelJSON unwraps an LLM reply into out, tolerating markdown fences.
func parseModelJSON(text string, out interface{}) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("model reply is not the expected JSON: %w", err)
	}
	return nil
}

func (g *Graph) runSummarize(ctx context.Context, snap Snapshot) (interface{}, error) {
	if !snap.LLMAvailable {
		return nil, errLLMUnavailable
	}
	// Rewritten fresh from the whole transcript every tick to bound length.
	user := fmt.Sprintf("고객 정보:\n%s\n\n전체 대화:\n%s", renderCustomer(snap.Customer), renderTurns(snap.Turns))
	text, err := g.llm.CompleteStream(ctx, summarizeSystemPrompt, user, nil)
	if err != nil {
		return nil, err
	}
	var out summarizeResult
	if err := parseModelJSON(text, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Graph) runIntent(ctx context.Context, snap Snapshot) (interface{}, error) {
	if !snap.LLMAvailable {
		return nil, errLLMUnavailable
	}
	user := fmt.Sprintf("새 발화:\n%s", renderTurns(snap.NewSince(NodeIntent)))
	if prev, ok := snap.LastResult[NodeIntent]; ok {
		user = fmt.Sprintf("직전 분류: %s\n\n%s", prev, user)
	}
	text, err := g.llm.Complete(ctx, intentSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var out intentResult
	if err := parseModelJSON(text, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Graph) runSentiment(ctx context.Context, snap Snapshot) (interface{}, error) {
	if !snap.LLMAvailable {
		return nil, errLLMUnavailable
	}
	user := fmt.Sprintf("새 발화:\n%s", renderTurns(snap.NewSince(NodeSentiment)))
	text, err := g.llm.Complete(ctx, sentimentSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var out sentimentResult
	if err := parseModelJSON(text, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Graph) runDraftReply(ctx context.Context, snap Snapshot) (interface{}, error) {
	if !snap.LLMAvailable {
		return nil, errLLMUnavailable
	}
	turns := snap.CustomerTurnsSince(NodeDraftReply)
	if len(turns) == 0 {
		return draftReplyResult{Keywords: []string{}}, nil
	}
	user := fmt.Sprintf("고객 정보:\n%s\n\n고객 발화:\n%s", renderCustomer(snap.Customer), renderTurns(turns))
	text, err := g.llm.Complete(ctx, draftReplySystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var out draftReplyResult
	if err := parseModelJSON(text, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Graph) runRisk(ctx context.Context, snap Snapshot) (interface{}, error) {
	if !snap.LLMAvailable {
		return nil, errLLMUnavailable
	}
	user := fmt.Sprintf("새 발화:\n%s", renderTurns(snap.NewSince(NodeRisk)))
	text, err := g.llm.Complete(ctx, riskSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var out riskResult
	if err := parseModelJSON(text, &out); err != nil {
		return nil, err
	}
	if out.RiskFlags == nil {
		out.RiskFlags = []string{}
	}
	return out, nil
}

func (g *Graph) runFAQSearch(ctx context.Context, snap Snapshot) (interface{}, error) {
	query := snap.LastCustomerText()
	if query == "" {
		return faqSearchResult{FAQs: []internal_knowledge.Document{}}, nil
	}
	embedding, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed faq query: %w", err)
	}

	if entry, hit, err := g.cache.Lookup(ctx, internal_knowledge.CollectionFAQ, embedding); err == nil && hit {
		var faqs []internal_knowledge.Document
		if err := json.Unmarshal(entry.Payload, &faqs); err == nil {
			return faqSearchResult{FAQs: faqs, CacheHit: true}, nil
		}
	} else if err != nil {
		g.logger.Warnw("semantic cache lookup failed", "error", err)
	}

	faqs, err := g.store.Search(ctx, internal_knowledge.CollectionFAQ, embedding, retrievalK)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(faqs); err == nil {
		if err := g.cache.Insert(ctx, internal_knowledge.CollectionFAQ, embedding, payload); err != nil {
			g.logger.Warnw("semantic cache insert failed", "error", err)
		}
	}
	return faqSearchResult{FAQs: faqs, CacheHit: false}, nil
}

func (g *Graph) runRAGPolicy(ctx context.Context, snap Snapshot, intent intentResult, intentOK bool) (interface{}, error) {
	if !intentOK || intent.Confidence < ragConfidenceFloor {
		return ragPolicyResult{Recommendations: []internal_knowledge.Document{}, Skipped: true}, nil
	}
	query := snap.LastCustomerText()
	if query == "" {
		query = intent.IntentLabel
	}
	embedding, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed policy query: %w", err)
	}

	var recommendations []internal_knowledge.Document
	for _, collection := range internal_knowledge.CollectionsForIntent(intent.IntentLabel) {
		docs, err := g.store.Search(ctx, collection, embedding, retrievalK)
		if err != nil {
			g.logger.Warnw("policy retrieval failed", "collection", collection, "error", err)
			continue
		}
		recommendations = append(recommendations, docs...)
	}
	if recommendations == nil {
		recommendations = []internal_knowledge.Document{}
	}
	return ragPolicyResult{Recommendations: recommendations}, nil
}

// composeGuide is the one-shot consultation path: intent, policy retrieval,
// then a guide composed over both.
func (g *Graph) composeGuide(ctx context.Context, snap Snapshot) (guide []string, recommendations []internal_knowledge.Document, citations []string, err error) {
	intentRaw, err := g.runIntent(ctx, snap)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("consultation intent step failed: %w", err)
	}
	intent := intentRaw.(intentResult)

	ragRaw, err := g.runRAGPolicy(ctx, snap, intent, true)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("consultation retrieval step failed: %w", err)
	}
	recommendations = ragRaw.(ragPolicyResult).Recommendations

	var docs strings.Builder
	for _, d := range recommendations {
		fmt.Fprintf(&docs, "- %s: %s\n", d.Title, d.Content)
	}
	user := fmt.Sprintf("고객 정보:\n%s\n\n대화:\n%s\n\n관련 정책 자료:\n%s",
		renderCustomer(snap.Customer), renderTurns(snap.Turns), docs.String())
	text, err := g.llm.Complete(ctx, consultationGuideSystemPrompt, user)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("consultation guide step failed: %w", err)
	}
	var out struct {
		Guide     []string `json:"guide"`
		Citations []string `json:"citations"`
	}
	if err := parseModelJSON(text, &out); err != nil {
		return nil, nil, nil, err
	}
	return out.Guide, recommendations, out.Citations, nil
}

// nodeElapsedMS rounds a node duration for the persisted record.
func nodeElapsedMS(d time.Duration) int64 { return d.Milliseconds() }
