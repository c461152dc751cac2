// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	internal_customer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/customer"
)

// NodeKind names one analysis node.
type NodeKind string

const (
	NodeSummarize  NodeKind = "summarize"
	NodeIntent     NodeKind = "intent"
	NodeSentiment  NodeKind = "sentiment"
	NodeDraftReply NodeKind = "draft_reply"
	NodeRisk       NodeKind = "risk"
	NodeFAQSearch  NodeKind = "faq_search"
	NodeRAGPolicy  NodeKind = "rag_policy"
)

// AllNodeKinds in fan-out order; rag_policy runs after intent.
var AllNodeKinds = []NodeKind{
	NodeSummarize, NodeIntent, NodeSentiment, NodeDraftReply,
	NodeRisk, NodeFAQSearch, NodeRAGPolicy,
}

// Turn is one committed transcript turn as the analysis plane sees it.
type Turn struct {
	Index       int       `json:"turn_index"`
	PeerID      string    `json:"peer_id"`
	Nickname    string    `json:"nickname"`
	SpeakerRole string    `json:"speaker_role"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
}

// state is the per-room incremental analysis state. Only the agent's
// scheduler mutates it, always under the agent mutex.
type state struct {
	turns      []Turn
	lastIndex  map[NodeKind]int
	lastResult map[NodeKind]json.RawMessage
	tickID     uint64
}

func newState() *state {
	return &state{
		lastIndex:  make(map[NodeKind]int, len(AllNodeKinds)),
		lastResult: make(map[NodeKind]json.RawMessage, len(AllNodeKinds)),
	}
}

// Snapshot is the immutable per-tick view shared by every node. Turns is a
// prefix of the room transcript; appends after tick start are not visible.
type Snapshot struct {
	TurnID       string
	Turns        []Turn
	LastIndex    map[NodeKind]int
	LastResult   map[NodeKind]json.RawMessage
	Customer     *internal_customer.Profile
	LLMAvailable bool
}

// NewSince returns the turns a node has not yet consumed.
func (s Snapshot) NewSince(kind NodeKind) []Turn {
	from := s.LastIndex[kind]
	if from >= len(s.Turns) {
		return nil
	}
	return s.Turns[from:]
}

// CustomerTurnsSince filters NewSince down to customer-authored turns.
func (s Snapshot) CustomerTurnsSince(kind NodeKind) []Turn {
	var out []Turn
	for _, t := range s.NewSince(kind) {
		if t.SpeakerRole == "customer" {
			out = append(out, t)
		}
	}
	return out
}

// LastCustomerText returns the most recent customer utterance, or "".
func (s Snapshot) LastCustomerText() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].SpeakerRole == "customer" {
			return s.Turns[i].Text
		}
	}
	return ""
}

// renderTurns formats turns for a prompt, one line per turn.
func renderTurns(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s/%s] %s\n", t.SpeakerRole, t.Nickname, t.Text)
	}
	return b.String()
}

// renderCustomer folds the customer profile into prompt context.
func renderCustomer(p *internal_customer.Profile) string {
	if p == nil || p.Customer == nil {
		return "고객 정보 없음"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "이름: %s / 현재 요금제: %s / 멤버십 등급: %s",
		p.Customer.Name, p.Customer.CurrentPlan, p.Customer.MembershipLevel)
	if p.Customer.ContractEndsAt != nil {
		fmt.Fprintf(&b, " / 약정 만료일: %s", p.Customer.ContractEndsAt.Format("2006-01-02"))
	}
	for _, h := range p.History {
		fmt.Fprintf(&b, "\n이전 상담(%s): %s", h.ConsultedAt.Format("2006-01-02"), h.Summary)
	}
	return b.String()
}
