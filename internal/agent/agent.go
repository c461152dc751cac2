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
	"sync"
	"time"

	internal_customer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/customer"
	internal_entity "github.com/baro-gochi/realtime-assist-agent-sub000/internal/entity"
	internal_llm "github.com/baro-gochi/realtime-assist-agent-sub000/internal/llm"
	internal_persistence "github.com/baro-gochi/realtime-assist-agent-sub000/internal/persistence"
	internal_signaling "github.com/baro-gochi/realtime-assist-agent-sub000/internal/signaling"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// BroadcastFunc fans an envelope out to every signaling client in the room.
// The underlying send is non-blocking per client.
type BroadcastFunc func(env *internal_signaling.Envelope)

// RoomAgent schedules the analysis pipeline for one room. Ticks are
// tick-driven and serialised: at most one in flight; a transcript arriving
// mid-tick sets a dirty flag and a successor tick starts when the current one
// completes.
type RoomAgent struct {
	logger    commons.Logger
	graph     *Graph
	llm       internal_llm.Client
	gateway   internal_persistence.Gateway
	broadcast BroadcastFunc

	sessionID string
	roomName  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// tickMu serialises graph executions: scheduled ticks, consultation
	// tasks, and the end-of-session flush.
	tickMu sync.Mutex

	mu           sync.Mutex
	state        *state
	customer     *internal_customer.Profile
	running      bool
	dirty        bool
	closed       bool
	llmAvailable bool
}

func NewRoomAgent(
	sessionID, roomName string,
	graph *Graph,
	llm internal_llm.Client,
	gateway internal_persistence.Gateway,
	broadcast BroadcastFunc,
	logger commons.Logger,
) *RoomAgent {
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomAgent{
		logger:    logger,
		graph:     graph,
		llm:       llm,
		gateway:   gateway,
		broadcast: broadcast,
		sessionID: sessionID,
		roomName:  roomName,
		ctx:       ctx,
		cancel:    cancel,
		state:     newState(),
	}
}

// Start probes the LLM and announces readiness. A failed probe downgrades
// the room: LLM nodes emit skipped results, transcripts and retrieval keep
// flowing.
func (a *RoomAgent) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		available := a.llm.Available(a.ctx)
		a.mu.Lock()
		a.llmAvailable = available
		a.mu.Unlock()
		if !available {
			a.logger.Errorw("llm unreachable, room runs transcript-only", "room", a.roomName)
		}
		a.broadcast(internal_signaling.MustEnvelope(
			internal_signaling.TypeAgentReady,
			internal_signaling.AgentReadyData{LLMAvailable: available},
		))
	}()
}

// LLMAvailable reports the startup probe outcome.
func (a *RoomAgent) LLMAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.llmAvailable
}

// SetCustomerProfile installs the asynchronously loaded customer context.
// Ticks snapshot it; a profile arriving mid-tick is visible from the next.
func (a *RoomAgent) SetCustomerProfile(p *internal_customer.Profile) {
	a.mu.Lock()
	a.customer = p
	a.mu.Unlock()
}

// Append records one committed transcript turn and schedules a tick.
func (a *RoomAgent) Append(turn Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.state.turns = append(a.state.turns, turn)
	a.scheduleTickLocked()
}

func (a *RoomAgent) scheduleTickLocked() {
	if a.running {
		a.dirty = true
		return
	}
	a.running = true
	a.wg.Add(1)
	go a.runTick()
}

func (a *RoomAgent) runTick() {
	defer a.wg.Done()

	a.tickMu.Lock()
	snap := a.snapshot()
	if len(snap.Turns) > 0 {
		a.executeTick(a.ctx, snap, nil)
	}
	a.tickMu.Unlock()

	a.mu.Lock()
	a.running = false
	if a.dirty && !a.closed {
		a.dirty = false
		a.scheduleTickLocked()
	}
	a.mu.Unlock()
}

// snapshot builds the immutable per-tick view. The turns prefix is safe to
// share because the transcript is append-only.
func (a *RoomAgent) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.tickID++
	snap := Snapshot{
		Turns:        a.state.turns[:len(a.state.turns):len(a.state.turns)],
		LastIndex:    make(map[NodeKind]int, len(a.state.lastIndex)),
		LastResult:   make(map[NodeKind]json.RawMessage, len(a.state.lastResult)),
		Customer:     a.customer,
		LLMAvailable: a.llmAvailable,
	}
	for k, v := range a.state.lastIndex {
		snap.LastIndex[k] = v
	}
	for k, v := range a.state.lastResult {
		snap.LastResult[k] = v
	}
	if n := len(snap.Turns); n > 0 {
		snap.TurnID = fmt.Sprintf("turn_%d", snap.Turns[n-1].Index)
	} else {
		snap.TurnID = "turn_0"
	}
	return snap
}

// executeTick runs the graph and fans each node result out as it lands:
// broadcast first, durable write second, neither waiting on the other tick
// participants. onResult, when set, also observes every result.
func (a *RoomAgent) executeTick(ctx context.Context, snap Snapshot, onResult func(NodeResult)) {
	snapshotLen := len(snap.Turns)
	a.graph.Run(ctx, snap, func(res NodeResult) {
		env := &internal_signaling.Envelope{
			Type:   internal_signaling.TypeAgentUpdate,
			Data:   res.Payload,
			Node:   string(res.Kind),
			TurnID: snap.TurnID,
		}
		a.broadcast(env)

		if err := a.gateway.AgentResultWrite(context.Background(), internal_entity.ConsultationAgentResult{
			SessionID:        a.sessionID,
			TurnID:           snap.TurnID,
			ResultType:       string(res.Kind),
			ResultData:       res.Payload,
			ProcessingTimeMS: nodeElapsedMS(res.Elapsed),
			ModelVersion:     a.llm.ModelVersion(),
		}); err != nil {
			a.logger.Warnw("agent result write failed", "node", res.Kind, "turn", snap.TurnID, "error", err)
		}

		a.mu.Lock()
		a.state.lastIndex[res.Kind] = snapshotLen
		if !res.Skipped {
			a.state.lastResult[res.Kind] = res.Payload
		}
		a.mu.Unlock()

		if onResult != nil {
			onResult(res)
		}
	})
}

// RunConsultation executes the one-shot guide path (intent, policy
// retrieval, compose). It bypasses the dirty flag but serialises behind any
// in-flight tick.
func (a *RoomAgent) RunConsultation() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()

		a.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeAgentStatus,
			internal_signaling.AgentStatusData{Task: "consultation", Status: "processing"}))

		a.tickMu.Lock()
		snap := a.snapshot()
		guide, recommendations, citations, err := a.graph.composeGuide(a.ctx, snap)
		a.tickMu.Unlock()

		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Errorw("consultation task failed", "room", a.roomName, "error", err)
			a.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeAgentStatus,
				internal_signaling.AgentStatusData{Task: "consultation", Status: "error", Message: err.Error()}))
			return
		}

		recs := make([]map[string]interface{}, 0, len(recommendations))
		for _, d := range recommendations {
			recs = append(recs, map[string]interface{}{
				"title":           d.Title,
				"content":         d.Content,
				"metadata":        d.Metadata,
				"relevance_score": d.Score,
			})
		}
		a.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeAgentConsultation,
			internal_signaling.AgentConsultationData{
				Guide:           guide,
				Recommendations: recs,
				Citations:       citations,
				GeneratedAt:     time.Now().UTC(),
			}))
		a.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeAgentStatus,
			internal_signaling.AgentStatusData{Task: "consultation", Status: "done"}))
	}()
}

// EndSession flushes the pipeline and finalises the session row: the
// in-flight tick completes, one final tick covers every remaining turn, the
// summary and consultation type land on the session. Returns the session id
// and whether the row transitioned to ended.
func (a *RoomAgent) EndSession(ctx context.Context) (string, bool, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return a.sessionID, false, fmt.Errorf("agent already closed for room %s", a.roomName)
	}
	a.closed = true
	a.mu.Unlock()

	// Waits for the in-flight tick; no successor can start once closed.
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	snap := a.snapshot()

	var (
		resMu            sync.Mutex
		finalSummary     string
		consultationType string
	)
	if len(snap.Turns) > 0 {
		a.executeTick(ctx, snap, func(res NodeResult) {
			if res.Skipped {
				return
			}
			resMu.Lock()
			defer resMu.Unlock()
			switch res.Kind {
			case NodeSummarize:
				var out summarizeResult
				if err := parseModelJSON(string(res.Payload), &out); err == nil {
					finalSummary = out.Summary
				}
			case NodeIntent:
				var out intentResult
				if err := parseModelJSON(string(res.Payload), &out); err == nil {
					consultationType = out.IntentLabel
				}
			}
		})
	}
	if ctx.Err() != nil {
		return a.sessionID, false, fmt.Errorf("session end flush timed out: %w", ctx.Err())
	}

	ended, err := a.gateway.SessionEnd(ctx, a.sessionID, finalSummary, consultationType)
	if err != nil {
		return a.sessionID, false, err
	}
	a.logger.Infow("session flushed and ended",
		"sessionId", a.sessionID, "room", a.roomName, "turns", len(snap.Turns))
	return a.sessionID, ended, nil
}

// Close cancels the current tick cooperatively and waits for every agent
// goroutine. Nodes abort at their next external call; a cancelled tick
// writes nothing. Idempotent.
func (a *RoomAgent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

// Drain waits for in-flight ticks without cancelling them, so results still
// reach remaining members after a peer leaves.
func (a *RoomAgent) Drain() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
