// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_room

import (
	"context"
	"sync"
	"time"

	internal_agent "github.com/baro-gochi/realtime-assist-agent-sub000/internal/agent"
	internal_customer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/customer"
	internal_entity "github.com/baro-gochi/realtime-assist-agent-sub000/internal/entity"
	internal_peer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/peer"
	internal_persistence "github.com/baro-gochi/realtime-assist-agent-sub000/internal/persistence"
	internal_signaling "github.com/baro-gochi/realtime-assist-agent-sub000/internal/signaling"
	internal_stt "github.com/baro-gochi/realtime-assist-agent-sub000/internal/stt"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// Room status values.
const (
	RoomStatusActive = "active"
	RoomStatusEnded  = "ended"
)

// member is one joined peer: its signaling client, its WebRTC session and the
// STT consumer pinned for the member's lifetime.
type member struct {
	peerID   string
	nickname string
	role     string
	phone    string
	joinedAt time.Time

	client  *internal_signaling.Client
	session *internal_peer.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	source *internal_peer.RelaySource
}

func (m *member) setSource(source *internal_peer.RelaySource) {
	m.mu.Lock()
	m.source = source
	m.mu.Unlock()
}

func (m *member) getSource() *internal_peer.RelaySource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

func (m *member) summary() internal_signaling.PeerSummary {
	return internal_signaling.PeerSummary{PeerID: m.peerID, Nickname: m.nickname, Role: m.role}
}

// Room groups the peers sharing one logical name. It is the single appender
// of the transcript: turn indexes are dense and strictly increasing, assigned
// under the room mutex. Everything analysis-side is delegated to the agent.
type Room struct {
	logger  commons.Logger
	gateway internal_persistence.Gateway

	name      string
	sessionID string
	agent     *internal_agent.RoomAgent
	createdAt time.Time

	mu       sync.Mutex
	members  map[string]*member
	nextTurn int
	status   string
	profile  *internal_customer.Profile

	// writes pins async transcript persistence for graceful shutdown.
	writes sync.WaitGroup
}

func newRoom(logger commons.Logger, gateway internal_persistence.Gateway, name, sessionID string, agent *internal_agent.RoomAgent) *Room {
	return &Room{
		logger:    logger,
		gateway:   gateway,
		name:      name,
		sessionID: sessionID,
		agent:     agent,
		createdAt: time.Now().UTC(),
		members:   make(map[string]*member),
		status:    RoomStatusActive,
	}
}

// Name returns the room's logical name.
func (r *Room) Name() string { return r.name }

// SessionID returns the persistent session id created on first join.
func (r *Room) SessionID() string { return r.sessionID }

// Agent returns the per-room analysis orchestrator.
func (r *Room) Agent() *internal_agent.RoomAgent { return r.agent }

func (r *Room) addMember(m *member) (roster []internal_signaling.PeerSummary, count int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == RoomStatusEnded {
		return nil, 0, ErrRoomClosed
	}
	for _, other := range r.members {
		roster = append(roster, other.summary())
	}
	r.members[m.peerID] = m
	return roster, len(r.members), nil
}

// removeMember detaches a peer and reports how many members remain. Removal
// is atomic with the roster; actual session teardown happens outside the
// room lock.
func (r *Room) removeMember(peerID string) (m *member, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok = r.members[peerID]
	if !ok {
		return nil, len(r.members), false
	}
	delete(r.members, peerID)
	return m, len(r.members), true
}

func (r *Room) getMember(peerID string) (*member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[peerID]
	return m, ok
}

func (r *Room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) membersSnapshot() []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// broadcast enqueues env on every member's client, optionally excluding one
// peer. Per-client FIFO holds because each client has a single writer.
func (r *Room) broadcast(env *internal_signaling.Envelope, excludePeerID string) {
	for _, m := range r.membersSnapshot() {
		if m.peerID == excludePeerID {
			continue
		}
		m.client.Send(env)
	}
}

// attachSource wires a newly arrived upstream track into the fan-out graph:
// every other member gets its own downstream subscription of this source.
func (r *Room) attachSource(from *member, source *internal_peer.RelaySource) {
	from.setSource(source)
	for _, other := range r.membersSnapshot() {
		if other.peerID == from.peerID {
			continue
		}
		if err := other.session.AddDownstream(from.peerID, source); err != nil {
			r.logger.Warnw("failed to attach downstream",
				"room", r.name, "to", other.peerID, "from", from.peerID, "error", err)
		}
	}
}

// syncDownstreams subscribes m to every already-present upstream track. Run
// after m's peer connection exists (first offer).
func (r *Room) syncDownstreams(m *member) {
	for _, other := range r.membersSnapshot() {
		if other.peerID == m.peerID {
			continue
		}
		if source := other.getSource(); source != nil {
			if err := m.session.AddDownstream(other.peerID, source); err != nil {
				r.logger.Warnw("failed to sync downstream",
					"room", r.name, "to", m.peerID, "from", other.peerID, "error", err)
			}
		}
	}
}

// detachSource removes m's forwarding paths from every other member.
func (r *Room) detachSource(peerID string) {
	for _, other := range r.membersSnapshot() {
		if other.peerID != peerID {
			other.session.RemoveDownstream(peerID)
		}
	}
}

// handleTranscript fans one recognition result out to the room. Finals are
// committed: the room assigns the next dense turn index, schedules the
// pipeline and writes through to storage without blocking the fan-out.
func (r *Room) handleTranscript(m *member, t internal_stt.Transcript) {
	now := time.Now().UTC()

	r.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeTranscript,
		internal_signaling.TranscriptData{
			PeerID:     m.peerID,
			Nickname:   m.nickname,
			Text:       t.Text,
			Timestamp:  now,
			IsFinal:    t.IsFinal,
			Confidence: t.Confidence,
			Source:     "stt",
		}), "")

	if !t.IsFinal {
		return
	}

	r.mu.Lock()
	if r.status == RoomStatusEnded {
		r.mu.Unlock()
		return
	}
	index := r.nextTurn
	r.nextTurn++
	// The append stays under the room lock so turns reach the analysis
	// state in index order; Append itself never blocks.
	r.agent.Append(internal_agent.Turn{
		Index:       index,
		PeerID:      m.peerID,
		Nickname:    m.nickname,
		SpeakerRole: m.role,
		Text:        t.Text,
		Timestamp:   now,
		Confidence:  t.Confidence,
		Source:      "stt",
	})
	r.mu.Unlock()

	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		if err := r.gateway.TranscriptAppend(context.Background(), internal_entity.ConsultationTranscript{
			SessionID:   r.sessionID,
			TurnIndex:   index,
			SpeakerType: m.role,
			SpeakerName: m.nickname,
			Text:        t.Text,
			Timestamp:   now,
			Confidence:  t.Confidence,
			IsFinal:     true,
			Source:      "stt",
		}); err != nil {
			r.logger.Warnw("transcript write failed",
				"room", r.name, "turnIndex", index, "error", err)
		}
	}()
}

// markEnded promotes the room to ended; joins are rejected afterwards.
func (r *Room) markEnded() {
	r.mu.Lock()
	r.status = RoomStatusEnded
	r.mu.Unlock()
}

// setProfile records the resolved customer context; mirrored to the agent by
// the caller.
func (r *Room) setProfile(p *internal_customer.Profile) {
	r.mu.Lock()
	r.profile = p
	r.mu.Unlock()
}

func (r *Room) getProfile() *internal_customer.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile
}

// profileWire converts the customer profile to the signaling payload shape.
func profileWire(p *internal_customer.Profile) (info map[string]interface{}, history []map[string]interface{}) {
	if p == nil || p.Customer == nil {
		return nil, nil
	}
	info = map[string]interface{}{
		"name":             p.Customer.Name,
		"phone_number":     p.Customer.PhoneNumber,
		"current_plan":     p.Customer.CurrentPlan,
		"membership_level": p.Customer.MembershipLevel,
	}
	if p.Customer.ContractEndsAt != nil {
		info["contract_ends_at"] = p.Customer.ContractEndsAt.Format("2006-01-02")
	}
	for _, h := range p.History {
		history = append(history, map[string]interface{}{
			"consultation_type": h.ConsultationType,
			"summary":           h.Summary,
			"consulted_at":      h.ConsultedAt.Format(time.RFC3339),
		})
	}
	return info, history
}
