// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/baro-gochi/realtime-assist-agent-sub000/config"
	internal_agent "github.com/baro-gochi/realtime-assist-agent-sub000/internal/agent"
	internal_customer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/customer"
	internal_knowledge "github.com/baro-gochi/realtime-assist-agent-sub000/internal/knowledge"
	internal_llm "github.com/baro-gochi/realtime-assist-agent-sub000/internal/llm"
	internal_peer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/peer"
	internal_persistence "github.com/baro-gochi/realtime-assist-agent-sub000/internal/persistence"
	internal_signaling "github.com/baro-gochi/realtime-assist-agent-sub000/internal/signaling"
	internal_stt "github.com/baro-gochi/realtime-assist-agent-sub000/internal/stt"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

var (
	ErrRoomClosed    = errors.New("room: closed")
	ErrDuplicateJoin = errors.New("room: peer already joined a room")
	ErrNotInRoom     = errors.New("room: peer is not in a room")
	ErrRoomLimit     = errors.New("room: concurrent room limit reached")
)

// Manager is the process-wide room registry and the signaling router: it
// places peers into rooms, dispatches negotiation to the right peer session
// and application events to the right room agent.
type Manager struct {
	logger     commons.Logger
	cfg        *config.AppConfig
	gateway    internal_persistence.Gateway
	llm        internal_llm.Client
	graph      *internal_agent.Graph
	directory  internal_customer.Directory
	sttFactory internal_stt.SessionFactory

	mu    sync.Mutex
	rooms map[string]*Room
	peers map[string]*Room // peerID -> joined room

	// destroys pins async room teardown for graceful shutdown.
	destroys sync.WaitGroup
}

func NewManager(
	cfg *config.AppConfig,
	gateway internal_persistence.Gateway,
	llm internal_llm.Client,
	embedder internal_llm.Embedder,
	store internal_knowledge.VectorStore,
	cache internal_knowledge.SemanticCache,
	directory internal_customer.Directory,
	sttFactory internal_stt.SessionFactory,
	logger commons.Logger,
) *Manager {
	graph := internal_agent.NewGraph(
		llm, embedder, store, cache,
		time.Duration(cfg.PipelineNodeDeadlineMS)*time.Millisecond,
		logger,
	)
	return &Manager{
		logger:     logger,
		cfg:        cfg,
		gateway:    gateway,
		llm:        llm,
		graph:      graph,
		directory:  directory,
		sttFactory: sttFactory,
		rooms:      make(map[string]*Room),
		peers:      make(map[string]*Room),
	}
}

// Route implements internal_signaling.Router.
func (m *Manager) Route(client *internal_signaling.Client, env *internal_signaling.Envelope) {
	switch env.Type {
	case internal_signaling.TypeJoinRoom:
		var data internal_signaling.JoinRoomData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.RoomName == "" {
			sendError(client, "invalid join_room payload")
			return
		}
		m.join(client, data)

	case internal_signaling.TypeOffer:
		var data internal_signaling.SDPData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			sendError(client, "invalid offer payload")
			return
		}
		m.handleOffer(client, data)

	case internal_signaling.TypeICECandidate:
		var data internal_signaling.ICECandidateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			sendError(client, "invalid ice_candidate payload")
			return
		}
		m.handleICE(client, data)

	case internal_signaling.TypeLeaveRoom:
		if err := m.leave(client); err != nil {
			sendError(client, err.Error())
		}

	case internal_signaling.TypeAgentTask:
		var data internal_signaling.AgentTaskData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			sendError(client, "invalid agent_task payload")
			return
		}
		m.handleAgentTask(client, data)

	case internal_signaling.TypeEndSession:
		m.handleEndSession(client)

	default:
		sendError(client, "unknown message type: "+string(env.Type))
	}
}

// Disconnect implements internal_signaling.Router; transport loss is an
// implicit leave.
func (m *Manager) Disconnect(client *internal_signaling.Client) {
	if err := m.leave(client); err != nil && !errors.Is(err, ErrNotInRoom) {
		m.logger.Warnw("disconnect cleanup failed", "peerId", client.PeerID(), "error", err)
	}
}

// RoomCount reports the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// ============================================================================
// join / leave
// ============================================================================

// join atomically places the peer into the named room, creating the room
// (and its persistent session) when absent. The registry lock spans the
// session insert so two peers racing into the same empty room land in one
// Room instance.
func (m *Manager) join(client *internal_signaling.Client, data internal_signaling.JoinRoomData) {
	peerID := client.PeerID()
	role := data.Role()

	m.mu.Lock()
	if _, joined := m.peers[peerID]; joined {
		m.mu.Unlock()
		sendError(client, ErrDuplicateJoin.Error())
		return
	}
	room, exists := m.rooms[data.RoomName]
	if !exists {
		if len(m.rooms) >= m.cfg.MaxConcurrentRooms {
			m.mu.Unlock()
			sendError(client, ErrRoomLimit.Error())
			return
		}
		sessionID, err := m.gateway.SessionBegin(client.Context(), data.RoomName)
		if err != nil {
			m.mu.Unlock()
			sendError(client, "failed to start session")
			return
		}
		agent := internal_agent.NewRoomAgent(
			sessionID, data.RoomName, m.graph, m.llm, m.gateway,
			m.broadcaster(data.RoomName), m.logger,
		)
		room = newRoom(m.logger, m.gateway, data.RoomName, sessionID, agent)
		m.rooms[data.RoomName] = room
		agent.Start()
	}
	m.mu.Unlock()

	mem := m.newMember(client, room, data, role)
	roster, count, err := room.addMember(mem)
	if err != nil {
		mem.cancel()
		if errors.Is(err, ErrRoomClosed) {
			sendError(client, "ROOM_CLOSED")
		} else {
			sendError(client, err.Error())
		}
		return
	}

	m.mu.Lock()
	m.peers[peerID] = room
	m.mu.Unlock()

	ttl := time.Duration(m.cfg.TurnCredentialsTTLSeconds) * time.Second
	_, wireServers := iceServers(m.cfg.TurnURLs, m.cfg.TurnSecret, ttl)

	info, history := profileWire(room.getProfile())
	client.Send(internal_signaling.MustEnvelope(internal_signaling.TypeRoomJoined,
		internal_signaling.RoomJoinedData{
			RoomName:            room.Name(),
			PeerCount:           count,
			OtherPeers:          roster,
			SessionID:           room.SessionID(),
			ICEServers:          wireServers,
			CustomerInfo:        info,
			ConsultationHistory: history,
		}))

	room.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeUserJoined,
		internal_signaling.UserEventData{
			PeerID:    peerID,
			Nickname:  data.Nickname,
			PeerCount: count,
		}), peerID)

	m.logger.Infow("peer joined room",
		"room", room.Name(), "peerId", peerID, "nickname", data.Nickname, "role", role)

	if role == internal_signaling.RoleCustomer && data.PhoneNumber != "" {
		m.loadCustomerContext(room, data.PhoneNumber)
	}
}

// leave removes the peer from its room; the last leaver triggers room
// destruction with the agent pipeline allowed to drain submitted ticks.
func (m *Manager) leave(client *internal_signaling.Client) error {
	peerID := client.PeerID()

	m.mu.Lock()
	room, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotInRoom
	}

	mem, remaining, found := room.removeMember(peerID)
	if !found {
		return nil
	}
	m.teardownMember(room, mem)

	room.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeUserLeft,
		internal_signaling.UserEventData{
			PeerID:    peerID,
			Nickname:  mem.nickname,
			PeerCount: remaining,
		}), "")

	m.logger.Infow("peer left room", "room", room.Name(), "peerId", peerID, "remaining", remaining)

	if remaining == 0 {
		m.destroyRoom(room)
	}
	return nil
}

// teardownMember stops the member's STT consumer and WebRTC session and
// unwires its forwarding paths. Blocks until the pinned goroutines exit.
func (m *Manager) teardownMember(room *Room, mem *member) {
	mem.cancel()
	room.detachSource(mem.peerID)
	mem.session.Close("member teardown")
	mem.wg.Wait()
}

// destroyRoom removes the room from the registry and finishes teardown in
// the background: in-flight pipeline ticks drain, pending writes settle.
func (m *Manager) destroyRoom(room *Room) {
	m.mu.Lock()
	if current, ok := m.rooms[room.Name()]; ok && current == room {
		delete(m.rooms, room.Name())
	}
	m.mu.Unlock()

	room.markEnded()
	m.destroys.Add(1)
	go func() {
		defer m.destroys.Done()
		room.Agent().Drain()
		room.Agent().Close()
		room.writes.Wait()
		m.logger.Infow("room destroyed", "room", room.Name(), "sessionId", room.SessionID())
	}()
}

// ============================================================================
// media routing
// ============================================================================

func (m *Manager) memberFor(client *internal_signaling.Client) (*Room, *member, error) {
	m.mu.Lock()
	room, ok := m.peers[client.PeerID()]
	m.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	mem, found := room.getMember(client.PeerID())
	if !found {
		return nil, nil, ErrNotInRoom
	}
	return room, mem, nil
}

func (m *Manager) handleOffer(client *internal_signaling.Client, data internal_signaling.SDPData) {
	room, mem, err := m.memberFor(client)
	if err != nil {
		sendError(client, err.Error())
		return
	}

	answer, err := mem.session.HandleOffer(data.SDP)
	if err != nil {
		if errors.Is(err, internal_peer.ErrBadState) {
			sendError(client, "BAD_STATE")
		} else {
			m.logger.Errorw("offer handling failed", "peerId", mem.peerID, "error", err)
			sendError(client, "failed to negotiate")
		}
		return
	}

	client.Send(internal_signaling.MustEnvelope(internal_signaling.TypeAnswer,
		internal_signaling.SDPData{SDP: answer, Type: "answer"}))

	// The peer connection now exists; attach every already-present upstream.
	room.syncDownstreams(mem)
}

func (m *Manager) handleICE(client *internal_signaling.Client, data internal_signaling.ICECandidateData) {
	_, mem, err := m.memberFor(client)
	if err != nil {
		sendError(client, err.Error())
		return
	}
	if data.Candidate == "" {
		return
	}
	if err := mem.session.HandleRemoteICE(pionwebrtc.ICECandidateInit{
		Candidate:     data.Candidate,
		SDPMid:        data.SDPMid,
		SDPMLineIndex: data.SDPMLineIndex,
	}); err != nil {
		m.logger.Debugw("ice candidate rejected", "peerId", mem.peerID, "error", err)
	}
}

// ============================================================================
// agent plane
// ============================================================================

func (m *Manager) handleAgentTask(client *internal_signaling.Client, data internal_signaling.AgentTaskData) {
	room, _, err := m.memberFor(client)
	if err != nil {
		sendError(client, err.Error())
		return
	}
	switch data.Task {
	case "consultation":
		room.Agent().RunConsultation()
	default:
		sendError(client, "unknown agent task: "+data.Task)
	}
}

// handleEndSession flushes the pipeline, finalises the session row and tears
// the room down. The requester gets session_ended within the configured
// deadline, success=false past it.
func (m *Manager) handleEndSession(client *internal_signaling.Client) {
	room, _, err := m.memberFor(client)
	if err != nil {
		sendError(client, err.Error())
		return
	}

	room.markEnded()

	m.destroys.Add(1)
	go func() {
		defer m.destroys.Done()

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(m.cfg.EndSessionDeadlineMS)*time.Millisecond)
		defer cancel()

		sessionID, ended, err := room.Agent().EndSession(ctx)
		data := internal_signaling.SessionEndedData{Success: err == nil && ended, SessionID: sessionID}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				data.Message = "timeout"
			} else {
				data.Message = err.Error()
			}
			m.logger.Errorw("session end failed", "room", room.Name(), "error", err)
		}
		room.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeSessionEnded, data), "")

		for _, mem := range room.membersSnapshot() {
			m.mu.Lock()
			delete(m.peers, mem.peerID)
			m.mu.Unlock()
			room.removeMember(mem.peerID)
			m.teardownMember(room, mem)
		}

		m.mu.Lock()
		if current, ok := m.rooms[room.Name()]; ok && current == room {
			delete(m.rooms, room.Name())
		}
		m.mu.Unlock()

		room.Agent().Close()
		room.writes.Wait()
		m.logger.Infow("session ended", "room", room.Name(), "sessionId", sessionID, "success", data.Success)
	}()
}

// loadCustomerContext resolves the caller asynchronously and pushes the
// enriched context to the room once available.
func (m *Manager) loadCustomerContext(room *Room, phoneNumber string) {
	m.destroys.Add(1)
	go func() {
		defer m.destroys.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		profile, err := m.directory.LookupByPhone(ctx, phoneNumber)
		if err != nil {
			m.logger.Warnw("customer lookup failed", "room", room.Name(), "error", err)
			return
		}
		room.setProfile(profile)
		room.Agent().SetCustomerProfile(profile)

		info, history := profileWire(profile)
		if info == nil {
			return
		}
		room.broadcast(internal_signaling.MustEnvelope(internal_signaling.TypeUserJoined,
			internal_signaling.UserEventData{
				PeerCount:           room.memberCount(),
				CustomerInfo:        info,
				ConsultationHistory: history,
			}), "")
	}()
}

// ============================================================================
// member construction
// ============================================================================

func (m *Manager) newMember(client *internal_signaling.Client, room *Room, data internal_signaling.JoinRoomData, role string) *member {
	ctx, cancel := context.WithCancel(context.Background())
	mem := &member{
		peerID:   client.PeerID(),
		nickname: data.Nickname,
		role:     role,
		phone:    data.PhoneNumber,
		joinedAt: time.Now().UTC(),
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
	}

	ttl := time.Duration(m.cfg.TurnCredentialsTTLSeconds) * time.Second
	pionServers, _ := iceServers(m.cfg.TurnURLs, m.cfg.TurnSecret, ttl)

	mem.session = internal_peer.NewSession(m.logger,
		internal_peer.Config{
			ICEServers:         pionServers,
			ICETransportPolicy: m.cfg.ICETransportPolicy,
		},
		mem.peerID,
		internal_peer.SessionHooks{
			OnLocalICE: func(candidate pionwebrtc.ICECandidateInit) {
				client.Send(internal_signaling.MustEnvelope(internal_signaling.TypeICECandidate,
					map[string]interface{}{"candidate": candidate}))
			},
			OnRemoteTrack: func(source *internal_peer.RelaySource) {
				room.attachSource(mem, source)
				m.startSTT(room, mem, source)
			},
			OnRenegotiationNeeded: func(reason string) {
				client.Send(internal_signaling.MustEnvelope(internal_signaling.TypeRenegotiationNeeded,
					internal_signaling.RenegotiationData{Reason: reason}))
			},
			OnFailed: func() {
				sendError(client, "connection_failed")
			},
		})
	return mem
}

// startSTT opens the per-peer transcription stream over its own tap of the
// relay source. The consuming goroutine is pinned on the member for its full
// lifetime. Fatal provider errors surface once; the room continues without
// STT for that speaker.
func (m *Manager) startSTT(room *Room, mem *member, source *internal_peer.RelaySource) {
	tap := source.Subscribe("stt:" + mem.peerID)

	stream, err := internal_stt.NewStream(m.logger, m.sttFactory,
		internal_stt.Options{
			LanguageCode:         m.cfg.SttLanguageCode,
			Model:                m.cfg.SttModel,
			AutomaticPunctuation: m.cfg.SttAutomaticPunctuation,
		},
		func(t internal_stt.Transcript) {
			room.handleTranscript(mem, t)
		})
	if err != nil {
		tap.Close()
		m.logger.Errorw("failed to open stt stream", "peerId", mem.peerID, "error", err)
		sendError(mem.client, "STT_FATAL")
		return
	}

	mem.wg.Add(1)
	go func() {
		defer mem.wg.Done()
		if err := stream.Run(mem.ctx, tap); err != nil {
			m.logger.Errorw("stt stream failed fatally", "peerId", mem.peerID, "error", err)
			sendError(mem.client, "STT_FATAL")
		}
	}()
}

// Shutdown tears every room down: pipelines cancelled, sessions closed,
// clients disconnected. Pending async teardown is awaited.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.peers = make(map[string]*Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.markEnded()
		for _, mem := range room.membersSnapshot() {
			room.removeMember(mem.peerID)
			m.teardownMember(room, mem)
			mem.client.Close(internal_signaling.CloseNormal, "server shutting down")
		}
		room.Agent().Close()
		room.writes.Wait()
	}

	done := make(chan struct{})
	go func() {
		m.destroys.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warnw("shutdown timed out waiting for room teardown")
	}
}

// broadcaster resolves the room through the registry at send time, so the
// agent never holds a back-pointer to peer sessions. Envelopes for a room
// already removed from the registry are dropped.
func (m *Manager) broadcaster(roomName string) internal_agent.BroadcastFunc {
	return func(env *internal_signaling.Envelope) {
		m.mu.Lock()
		room, ok := m.rooms[roomName]
		m.mu.Unlock()
		if !ok {
			return
		}
		room.broadcast(env, "")
	}
}

func sendError(client *internal_signaling.Client, message string) {
	client.Send(internal_signaling.MustEnvelope(internal_signaling.TypeError,
		internal_signaling.ErrorData{Message: message}))
}
