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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baro-gochi/realtime-assist-agent-sub000/config"
	internal_customer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/customer"
	internal_entity "github.com/baro-gochi/realtime-assist-agent-sub000/internal/entity"
	internal_knowledge "github.com/baro-gochi/realtime-assist-agent-sub000/internal/knowledge"
	internal_signaling "github.com/baro-gochi/realtime-assist-agent-sub000/internal/signaling"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// ============================================================================
// Test fakes
// ============================================================================

type fakeConn struct {
	mu      sync.Mutex
	readCh  chan []byte
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-f.readCh
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, raw, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// envelopes parses every written text frame, skipping pings and close frames.
func (f *fakeConn) envelopes() []*internal_signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*internal_signaling.Envelope
	for _, raw := range f.written {
		var env internal_signaling.Envelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Type != "" {
			out = append(out, &env)
		}
	}
	return out
}

func (f *fakeConn) lastOfType(t internal_signaling.MessageType) *internal_signaling.Envelope {
	var found *internal_signaling.Envelope
	for _, env := range f.envelopes() {
		if env.Type == t {
			found = env
		}
	}
	return found
}

type fakeGateway struct {
	mu          sync.Mutex
	beginCalls  int32
	transcripts []internal_entity.ConsultationTranscript
	results     []internal_entity.ConsultationAgentResult
	ended       bool
	endedID     string
}

func (f *fakeGateway) SessionBegin(context.Context, string) (string, error) {
	n := atomic.AddInt32(&f.beginCalls, 1)
	return fmt.Sprintf("sess-%d", n), nil
}

func (f *fakeGateway) TranscriptAppend(_ context.Context, row internal_entity.ConsultationTranscript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, row)
	return nil
}

func (f *fakeGateway) AgentResultWrite(_ context.Context, row internal_entity.ConsultationAgentResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, row)
	return nil
}

func (f *fakeGateway) SessionEnd(_ context.Context, sessionID, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	f.endedID = sessionID
	return true, nil
}

func (f *fakeGateway) Drain(context.Context) error { return nil }

func (f *fakeGateway) sessionEnded() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended, f.endedID
}

// fakeLLM answers every prompt with an empty object; enough for the manager
// plane, which never inspects node payloads.
type fakeLLM struct{}

func (fakeLLM) Complete(context.Context, string, string) (string, error) { return `{}`, nil }
func (fakeLLM) CompleteStream(ctx context.Context, system, user string, _ func(string)) (string, error) {
	return `{}`, nil
}
func (fakeLLM) Available(context.Context) bool { return true }
func (fakeLLM) ModelVersion() string           { return "test-model-1" }
func (fakeLLM) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeStore struct{}

func (fakeStore) Search(context.Context, string, []float32, int) ([]internal_knowledge.Document, error) {
	return nil, nil
}

type fakeCache struct{}

func (fakeCache) Lookup(context.Context, string, []float32) (*internal_knowledge.CacheEntry, bool, error) {
	return nil, false, nil
}
func (fakeCache) Insert(context.Context, string, []float32, []byte) error { return nil }

type fakeDirectory struct {
	profile *internal_customer.Profile
}

func (f *fakeDirectory) LookupByPhone(context.Context, string) (*internal_customer.Profile, error) {
	if f.profile == nil {
		return &internal_customer.Profile{}, nil
	}
	return f.profile, nil
}

// ============================================================================
// Harness
// ============================================================================

type managerFixture struct {
	manager   *Manager
	gateway   *fakeGateway
	directory *fakeDirectory
	cfg       *config.AppConfig
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	cfg := &config.AppConfig{
		MaxConcurrentRooms:     8,
		PipelineNodeDeadlineMS: 1000,
		EndSessionDeadlineMS:   3000,
		ICETransportPolicy:     "all",
		SttLanguageCode:        "ko-KR",
		SttModel:               "latest_long",
	}
	gateway := &fakeGateway{}
	directory := &fakeDirectory{}
	llm := fakeLLM{}

	manager := NewManager(cfg, gateway, llm, llm, fakeStore{}, fakeCache{}, directory, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return &managerFixture{manager: manager, gateway: gateway, directory: directory, cfg: cfg}
}

func (f *managerFixture) newClient(t *testing.T) (*internal_signaling.Client, *fakeConn) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	conn := newFakeConn()
	return internal_signaling.NewClient(logger, conn), conn
}

func (f *managerFixture) join(t *testing.T, roomName, nickname string) (*internal_signaling.Client, *fakeConn) {
	t.Helper()
	client, conn := f.newClient(t)
	f.manager.Route(client, joinEnvelope(roomName, nickname, ""))
	waitForType(t, conn, internal_signaling.TypeRoomJoined)
	return client, conn
}

func joinEnvelope(roomName, nickname, phone string) *internal_signaling.Envelope {
	return internal_signaling.MustEnvelope(internal_signaling.TypeJoinRoom,
		internal_signaling.JoinRoomData{RoomName: roomName, Nickname: nickname, PhoneNumber: phone})
}

func waitForType(t *testing.T, conn *fakeConn, typ internal_signaling.MessageType) *internal_signaling.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.lastOfType(typ) != nil
	}, 3*time.Second, 5*time.Millisecond, "no %s frame arrived", typ)
	return conn.lastOfType(typ)
}

func errorMessage(t *testing.T, env *internal_signaling.Envelope) string {
	t.Helper()
	var data internal_signaling.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Message
}

// ============================================================================
// join
// ============================================================================

func TestManager_JoinCreatesRoomAndSession(t *testing.T) {
	f := newManagerFixture(t)

	_, conn := f.join(t, "room-1", "고객")

	env := conn.lastOfType(internal_signaling.TypeRoomJoined)
	var data internal_signaling.RoomJoinedData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "room-1", data.RoomName)
	assert.Equal(t, 1, data.PeerCount)
	assert.Equal(t, "sess-1", data.SessionID)
	assert.Empty(t, data.OtherPeers)

	assert.Equal(t, 1, f.manager.RoomCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.gateway.beginCalls))
}

func TestManager_SecondJoinSeesRosterAndNotifiesFirst(t *testing.T) {
	f := newManagerFixture(t)

	first, firstConn := f.join(t, "room-1", "고객")
	_, secondConn := f.join(t, "room-1", "상담사")

	env := secondConn.lastOfType(internal_signaling.TypeRoomJoined)
	var data internal_signaling.RoomJoinedData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 2, data.PeerCount)
	require.Len(t, data.OtherPeers, 1)
	assert.Equal(t, first.PeerID(), data.OtherPeers[0].PeerID)
	assert.Equal(t, "고객", data.OtherPeers[0].Nickname)

	joined := waitForType(t, firstConn, internal_signaling.TypeUserJoined)
	var event internal_signaling.UserEventData
	require.NoError(t, json.Unmarshal(joined.Data, &event))
	assert.Equal(t, "상담사", event.Nickname)
	assert.Equal(t, 2, event.PeerCount)

	// Still one room, one persistent session.
	assert.Equal(t, 1, f.manager.RoomCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.gateway.beginCalls))
}

func TestManager_DuplicateJoinRejected(t *testing.T) {
	f := newManagerFixture(t)

	client, conn := f.join(t, "room-1", "고객")
	f.manager.Route(client, joinEnvelope("room-2", "고객", ""))

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Contains(t, errorMessage(t, env), "already joined")
	assert.Equal(t, 1, f.manager.RoomCount())
}

func TestManager_JoinEndedRoomRejected(t *testing.T) {
	f := newManagerFixture(t)

	f.join(t, "room-1", "고객")

	f.manager.mu.Lock()
	room := f.manager.rooms["room-1"]
	f.manager.mu.Unlock()
	require.NotNil(t, room)
	room.markEnded()

	client, conn := f.newClient(t)
	f.manager.Route(client, joinEnvelope("room-1", "늦은 고객", ""))

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Equal(t, "ROOM_CLOSED", errorMessage(t, env))
}

func TestManager_RoomLimitRejectsNewRooms(t *testing.T) {
	f := newManagerFixture(t)
	f.cfg.MaxConcurrentRooms = 1

	f.join(t, "room-1", "고객")

	client, conn := f.newClient(t)
	f.manager.Route(client, joinEnvelope("room-2", "다른 고객", ""))

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Contains(t, errorMessage(t, env), "limit")
	assert.Equal(t, 1, f.manager.RoomCount())
}

func TestManager_SimultaneousJoinsLandInOneRoom(t *testing.T) {
	f := newManagerFixture(t)

	clients := make([]*internal_signaling.Client, 4)
	conns := make([]*fakeConn, 4)
	for i := range clients {
		clients[i], conns[i] = f.newClient(t)
	}

	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.manager.Route(clients[i], joinEnvelope("room-1", fmt.Sprintf("peer-%d", i), ""))
		}(i)
	}
	wg.Wait()

	sessionIDs := map[string]bool{}
	for _, conn := range conns {
		env := waitForType(t, conn, internal_signaling.TypeRoomJoined)
		var data internal_signaling.RoomJoinedData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		sessionIDs[data.SessionID] = true
	}

	// All four racers share one Room and one persisted session.
	assert.Len(t, sessionIDs, 1)
	assert.Equal(t, 1, f.manager.RoomCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.gateway.beginCalls))
}

// ============================================================================
// leave / disconnect
// ============================================================================

func TestManager_LastLeaveDestroysRoom(t *testing.T) {
	f := newManagerFixture(t)

	client, _ := f.join(t, "room-1", "고객")
	f.manager.Route(client, &internal_signaling.Envelope{Type: internal_signaling.TypeLeaveRoom})

	assert.Equal(t, 0, f.manager.RoomCount())
}

func TestManager_LeaveNotifiesRemainingPeers(t *testing.T) {
	f := newManagerFixture(t)

	_, firstConn := f.join(t, "room-1", "고객")
	second, _ := f.join(t, "room-1", "상담사")

	f.manager.Route(second, &internal_signaling.Envelope{Type: internal_signaling.TypeLeaveRoom})

	env := waitForType(t, firstConn, internal_signaling.TypeUserLeft)
	var event internal_signaling.UserEventData
	require.NoError(t, json.Unmarshal(env.Data, &event))
	assert.Equal(t, second.PeerID(), event.PeerID)
	assert.Equal(t, 1, event.PeerCount)

	// The room survives with one member left.
	assert.Equal(t, 1, f.manager.RoomCount())
}

func TestManager_LeaveWithoutJoinRejected(t *testing.T) {
	f := newManagerFixture(t)

	client, conn := f.newClient(t)
	f.manager.Route(client, &internal_signaling.Envelope{Type: internal_signaling.TypeLeaveRoom})

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Contains(t, errorMessage(t, env), "not in a room")
}

func TestManager_DisconnectActsAsLeave(t *testing.T) {
	f := newManagerFixture(t)

	client, _ := f.join(t, "room-1", "고객")
	f.manager.Disconnect(client)

	assert.Equal(t, 0, f.manager.RoomCount())

	// A second disconnect for the same client is silently ignored.
	f.manager.Disconnect(client)
}

func TestManager_RejoinAfterLeaveMintsNewRoom(t *testing.T) {
	f := newManagerFixture(t)

	client, _ := f.join(t, "room-1", "고객")
	f.manager.Route(client, &internal_signaling.Envelope{Type: internal_signaling.TypeLeaveRoom})
	require.Equal(t, 0, f.manager.RoomCount())

	// The same room name after destruction is a fresh room and session.
	_, conn := f.join(t, "room-1", "고객")
	env := conn.lastOfType(internal_signaling.TypeRoomJoined)
	var data internal_signaling.RoomJoinedData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "sess-2", data.SessionID)
}

// ============================================================================
// negotiation plumbing
// ============================================================================

func TestManager_OfferWithoutRoomRejected(t *testing.T) {
	f := newManagerFixture(t)

	client, conn := f.newClient(t)
	f.manager.Route(client, internal_signaling.MustEnvelope(internal_signaling.TypeOffer,
		internal_signaling.SDPData{SDP: "v=0", Type: "offer"}))

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Contains(t, errorMessage(t, env), "not in a room")
}

func TestManager_MalformedPayloadRejected(t *testing.T) {
	f := newManagerFixture(t)

	client, conn := f.newClient(t)
	f.manager.Route(client, &internal_signaling.Envelope{
		Type: internal_signaling.TypeJoinRoom,
		Data: json.RawMessage(`"not an object"`),
	})

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Contains(t, errorMessage(t, env), "invalid join_room payload")
}

func TestManager_UnknownMessageTypeRejected(t *testing.T) {
	f := newManagerFixture(t)

	client, conn := f.newClient(t)
	f.manager.Route(client, &internal_signaling.Envelope{Type: "teleport"})

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Contains(t, errorMessage(t, env), "unknown message type")
}

// ============================================================================
// customer context
// ============================================================================

func TestManager_CustomerJoinLoadsProfile(t *testing.T) {
	f := newManagerFixture(t)
	ends := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	f.directory.profile = &internal_customer.Profile{
		Customer: &internal_entity.Customer{
			Name:            "김민수",
			PhoneNumber:     "010-1234-5678",
			CurrentPlan:     "5G 프리미엄",
			MembershipLevel: "VIP",
			ContractEndsAt:  &ends,
		},
	}

	client, conn := f.newClient(t)
	f.manager.Route(client, joinEnvelope("room-1", "고객", "010-1234-5678"))
	waitForType(t, conn, internal_signaling.TypeRoomJoined)

	// The lookup is async; the enriched user_joined lands once resolved.
	require.Eventually(t, func() bool {
		for _, env := range conn.envelopes() {
			if env.Type != internal_signaling.TypeUserJoined {
				continue
			}
			var event internal_signaling.UserEventData
			if json.Unmarshal(env.Data, &event) == nil && event.CustomerInfo != nil {
				return event.CustomerInfo["name"] == "김민수"
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	f.manager.mu.Lock()
	room := f.manager.rooms["room-1"]
	f.manager.mu.Unlock()
	require.NotNil(t, room)
	profile := room.getProfile()
	require.NotNil(t, profile)
	assert.Equal(t, "5G 프리미엄", profile.Customer.CurrentPlan)
}

// ============================================================================
// end of session
// ============================================================================

func TestManager_EndSessionBroadcastsAndTearsDown(t *testing.T) {
	f := newManagerFixture(t)

	client, conn := f.join(t, "room-1", "고객")
	f.manager.Route(client, &internal_signaling.Envelope{Type: internal_signaling.TypeEndSession})

	env := waitForType(t, conn, internal_signaling.TypeSessionEnded)
	var data internal_signaling.SessionEndedData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, data.Success)
	assert.Equal(t, "sess-1", data.SessionID)

	require.Eventually(t, func() bool {
		return f.manager.RoomCount() == 0
	}, 3*time.Second, 5*time.Millisecond)

	ended, endedID := f.gateway.sessionEnded()
	assert.True(t, ended)
	assert.Equal(t, "sess-1", endedID)
}

func TestManager_EndSessionWithoutRoomRejected(t *testing.T) {
	f := newManagerFixture(t)

	client, conn := f.newClient(t)
	f.manager.Route(client, &internal_signaling.Envelope{Type: internal_signaling.TypeEndSession})

	env := waitForType(t, conn, internal_signaling.TypeError)
	assert.Contains(t, errorMessage(t, env), "not in a room")
}
