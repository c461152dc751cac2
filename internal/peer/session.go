// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// State is the PeerSession lifecycle state.
type State string

const (
	StateNew           State = "NEW"
	StateOfferReceived State = "OFFER_RECEIVED"
	StateAnswering     State = "ANSWERING"
	StateConnected     State = "CONNECTED"
	StateFailed        State = "FAILED"
	StateClosed        State = "CLOSED"
)

var (
	// ErrBadState means an offer arrived while the signalling state cannot
	// absorb it.
	ErrBadState = errors.New("peer: bad signalling state for offer")
)

const (
	opusClockRate   = 48000
	opusChannels    = 2
	opusPayloadType = 111
	opusSDPFmtpLine = "minptime=10;useinbandfec=1"
)

// Config carries the transport policy for new peer connections. Relay-only
// is the default: symmetric NAT and tunnelled dev environments both need
// TURN, and mixed policies produce flaky ICE.
type Config struct {
	ICEServers         []pionwebrtc.ICEServer
	ICETransportPolicy string // "all" | "relay"
}

// SessionHooks are the callbacks a Session raises toward its owner (the
// room manager). All hooks may be invoked from pion's event goroutines.
type SessionHooks struct {
	// OnLocalICE fires for each locally gathered candidate.
	OnLocalICE func(candidate pionwebrtc.ICECandidateInit)
	// OnRemoteTrack fires once the browser's upstream audio arrives,
	// handing over the relay source whose pump is already running.
	OnRemoteTrack func(source *RelaySource)
	// OnConnected fires when the connection state reaches connected.
	OnConnected func()
	// OnFailed fires when ICE fails after gathering completes.
	OnFailed func()
	// OnRenegotiationNeeded asks the client for a fresh offer.
	OnRenegotiationNeeded func(reason string)
}

// Session owns one WebRTC peer connection and its lifecycle: negotiation,
// ICE buffering, downstream track fan-out and teardown.
type Session struct {
	mu sync.Mutex

	logger commons.Logger
	config Config
	peerID string
	hooks  SessionHooks

	ctx    context.Context
	cancel context.CancelFunc

	state State
	pc    *pionwebrtc.PeerConnection

	// pendingICE buffers remote candidates until the remote description is
	// applied.
	pendingICE []pionwebrtc.ICECandidateInit

	// pendingRenegotiation holds a deferred renegotiation reason; executed
	// as soon as the connection reaches connected (renegotiating during ICE
	// establishment closes the transport prematurely).
	pendingRenegotiation string

	// downstreams maps source peer id -> paced forwarding path. Each entry
	// is this session's OWN subscription of that source.
	downstreams map[string]*downstream

	// consumers pins every long-lived forwarding goroutine so the executor
	// retains a strong reference for the task's full lifetime.
	consumers sync.WaitGroup
}

type downstream struct {
	track  *pionwebrtc.TrackLocalStaticSample
	sender *pionwebrtc.RTPSender
	cancel context.CancelFunc
}

// NewSession builds a session in state NEW. The peer connection itself is
// created lazily on the first offer.
func NewSession(logger commons.Logger, config Config, peerID string, hooks SessionHooks) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		logger:      logger,
		config:      config,
		peerID:      peerID,
		hooks:       hooks,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateNew,
		downstreams: make(map[string]*downstream),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleOffer applies a remote offer and returns the local answer. Valid in
// NEW (initial negotiation) and CONNECTED (renegotiation); anything else is
// ErrBadState.
func (s *Session) HandleOffer(sdp string) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateNew, StateConnected, StateOfferReceived:
	default:
		s.mu.Unlock()
		return "", fmt.Errorf("%w: state=%s", ErrBadState, s.state)
	}

	if s.pc == nil {
		pc, err := s.createPeerConnection()
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
		s.pc = pc
	}
	s.state = StateOfferReceived
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	s.applyPendingICE(pc)

	s.mu.Lock()
	s.state = StateAnswering
	s.mu.Unlock()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// HandleRemoteICE applies a remote candidate, buffering it until the remote
// description is set. Applying to a closed session is a no-op, and replaying
// the same candidate is harmless.
func (s *Session) HandleRemoteICE(candidate pionwebrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	if pc == nil || pc.RemoteDescription() == nil {
		s.pendingICE = append(s.pendingICE, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// AddDownstream creates this session's own paced subscription of the given
// source and attaches it as a local track. When the session is already
// negotiated, a renegotiation is requested (deferred until connected).
func (s *Session) AddDownstream(fromPeerID string, source *RelaySource) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if _, exists := s.downstreams[fromPeerID]; exists {
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		// No peer connection yet; the track set is picked up when the
		// first offer arrives and the room re-adds downstreams.
		return nil
	}

	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  opusChannels,
		},
		"audio-"+fromPeerID,
		"relay-"+fromPeerID,
	)
	if err != nil {
		return fmt.Errorf("failed to create downstream track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add downstream track: %w", err)
	}

	sub := source.Subscribe("relay:" + s.peerID + "<-" + fromPeerID)
	dsCtx, dsCancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.downstreams[fromPeerID] = &downstream{track: track, sender: sender, cancel: dsCancel}
	s.mu.Unlock()

	writer := NewPacedWriter(s.logger, sub, track)
	s.consumers.Add(1)
	go func() {
		defer s.consumers.Done()
		writer.Run(dsCtx)
	}()

	// Read RTCP for this sender so interceptors keep functioning.
	s.consumers.Add(1)
	go func() {
		defer s.consumers.Done()
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	s.Renegotiate("new upstream track from " + fromPeerID)
	return nil
}

// RemoveDownstream tears down the forwarding path from one source peer.
func (s *Session) RemoveDownstream(fromPeerID string) {
	s.mu.Lock()
	ds, ok := s.downstreams[fromPeerID]
	if ok {
		delete(s.downstreams, fromPeerID)
	}
	pc := s.pc
	s.mu.Unlock()
	if !ok {
		return
	}
	ds.cancel()
	if pc != nil && ds.sender != nil {
		_ = pc.RemoveTrack(ds.sender)
	}
	s.Renegotiate("peer " + fromPeerID + " left")
}

// Renegotiate asks the client for a fresh offer. Deferred while the
// connection is still establishing; executed immediately once connected.
func (s *Session) Renegotiate(reason string) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.pendingRenegotiation = reason
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if s.hooks.OnRenegotiationNeeded != nil {
		s.hooks.OnRenegotiationNeeded(reason)
	}
}

// Close cancels every forwarding consumer, closes tracks and releases the
// peer connection. Idempotent.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	pc := s.pc
	s.pc = nil
	downstreams := s.downstreams
	s.downstreams = make(map[string]*downstream)
	s.mu.Unlock()

	s.logger.Debugw("closing peer session", "peerId", s.peerID, "reason", reason)

	for _, ds := range downstreams {
		ds.cancel()
	}
	s.cancel()
	if pc != nil {
		_ = pc.Close()
	}
	s.consumers.Wait()
}

// ============================================================================
// internals
// ============================================================================

func (s *Session) createPeerConnection() (*pionwebrtc.PeerConnection, error) {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:    pionwebrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			SDPFmtpLine: opusSDPFmtpLine,
		},
		PayloadType: opusPayloadType,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	)

	pcConfig := pionwebrtc.Configuration{ICEServers: s.config.ICEServers}
	if s.config.ICETransportPolicy == "relay" {
		pcConfig.ICETransportPolicy = pionwebrtc.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *pionwebrtc.ICECandidate) {
		if c == nil {
			return
		}
		if s.hooks.OnLocalICE != nil {
			s.hooks.OnLocalICE(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state changed", "peerId", s.peerID, "state", state)
		switch state {
		case pionwebrtc.PeerConnectionStateConnected:
			s.onConnected()
		case pionwebrtc.PeerConnectionStateFailed:
			s.onFailed()
		}
	})

	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
			return
		}
		s.logger.Infow("remote audio track received",
			"peerId", s.peerID, "codec", track.Codec().MimeType)

		source := NewRelaySource(s.logger, s.peerID)
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			source.Run(s.ctx, track)
		}()

		if s.hooks.OnRemoteTrack != nil {
			s.hooks.OnRemoteTrack(source)
		}
	})

	return pc, nil
}

func (s *Session) onConnected() {
	s.mu.Lock()
	s.state = StateConnected
	pending := s.pendingRenegotiation
	s.pendingRenegotiation = ""
	s.mu.Unlock()

	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected()
	}
	if pending != "" && s.hooks.OnRenegotiationNeeded != nil {
		s.hooks.OnRenegotiationNeeded(pending)
	}
}

func (s *Session) onFailed() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed()
	}
}

func (s *Session) applyPendingICE(pc *pionwebrtc.PeerConnection) {
	s.mu.Lock()
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			s.logger.Debugw("failed to apply buffered ICE candidate",
				"peerId", s.peerID, "error", err)
		}
	}
}
