// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_peer

import (
	"testing"

	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

func newTestSession(t *testing.T, hooks SessionHooks) *Session {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return NewSession(logger, Config{ICETransportPolicy: "relay"}, "peer-1", hooks)
}

func TestSession_StartsInNew(t *testing.T) {
	s := newTestSession(t, SessionHooks{})
	defer s.Close("test done")
	assert.Equal(t, StateNew, s.State())
}

func TestSession_OfferRejectedInFailedState(t *testing.T) {
	s := newTestSession(t, SessionHooks{})
	defer s.Close("test done")

	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()

	_, err := s.HandleOffer("v=0")
	assert.ErrorIs(t, err, ErrBadState)
}

func TestSession_RemoteICEBufferedBeforeDescription(t *testing.T) {
	s := newTestSession(t, SessionHooks{})
	defer s.Close("test done")

	candidate := pionwebrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 1 typ host"}
	require.NoError(t, s.HandleRemoteICE(candidate))
	require.NoError(t, s.HandleRemoteICE(candidate)) // replay is a no-op shape-wise

	s.mu.Lock()
	buffered := len(s.pendingICE)
	s.mu.Unlock()
	assert.Equal(t, 2, buffered)
}

func TestSession_RemoteICEAfterCloseIsNoOp(t *testing.T) {
	s := newTestSession(t, SessionHooks{})
	s.Close("teardown")

	err := s.HandleRemoteICE(pionwebrtc.ICECandidateInit{Candidate: "candidate:1"})
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_RenegotiationDeferredUntilConnected(t *testing.T) {
	var reasons []string
	s := newTestSession(t, SessionHooks{
		OnRenegotiationNeeded: func(reason string) { reasons = append(reasons, reason) },
	})
	defer s.Close("test done")

	// Not yet connected: the request parks instead of firing.
	s.Renegotiate("new upstream track")
	assert.Empty(t, reasons)

	s.onConnected()
	require.Len(t, reasons, 1)
	assert.Equal(t, "new upstream track", reasons[0])

	// Once connected, renegotiation fires immediately.
	s.Renegotiate("peer left")
	assert.Len(t, reasons, 2)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	failed := 0
	s := newTestSession(t, SessionHooks{OnFailed: func() { failed++ }})

	s.Close("first")
	s.Close("second")
	assert.Equal(t, StateClosed, s.State())

	// Late failure callbacks after close are suppressed.
	s.onFailed()
	assert.Zero(t, failed)
}
