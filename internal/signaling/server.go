// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_signaling

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// Router consumes inbound envelopes for a connected client. Implemented by
// the room manager; split out here to keep the transport layer free of room
// state.
type Router interface {
	// Route dispatches one inbound envelope for the given client.
	Route(client *Client, env *Envelope)
	// Disconnect is invoked exactly once when the client's transport ends.
	Disconnect(client *Client)
}

// TokenVerifier authenticates the bearer token presented on connect.
// Token issuance is an external collaborator.
type TokenVerifier interface {
	Verify(token string) error
}

// Server upgrades websocket connections, authenticates them, mints the
// PeerID and pumps inbound messages into the Router.
type Server struct {
	logger   commons.Logger
	router   Router
	verifier TokenVerifier
	upgrader websocket.Upgrader
}

func NewServer(logger commons.Logger, router Router, verifier TokenVerifier) *Server {
	return &Server{
		logger:   logger,
		router:   router,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the counselor web app; origin
			// enforcement happens at the ingress.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws?token=...
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(s.logger, conn)

	if err := s.verifier.Verify(bearerToken(r)); err != nil {
		s.logger.Warnw("rejecting unauthenticated signal connection",
			"remote", r.RemoteAddr, "error", err)
		client.Close(CloseUnauthorized, "invalid token")
		return
	}

	// First frame on every successful connection is the minted peer id.
	client.Send(MustEnvelope(TypePeerID, PeerIDData{PeerID: client.PeerID()}))

	s.logger.Infow("signal client connected", "peerId", client.PeerID(), "remote", r.RemoteAddr)
	s.readLoop(client)
}

// readLoop is the single receive loop for one client. Malformed frames get
// an error reply; repeated garbage eventually closes the transport.
func (s *Server) readLoop(client *Client) {
	const malformedLimit = 8
	malformed := 0

	for {
		env, err := client.Receive()
		switch {
		case err == nil:
			malformed = 0
			s.router.Route(client, env)
		case err == ErrMalformedMessage:
			malformed++
			client.Send(MustEnvelope(TypeError, ErrorData{Message: "MALFORMED_MESSAGE"}))
			if malformed >= malformedLimit {
				s.logger.Warnw("too many malformed frames, closing", "peerId", client.PeerID())
				client.Close(CloseNormal, "repeated malformed messages")
				s.router.Disconnect(client)
				return
			}
		default:
			s.router.Disconnect(client)
			client.Close(CloseNormal, "transport closed")
			return
		}
	}
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
