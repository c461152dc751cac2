// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// Close codes and errors surfaced by the SignalClient.
const (
	CloseUnauthorized  = "UNAUTHORIZED"
	CloseBufferOverrun = "BUFFER_OVERRUN"
	CloseNormal        = "NORMAL"
)

var (
	// ErrTransportClosed means the websocket ended; the receive loop is done.
	ErrTransportClosed = errors.New("signaling: transport closed")
	// ErrMalformedMessage means the inbound frame did not parse; the
	// connection stays up and the caller replies with an error event.
	ErrMalformedMessage = errors.New("signaling: malformed message")
)

const (
	// outputQueueSize bounds the outbound queue; overruns drop-with-log.
	outputQueueSize = 1000

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Conn is the minimal websocket surface the client needs; satisfied by
// *websocket.Conn and by test fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is the message-level session with one browser: single reader
// (Receive), single writer (runWriter draining outputCh), drop-and-log on
// queue overrun. A fresh PeerID is minted per connection; a reconnecting
// browser always gets a new one.
type Client struct {
	mu sync.Mutex

	logger commons.Logger
	conn   Conn

	peerID string

	ctx    context.Context
	cancel context.CancelFunc

	outputCh chan *Envelope
	closed   bool

	// closeMsg is the close frame runWriter emits on exit; the writer
	// goroutine is the only place conn writes happen.
	closeMsg   []byte
	writerDone chan struct{}
}

// NewClient wraps an accepted websocket connection. The caller is expected
// to have authenticated the transport already.
func NewClient(logger commons.Logger, conn Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:     logger,
		conn:       conn,
		peerID:     uuid.New().String(),
		ctx:        ctx,
		cancel:     cancel,
		outputCh:   make(chan *Envelope, outputQueueSize),
		writerDone: make(chan struct{}),
	}
	go c.runWriter()
	return c
}

// PeerID returns the server-minted identifier for this connection lifetime.
func (c *Client) PeerID() string { return c.peerID }

// Context ends when the client is closed.
func (c *Client) Context() context.Context { return c.ctx }

// Send enqueues an outbound envelope. It never blocks business logic: on
// overrun the message is dropped with a log and an error event is pushed
// toward the client on a best-effort basis.
func (c *Client) Send(env *Envelope) {
	select {
	case c.outputCh <- env:
	default:
		c.logger.Warnw("signal output queue full, dropping message",
			"peerId", c.peerID, "type", env.Type)
		errEnv := MustEnvelope(TypeError, ErrorData{Message: CloseBufferOverrun})
		select {
		case c.outputCh <- errEnv:
		default:
		}
	}
}

// Receive yields the next inbound envelope. Transport end surfaces as
// ErrTransportClosed; a parse failure surfaces as ErrMalformedMessage with
// the connection left open.
func (c *Client) Receive() (*Envelope, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, ErrTransportClosed
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return nil, ErrMalformedMessage
	}
	return &env, nil
}

// runWriter is the single writer goroutine; every conn write happens here,
// the close frame included. It serialises outbound frames and keeps the
// connection alive with pings.
func (c *Client) runWriter() {
	defer close(c.writerDone)
	defer c.shutdownConn()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.outputCh:
			payload, err := json.Marshal(env)
			if err != nil {
				c.logger.Errorw("failed to marshal outbound envelope",
					"peerId", c.peerID, "type", env.Type, "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debugw("signal write failed, closing",
					"peerId", c.peerID, "error", err)
				c.markClosed(CloseNormal)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markClosed(CloseNormal)
				return
			}
		}
	}
}

// shutdownConn emits the best-effort close frame and releases the transport.
// Runs on the writer goroutine only, after the send loop has stopped.
func (c *Client) shutdownConn() {
	c.mu.Lock()
	msg := c.closeMsg
	c.mu.Unlock()
	if msg == nil {
		msg = closeFrame(CloseNormal)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = c.conn.Close()
}

func closeFrame(code string) []byte {
	if code == CloseUnauthorized {
		return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, code)
}

// markClosed flips the client to closed and stops the writer loop. Reports
// whether this call was the one that closed it.
func (c *Client) markClosed(code string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.closeMsg = closeFrame(code)
	c.mu.Unlock()
	c.cancel()
	return true
}

// Close tears the connection down. Idempotent; forces Receive to return
// ErrTransportClosed. The close frame goes out through the writer goroutine,
// never concurrently with an in-flight frame; Close returns once the writer
// has released the transport.
func (c *Client) Close(code, reason string) {
	if !c.markClosed(code) {
		return
	}
	c.logger.Debugw("closing signal client", "peerId", c.peerID, "code", code, "reason", reason)
	<-c.writerDone
}
