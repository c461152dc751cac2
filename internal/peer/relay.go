// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_peer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

const (
	// FrameDuration is the Opus codec's native frame cadence.
	FrameDuration = 20 * time.Millisecond

	// subscriptionDepth bounds each downstream queue to roughly one second
	// of audio; overflow drops the oldest frame.
	subscriptionDepth = 50

	rtpReadBufferSize    = 1500
	maxConsecutiveErrors = 10
)

// opusSilence is a minimal Opus DTX frame, emitted to preserve pacing when
// the upstream is late.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// Frame is one upstream audio frame (Opus payload) plus arrival metadata.
type Frame struct {
	Payload  []byte
	Arrival  time.Time
	Duration time.Duration
}

// RelaySource owns the single read cursor of one upstream audio track and
// tees every frame into any number of independent subscriptions. Sharing one
// recv cursor across consumers breaks timestamp continuity, so each
// forwarding path gets its own Subscription with its own queue.
type RelaySource struct {
	logger commons.Logger
	peerID string

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewRelaySource builds the fan-out hub for one remote track.
func NewRelaySource(logger commons.Logger, peerID string) *RelaySource {
	return &RelaySource{logger: logger, peerID: peerID}
}

// Run pumps RTP from the remote track until the track ends or ctx is
// cancelled, then closes every subscription so consumers drain and see EOF.
func (s *RelaySource) Run(ctx context.Context, track *pionwebrtc.TrackRemote) {
	defer s.closeAll()

	buf := make([]byte, rtpReadBufferSize)
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				s.logger.Errorw("too many consecutive track read errors, stopping relay",
					"peerId", s.peerID, "lastError", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("failed to unmarshal RTP packet", "peerId", s.peerID, "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		s.publish(Frame{Payload: payload, Arrival: time.Now(), Duration: FrameDuration})
	}
}

// Subscribe creates an independent downstream subscription. Every consumer
// (peer fan-out, STT tap) holds its own queue and recv cursor.
func (s *RelaySource) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name:   name,
		source: s,
		ch:     make(chan Frame, subscriptionDepth),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		close(sub.done)
	} else {
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()
	return sub
}

func (s *RelaySource) publish(f Frame) {
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, sub := range subs {
		sub.push(f)
	}
}

func (s *RelaySource) closeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *RelaySource) unsubscribe(target *Subscription) {
	s.mu.Lock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	target.close()
}

// Subscription is one independent consumer queue on a RelaySource.
type Subscription struct {
	name   string
	source *RelaySource

	ch        chan Frame
	closeOnce sync.Once
	done      chan struct{}
}

// push enqueues a frame, dropping the oldest queued frame on overflow so a
// slow consumer lags by at most the queue depth.
func (sub *Subscription) push(f Frame) {
	select {
	case <-sub.done:
		return
	default:
	}
	for {
		select {
		case sub.ch <- f:
			return
		default:
			select {
			case <-sub.ch: // drop oldest
			default:
			}
		}
	}
}

// Recv returns the next frame. Once the upstream ends, queued frames are
// drained and then io.EOF is returned.
func (sub *Subscription) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-sub.ch:
		return f, nil
	default:
	}
	select {
	case f := <-sub.ch:
		return f, nil
	case <-sub.done:
		// Drain whatever was queued before the close.
		select {
		case f := <-sub.ch:
			return f, nil
		default:
			return Frame{}, io.EOF
		}
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close detaches the subscription from its source.
func (sub *Subscription) Close() {
	sub.source.unsubscribe(sub)
}

func (sub *Subscription) close() {
	sub.closeOnce.Do(func() { close(sub.done) })
}

// PacedWriter forwards one subscription onto a downstream local track at a
// fixed 20ms cadence. WriteSample advances the RTP timestamp by each
// sample's duration, so egress timestamps stay strictly monotonic even
// through silence fill.
type PacedWriter struct {
	logger commons.Logger
	sub    *Subscription
	track  *pionwebrtc.TrackLocalStaticSample
}

func NewPacedWriter(logger commons.Logger, sub *Subscription, track *pionwebrtc.TrackLocalStaticSample) *PacedWriter {
	return &PacedWriter{logger: logger, sub: sub, track: track}
}

// Run emits one frame per pacing interval. When the upstream is late a DTX
// silence frame keeps the cadence and the timestamp advance. Returns when
// the subscription drains to EOF or ctx is cancelled.
func (w *PacedWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	defer w.sub.Close()

	// Silence is only sent once real audio has flowed; an idle track stays
	// idle instead of streaming DTX to every receiver.
	started := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var sample media.Sample
		select {
		case f := <-w.sub.ch:
			sample = media.Sample{Data: f.Payload, Duration: f.Duration}
			started = true
		default:
			if _, err := w.recvPending(ctx, &sample, started); err != nil {
				return
			}
			if sample.Data == nil {
				continue
			}
		}

		if err := w.track.WriteSample(sample); err != nil {
			w.logger.Debugw("failed to write paced sample", "error", err)
		}
	}
}

// recvPending fills sample with silence when the queue is empty but the
// stream is live, and reports EOF when the source has closed and drained.
func (w *PacedWriter) recvPending(ctx context.Context, sample *media.Sample, started bool) (bool, error) {
	select {
	case <-w.sub.done:
		select {
		case f := <-w.sub.ch:
			*sample = media.Sample{Data: f.Payload, Duration: f.Duration}
			return true, nil
		default:
			return false, io.EOF
		}
	default:
		if started {
			*sample = media.Sample{Data: opusSilence, Duration: FrameDuration}
		}
		return false, nil
	}
}
