// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	internal_peer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/peer"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// ============================================================================
// Test fakes
// ============================================================================

type recvStep struct {
	resp *speechpb.StreamingRecognizeResponse
	err  error
}

// scriptedSession replays a fixed sequence of provider responses. Once the
// script runs out it waits for CloseSend and returns io.EOF, mirroring a
// provider flushing trailing results.
type scriptedSession struct {
	mu        sync.Mutex
	script    []recvStep
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newScriptedSession(steps ...recvStep) *scriptedSession {
	return &scriptedSession{script: steps, closeCh: make(chan struct{})}
}

func (s *scriptedSession) Send(*speechpb.StreamingRecognizeRequest) error { return nil }

func (s *scriptedSession) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	s.mu.Lock()
	if len(s.script) > 0 {
		step := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		return step.resp, step.err
	}
	s.mu.Unlock()
	<-s.closeCh
	return nil, io.EOF
}

func (s *scriptedSession) CloseSend() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return nil
}

type scriptedFactory struct {
	mu       sync.Mutex
	sessions []RecognizeSession
	opened   int
}

func (f *scriptedFactory) Open(context.Context) (RecognizeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened >= len(f.sessions) {
		return nil, errors.New("no more scripted sessions")
	}
	s := f.sessions[f.opened]
	f.opened++
	return s, nil
}

func (f *scriptedFactory) Recognizer() string {
	return "projects/test/locations/global/recognizers/_"
}

func (f *scriptedFactory) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func finalResp(text string) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal: true,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: text,
				Confidence: 0.92,
			}},
		}},
	}
}

func interimResp(text string) *speechpb.StreamingRecognizeResponse {
	resp := finalResp(text)
	resp.Results[0].IsFinal = false
	return resp
}

type transcriptRecorder struct {
	mu     sync.Mutex
	finals []Transcript
}

func (r *transcriptRecorder) record(t Transcript) {
	if !t.IsFinal {
		return
	}
	r.mu.Lock()
	r.finals = append(r.finals, t)
	r.mu.Unlock()
}

func (r *transcriptRecorder) finalTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.finals))
	for _, t := range r.finals {
		out = append(out, t.Text)
	}
	return out
}

func newFrameSource(t *testing.T) (*internal_peer.RelaySource, *internal_peer.Subscription) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	source := internal_peer.NewRelaySource(logger, "stt-peer")
	return source, source.Subscribe("stt-tap")
}

func newTestStream(t *testing.T, factory SessionFactory, onTranscript func(Transcript)) *Stream {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	stream, err := NewStream(logger, factory, Options{
		LanguageCode:         "ko-KR",
		Model:                "latest_long",
		AutomaticPunctuation: true,
	}, onTranscript)
	require.NoError(t, err)
	return stream
}

// ============================================================================
// Rotation
// ============================================================================

func TestStream_RotationIsInvisible(t *testing.T) {
	// First session delivers one final then dies with the 500-class status
	// Google uses for the stream-duration limit. The successor session keeps
	// the transcripts flowing; no error reaches the caller.
	first := newScriptedSession(
		recvStep{resp: finalResp("해지 위약금이")},
		recvStep{err: status.Error(codes.Internal, "exceeded maximum allowed stream duration")},
	)
	second := newScriptedSession(
		recvStep{resp: finalResp("얼마인가요")},
	)
	factory := &scriptedFactory{sessions: []RecognizeSession{first, second}}

	recorder := &transcriptRecorder{}
	stream := newTestStream(t, factory, recorder.record)

	_, tap := newFrameSource(t)
	go func() {
		// Let both sessions surface their finals, then end the upstream.
		time.Sleep(300 * time.Millisecond)
		tap.Close()
	}()

	err := stream.Run(context.Background(), tap)
	require.NoError(t, err)

	assert.Equal(t, []string{"해지 위약금이", "얼마인가요"}, recorder.finalTexts())
	assert.Equal(t, 2, factory.openedCount())
}

func TestStream_FatalCredentialErrorSurfaces(t *testing.T) {
	session := newScriptedSession(
		recvStep{err: status.Error(codes.Unauthenticated, "invalid credentials")},
	)
	factory := &scriptedFactory{sessions: []RecognizeSession{session}}

	recorder := &transcriptRecorder{}
	stream := newTestStream(t, factory, recorder.record)

	_, tap := newFrameSource(t)
	err := stream.Run(context.Background(), tap)
	assert.ErrorIs(t, err, ErrFatal)
	assert.Empty(t, recorder.finalTexts())
}

func TestStream_CancelledContextReturnsClean(t *testing.T) {
	session := newScriptedSession()
	factory := &scriptedFactory{sessions: []RecognizeSession{session}}

	stream := newTestStream(t, factory, func(Transcript) {})
	_, tap := newFrameSource(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := stream.Run(ctx, tap)
	assert.NoError(t, err)
}

// ============================================================================
// Classification
// ============================================================================

func TestStream_Classify(t *testing.T) {
	stream := newTestStream(t, &scriptedFactory{}, func(Transcript) {})

	fatal := []error{
		status.Error(codes.Unauthenticated, "bad token"),
		status.Error(codes.PermissionDenied, "no access"),
		status.Error(codes.InvalidArgument, "bad recognizer"),
		status.Error(codes.NotFound, "no recognizer"),
		errors.New("could not load credential file"),
	}
	for _, err := range fatal {
		assert.ErrorIs(t, stream.classify(err), ErrFatal, "expected fatal: %v", err)
	}

	rotate := []error{
		status.Error(codes.Internal, "exceeded maximum allowed stream duration"),
		status.Error(codes.Unavailable, "transport closing"),
		errors.New("connection reset by peer"),
	}
	for _, err := range rotate {
		classified := stream.classify(err)
		assert.NotNil(t, classified)
		assert.NotErrorIs(t, classified, ErrFatal, "expected rotation: %v", err)
	}

	assert.NoError(t, stream.classify(nil))
}
