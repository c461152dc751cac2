// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	internal_peer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/peer"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// Transcript is one recognition callback. Interim results may be superseded;
// only finals drive persistence and the agent pipeline.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// ErrFatal marks credential / configuration failures. Non-retryable, scoped
// to the peer: the room continues without STT for that speaker.
var ErrFatal = errors.New("stt: fatal provider error")

// Options configures one peer's recognition session.
type Options struct {
	LanguageCode         string
	Model                string
	AutomaticPunctuation bool
}

// RecognizeSession is one provider streaming session.
type RecognizeSession interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// SessionFactory opens provider sessions; rotation opens a successor through
// the same factory.
type SessionFactory interface {
	Open(ctx context.Context) (RecognizeSession, error)
	Recognizer() string
}

const (
	// submitThreshold accumulates ~100ms of PCM per provider submission.
	submitThreshold = SampleRate * 2 / 10
)

// Stream is a per-peer streaming transcription session. It consumes Opus
// frames from the relay tap, converts them to LINEAR16 48kHz mono and
// submits ≤25KB chunks. Provider stream-duration limits are handled as a
// scheduled rotation: a successor session is opened and consumption
// continues with no error surfaced toward the client.
type Stream struct {
	logger  commons.Logger
	factory SessionFactory
	opts    Options

	onTranscript func(Transcript)

	decoder *Decoder

	// latest-wins interim coalescing: when the consumer lags, stale interim
	// callbacks are dropped. Finals are always delivered.
	interimCh chan Transcript
}

// NewStream builds a transcription stream. onTranscript is invoked for
// interim and final results; it must be fast for finals.
func NewStream(logger commons.Logger, factory SessionFactory, opts Options, onTranscript func(Transcript)) (*Stream, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	return &Stream{
		logger:       logger,
		factory:      factory,
		opts:         opts,
		onTranscript: onTranscript,
		decoder:      decoder,
		interimCh:    make(chan Transcript, 1),
	}, nil
}

// Run consumes the frame subscription until it drains (upstream track ended)
// or ctx is cancelled. Rotations are invisible to the caller; only fatal
// provider errors are returned.
func (s *Stream) Run(ctx context.Context, frames *internal_peer.Subscription) error {
	go s.dispatchInterims(ctx)

	for {
		err := s.runSession(ctx, frames)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrFatal):
			return err
		default:
			// Stream-duration limit or transient transport failure: open a
			// successor and keep consuming. Frames buffered in the
			// subscription queue are preserved across the rotation.
			s.logger.Infow("rotating stt session", "reason", err)
			continue
		}
	}
}

// runSession drives one provider session to completion. A nil return means
// the frame source drained (EOF); any other return is classified by Run.
func (s *Stream) runSession(ctx context.Context, frames *internal_peer.Subscription) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := s.factory.Open(sessionCtx)
	if err != nil {
		return s.classify(err)
	}

	if err := session.Send(s.configRequest()); err != nil {
		return s.classify(err)
	}

	// Receiver goroutine: surfaces results and terminates the sender via
	// sessionCtx when the provider ends the stream.
	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.receive(session)
		cancel()
	}()

	sendErr := s.send(sessionCtx, session, frames)

	// Sender finished (EOF or cancelled); close our half and wait for the
	// provider to flush any trailing finals.
	_ = session.CloseSend()
	rErr := <-recvErr

	if errors.Is(sendErr, io.EOF) {
		// Frame source drained: session is complete when the receiver also
		// finished cleanly.
		if rErr == nil || errors.Is(rErr, io.EOF) {
			return nil
		}
		return s.classify(rErr)
	}
	if rErr != nil && !errors.Is(rErr, io.EOF) {
		return s.classify(rErr)
	}
	if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
		return s.classify(sendErr)
	}
	return s.classify(fmt.Errorf("stt session ended: send=%v recv=%v", sendErr, rErr))
}

// send decodes relay frames and submits accumulated PCM. Returns io.EOF
// when the frame source drains, context.Canceled when the session rotates.
func (s *Stream) send(ctx context.Context, session RecognizeSession, frames *internal_peer.Subscription) error {
	buffer := make([]byte, 0, submitThreshold*2)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		for _, chunk := range SplitChunks(buffer, MaxChunkBytes) {
			if err := session.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: chunk},
			}); err != nil {
				return err
			}
		}
		buffer = buffer[:0]
		return nil
	}

	for {
		frame, err := frames.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if fErr := flush(); fErr != nil {
					return fErr
				}
				return io.EOF
			}
			return err
		}

		pcm, err := s.decoder.Decode(frame.Payload)
		if err != nil {
			s.logger.Debugw("opus decode failed, skipping frame", "error", err)
			continue
		}
		buffer = append(buffer, pcm...)
		if len(buffer) >= submitThreshold {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// receive pumps provider responses into the transcript callbacks.
func (s *Stream) receive(session RecognizeSession) error {
	for {
		resp, err := session.Recv()
		if err != nil {
			return err
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 || alts[0].GetTranscript() == "" {
				continue
			}
			t := Transcript{
				Text:       alts[0].GetTranscript(),
				IsFinal:    result.GetIsFinal(),
				Confidence: float64(alts[0].GetConfidence()),
			}
			if t.IsFinal {
				s.onTranscript(t)
				continue
			}
			// Latest-wins: replace a stale undelivered interim.
			for {
				select {
				case s.interimCh <- t:
				default:
					select {
					case <-s.interimCh:
					default:
					}
					continue
				}
				break
			}
		}
	}
}

func (s *Stream) dispatchInterims(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.interimCh:
			s.onTranscript(t)
		}
	}
}

func (s *Stream) configRequest() *speechpb.StreamingRecognizeRequest {
	phrases := make([]*speechpb.PhraseSet_Phrase, 0, len(domainPhrases))
	for _, p := range domainPhrases {
		phrases = append(phrases, &speechpb.PhraseSet_Phrase{Value: p, Boost: phraseBoost})
	}

	return &speechpb.StreamingRecognizeRequest{
		Recognizer: s.factory.Recognizer(),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   SampleRate,
							AudioChannelCount: Channels,
						},
					},
					Features: &speechpb.RecognitionFeatures{
						EnableAutomaticPunctuation: s.opts.AutomaticPunctuation,
						EnableWordConfidence:       true,
					},
					LanguageCodes: []string{s.opts.LanguageCode},
					Model:         s.opts.Model,
					Adaptation: &speechpb.SpeechAdaptation{
						PhraseSets: []*speechpb.SpeechAdaptation_AdaptationPhraseSet{
							{
								Value: &speechpb.SpeechAdaptation_AdaptationPhraseSet_InlinePhraseSet{
									InlinePhraseSet: &speechpb.PhraseSet{Phrases: phrases},
								},
							},
						},
					},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults: true,
				},
			},
		},
	}
}

// classify maps provider errors: credential/configuration failures are
// fatal, everything else (including the stream-duration limit, which Google
// surfaces as an internal/500-class status) is a rotation.
func (s *Stream) classify(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.NotFound:
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "credential") || strings.Contains(msg, "api key") {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return err
}
