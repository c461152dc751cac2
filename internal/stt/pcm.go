// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

const (
	// Provider-facing PCM format: 16-bit linear, 48 kHz, mono.
	SampleRate = 48000
	Channels   = 1

	// MaxChunkBytes is the provider's per-request audio payload ceiling.
	MaxChunkBytes = 25 * 1024

	// maxFrameSamples covers a 120ms Opus frame at 48kHz.
	maxFrameSamples = 5760
)

// Decoder converts Opus payloads from the WebRTC track into the provider's
// PCM format. WebRTC Opus is 48kHz stereo on the wire; decoding mono folds
// the channels.
type Decoder struct {
	dec *opus.Decoder
	pcm []int16
}

func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &Decoder{dec: dec, pcm: make([]int16, maxFrameSamples)}, nil
}

// Decode returns the frame as 16-bit little-endian mono PCM.
func (d *Decoder) Decode(payload []byte) ([]byte, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[2*i] = byte(d.pcm[i])
		out[2*i+1] = byte(d.pcm[i] >> 8)
	}
	return out, nil
}

// SplitChunks splits pcm into provider-sized submissions. The last chunk
// carries the remainder; an empty input yields no chunks.
func SplitChunks(pcm []byte, max int) [][]byte {
	if max <= 0 {
		max = MaxChunkBytes
	}
	var chunks [][]byte
	for len(pcm) > 0 {
		n := len(pcm)
		if n > max {
			n = max
		}
		chunks = append(chunks, pcm[:n])
		pcm = pcm[n:]
	}
	return chunks
}
