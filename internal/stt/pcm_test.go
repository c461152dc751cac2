// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunks_EmptyInput(t *testing.T) {
	assert.Empty(t, SplitChunks(nil, MaxChunkBytes))
	assert.Empty(t, SplitChunks([]byte{}, MaxChunkBytes))
}

func TestSplitChunks_UnderLimitSingleChunk(t *testing.T) {
	pcm := make([]byte, MaxChunkBytes-1)
	chunks := SplitChunks(pcm, MaxChunkBytes)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], MaxChunkBytes-1)
}

func TestSplitChunks_RemainderInLastChunk(t *testing.T) {
	pcm := make([]byte, MaxChunkBytes*2+100)
	chunks := SplitChunks(pcm, MaxChunkBytes)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], MaxChunkBytes)
	assert.Len(t, chunks[1], MaxChunkBytes)
	assert.Len(t, chunks[2], 100)
}

func TestSplitChunks_PreservesOrder(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5}
	chunks := SplitChunks(pcm, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []byte{1, 2}, chunks[0])
	assert.Equal(t, []byte{3, 4}, chunks[1])
	assert.Equal(t, []byte{5}, chunks[2])
}
