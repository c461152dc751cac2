// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_peer

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

func newTestSource(t *testing.T) *RelaySource {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return NewRelaySource(logger, "peer-under-test")
}

func frameWithPayload(b byte) Frame {
	return Frame{Payload: []byte{b}, Arrival: time.Now(), Duration: FrameDuration}
}

// ============================================================================
// Subscription
// ============================================================================

func TestSubscription_IndependentCursors(t *testing.T) {
	source := newTestSource(t)
	relay := source.Subscribe("relay")
	stt := source.Subscribe("stt")

	source.publish(frameWithPayload(0x01))
	source.publish(frameWithPayload(0x02))

	ctx := context.Background()
	for _, sub := range []*Subscription{relay, stt} {
		f1, err := sub.Recv(ctx)
		require.NoError(t, err)
		f2, err := sub.Recv(ctx)
		require.NoError(t, err)
		// Every consumer sees the full frame sequence, not a shared cursor.
		assert.Equal(t, []byte{0x01}, f1.Payload)
		assert.Equal(t, []byte{0x02}, f2.Payload)
	}
}

func TestSubscription_OverflowDropsOldest(t *testing.T) {
	source := newTestSource(t)
	sub := source.Subscribe("slow-consumer")

	for i := 0; i < subscriptionDepth+10; i++ {
		source.publish(frameWithPayload(byte(i)))
	}

	first, err := sub.Recv(context.Background())
	require.NoError(t, err)
	// The oldest 10 frames were dropped; the queue starts at frame 10.
	assert.Equal(t, []byte{10}, first.Payload)
}

func TestSubscription_DrainsThenEOF(t *testing.T) {
	source := newTestSource(t)
	sub := source.Subscribe("draining")

	source.publish(frameWithPayload(0xAA))
	source.publish(frameWithPayload(0xBB))
	source.closeAll()

	ctx := context.Background()
	f1, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA}, f1.Payload)

	f2, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBB}, f2.Payload)

	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscription_RecvHonoursContext(t *testing.T) {
	source := newTestSource(t)
	sub := source.Subscribe("cancelled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscription_SubscribeAfterCloseIsDrained(t *testing.T) {
	source := newTestSource(t)
	source.closeAll()

	sub := source.Subscribe("late")
	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscription_CloseDetachesFromSource(t *testing.T) {
	source := newTestSource(t)
	keep := source.Subscribe("keep")
	drop := source.Subscribe("drop")

	drop.Close()
	source.publish(frameWithPayload(0x07))

	f, err := keep.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, f.Payload)

	_, err = drop.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscription_ConcurrentPublish(t *testing.T) {
	source := newTestSource(t)
	sub := source.Subscribe("concurrent")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			source.publish(frameWithPayload(byte(i % 256)))
		}
		source.closeAll()
	}()

	received := 0
	for {
		_, err := sub.Recv(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		received++
	}
	<-done
	// A bounded queue may drop, but never delivers more than published.
	assert.LessOrEqual(t, received, 500)
	assert.Greater(t, received, 0, fmt.Sprintf("received %d frames", received))
}
