// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionsForIntent_CancellationSearchesPenalty(t *testing.T) {
	cols := CollectionsForIntent("해지")
	assert.Contains(t, cols, CollectionMobile)
	assert.Contains(t, cols, CollectionPenalty)
}

func TestCollectionsForIntent_UnknownFallsBackToMobile(t *testing.T) {
	assert.Equal(t, []string{CollectionMobile}, CollectionsForIntent("우주여행문의"))
	assert.Equal(t, []string{CollectionMobile}, CollectionsForIntent(""))
}

func TestKnownIntents_EveryLabelHasAPlan(t *testing.T) {
	labels := KnownIntents()
	assert.NotEmpty(t, labels)
	for _, label := range labels {
		assert.NotEmpty(t, CollectionsForIntent(label), "intent %s", label)
	}
}
