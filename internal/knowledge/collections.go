// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_knowledge

// Policy / FAQ vector collections.
const (
	CollectionMobile     = "policy_mobile"
	CollectionPenalty    = "policy_penalty"
	CollectionMembership = "policy_membership"
	CollectionFAQ        = "faq_general"
)

// intentCollections maps an intent label to the policy collections its
// retrieval plan searches. Unknown intents fall back to the mobile corpus.
var intentCollections = map[string][]string{
	"요금제변경": {CollectionMobile},
	"요금제문의": {CollectionMobile},
	"해지":    {CollectionMobile, CollectionPenalty},
	"해지문의":  {CollectionMobile, CollectionPenalty},
	"위약금문의": {CollectionPenalty},
	"멤버십":   {CollectionMembership},
	"멤버십문의": {CollectionMembership},
	"결합할인":  {CollectionMobile, CollectionMembership},
	"일반문의":  {CollectionFAQ},
}

// CollectionsForIntent returns the retrieval plan for an intent label.
func CollectionsForIntent(label string) []string {
	if cols, ok := intentCollections[label]; ok {
		return cols
	}
	return []string{CollectionMobile}
}

// KnownIntents lists the labels the intent node may emit.
func KnownIntents() []string {
	labels := make([]string, 0, len(intentCollections))
	for label := range intentCollections {
		labels = append(labels, label)
	}
	return labels
}
