// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

// domainPhrases boosts recognition of tariff / plan / penalty vocabulary
// that dominates telecom consultations.
var domainPhrases = []string{
	"요금제",
	"요금제 변경",
	"데이터 무제한",
	"위약금",
	"해지",
	"해지 위약금",
	"약정",
	"약정 기간",
	"멤버십",
	"멤버십 등급",
	"결합 할인",
	"선택 약정",
	"공시지원금",
	"번호이동",
	"기기변경",
	"청구 요금",
	"납부",
	"미납",
	"로밍",
	"부가서비스",
}

// phraseBoost is the adaptation boost applied to the domain dictionary.
const phraseBoost = 10.0
