// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_entity

import (
	"time"
)

// ConsultationSession is the durable record for one room lifetime.
// A row is created on session_begin and finalised on session_end; it is never
// deleted during the call flow because transcript and agent-result rows
// reference it.
type ConsultationSession struct {
	ID               string     `gorm:"column:id;primaryKey"`
	RoomName         string     `gorm:"column:room_name;index"`
	Status           string     `gorm:"column:status"`
	ConsultationType string     `gorm:"column:consultation_type"`
	FinalSummary     string     `gorm:"column:final_summary"`
	StartedAt        time.Time  `gorm:"column:started_at"`
	EndedAt          *time.Time `gorm:"column:ended_at"`
	DurationSeconds  int        `gorm:"column:duration_seconds"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (ConsultationSession) TableName() string { return "consultation_sessions" }

// Session status values.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// ConsultationTranscript is one committed transcript turn.
// (session_id, turn_index) is unique; replays are no-ops.
type ConsultationTranscript struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID   string    `gorm:"column:session_id;uniqueIndex:idx_session_turn"`
	TurnIndex   int       `gorm:"column:turn_index;uniqueIndex:idx_session_turn"`
	SpeakerType string    `gorm:"column:speaker_type"`
	SpeakerName string    `gorm:"column:speaker_name"`
	Text        string    `gorm:"column:text"`
	Timestamp   time.Time `gorm:"column:timestamp"`
	Confidence  float64   `gorm:"column:confidence"`
	IsFinal     bool      `gorm:"column:is_final"`
	Source      string    `gorm:"column:source"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (ConsultationTranscript) TableName() string { return "consultation_transcripts" }

// ConsultationAgentResult is one analysis-node output for one pipeline tick.
// (session_id, turn_id, result_type) is unique; replays are no-ops.
type ConsultationAgentResult struct {
	ID               uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID        string    `gorm:"column:session_id;uniqueIndex:idx_session_turn_type"`
	TurnID           string    `gorm:"column:turn_id;uniqueIndex:idx_session_turn_type"`
	ResultType       string    `gorm:"column:result_type;uniqueIndex:idx_session_turn_type"`
	ResultData       []byte    `gorm:"column:result_data;type:jsonb"`
	ProcessingTimeMS int64     `gorm:"column:processing_time_ms"`
	ModelVersion     string    `gorm:"column:model_version"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (ConsultationAgentResult) TableName() string { return "consultation_agent_results" }
