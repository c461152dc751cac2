// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	internal_entity "github.com/baro-gochi/realtime-assist-agent-sub000/internal/entity"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/connectors"
)

// Gateway is the write-through interface to the durable stores. Live fan-out
// to clients never waits on these writes and is never rolled back when one
// of them ultimately fails.
type Gateway interface {
	// SessionBegin creates the session row for a room and returns its id.
	SessionBegin(ctx context.Context, roomName string) (string, error)

	// TranscriptAppend persists one committed turn. Idempotent on
	// (session_id, turn_index); replays are no-ops.
	TranscriptAppend(ctx context.Context, row internal_entity.ConsultationTranscript) error

	// AgentResultWrite persists one node result. Idempotent on
	// (session_id, turn_id, result_type); replays are no-ops.
	AgentResultWrite(ctx context.Context, row internal_entity.ConsultationAgentResult) error

	// SessionEnd finalises ended_at / duration / final summary. Returns false
	// when the session does not exist or was already ended.
	SessionEnd(ctx context.Context, sessionID, finalSummary, consultationType string) (bool, error)

	// Drain blocks until every in-flight retried write has settled or ctx ends.
	Drain(ctx context.Context) error
}

const (
	writeAttempts    = 3
	baseRetryBackoff = 200 * time.Millisecond
)

type gateway struct {
	logger   commons.Logger
	postgres connectors.PostgresConnector

	inflight sync.WaitGroup
}

// NewGateway builds the postgres-backed persistence gateway.
func NewGateway(postgres connectors.PostgresConnector, logger commons.Logger) Gateway {
	return &gateway{logger: logger, postgres: postgres}
}

func (g *gateway) SessionBegin(ctx context.Context, roomName string) (string, error) {
	session := internal_entity.ConsultationSession{
		ID:        uuid.New().String(),
		RoomName:  roomName,
		Status:    internal_entity.SessionStatusActive,
		StartedAt: time.Now().UTC(),
	}
	if err := g.withRetry(ctx, "session_begin", func() error {
		return g.postgres.DB(ctx).Create(&session).Error
	}); err != nil {
		return "", fmt.Errorf("failed to begin session for room %s: %w", roomName, err)
	}
	g.logger.Infow("session started", "sessionId", session.ID, "room", roomName)
	return session.ID, nil
}

func (g *gateway) TranscriptAppend(ctx context.Context, row internal_entity.ConsultationTranscript) error {
	row.CreatedAt = time.Now().UTC()
	return g.withRetry(ctx, "transcript_append", func() error {
		// ON CONFLICT DO NOTHING keeps replays of the same
		// (session_id, turn_index) a no-op.
		return g.postgres.DB(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row).Error
	})
}

func (g *gateway) AgentResultWrite(ctx context.Context, row internal_entity.ConsultationAgentResult) error {
	row.CreatedAt = time.Now().UTC()
	return g.withRetry(ctx, "agent_result_write", func() error {
		return g.postgres.DB(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row).Error
	})
}

func (g *gateway) SessionEnd(ctx context.Context, sessionID, finalSummary, consultationType string) (bool, error) {
	now := time.Now().UTC()
	var affected int64
	err := g.withRetry(ctx, "session_end", func() error {
		res := g.postgres.DB(ctx).
			Model(&internal_entity.ConsultationSession{}).
			Where("id = ? AND status = ?", sessionID, internal_entity.SessionStatusActive).
			Updates(map[string]interface{}{
				"status":            internal_entity.SessionStatusEnded,
				"final_summary":     finalSummary,
				"consultation_type": consultationType,
				"ended_at":          now,
				"duration_seconds":  clause.Expr{SQL: "EXTRACT(EPOCH FROM (? - started_at))::int", Vars: []interface{}{now}},
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	return affected > 0, nil
}

func (g *gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs op with bounded exponential backoff. After the final
// attempt the write is dropped and logged; the caller has already fanned the
// live result out and must not roll it back.
func (g *gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	g.inflight.Add(1)
	defer g.inflight.Done()

	var err error
	backoff := baseRetryBackoff
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == writeAttempts {
			break
		}
		g.logger.Warnw("persistence write failed, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	g.logger.Errorw("persistence write dropped after retries", "op", op, "error", err)
	return err
}
