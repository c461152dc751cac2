// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_customer

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	internal_entity "github.com/baro-gochi/realtime-assist-agent-sub000/internal/entity"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/connectors"
)

const historyLimit = 5

// Profile is the customer context pushed to counselors on join. A nil
// Customer means the caller could not be matched; the consultation proceeds
// without profile context.
type Profile struct {
	Customer *internal_entity.Customer
	History  []internal_entity.ConsultationHistory
}

// Directory resolves a caller's profile from the CRM tables.
type Directory interface {
	LookupByPhone(ctx context.Context, phoneNumber string) (*Profile, error)
}

type gormDirectory struct {
	logger   commons.Logger
	postgres connectors.PostgresConnector
}

func NewDirectory(postgres connectors.PostgresConnector, logger commons.Logger) Directory {
	return &gormDirectory{logger: logger, postgres: postgres}
}

func (d *gormDirectory) LookupByPhone(ctx context.Context, phoneNumber string) (*Profile, error) {
	if phoneNumber == "" {
		return &Profile{}, nil
	}
	db := d.postgres.DB(ctx)

	var customer internal_entity.Customer
	err := db.Where("phone_number = ?", phoneNumber).First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.Debugw("no customer record for caller", "phone", phoneNumber)
		return &Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("customer lookup failed: %w", err)
	}

	var history []internal_entity.ConsultationHistory
	if err := db.
		Where("customer_id = ?", customer.ID).
		Order("consulted_at DESC").
		Limit(historyLimit).
		Find(&history).Error; err != nil {
		// History is advisory; serve the profile without it.
		d.logger.Warnw("consultation history lookup failed", "customer", customer.ID, "error", err)
		history = nil
	}

	return &Profile{Customer: &customer, History: history}, nil
}
