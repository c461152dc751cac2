// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_entity

import "time"

// Customer is the CRM record resolved by phone number when a customer-role
// peer joins a room.
type Customer struct {
	ID              uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name            string     `gorm:"column:name"`
	PhoneNumber     string     `gorm:"column:phone_number;uniqueIndex"`
	CurrentPlan     string     `gorm:"column:current_plan"`
	MembershipLevel string     `gorm:"column:membership_level"`
	ContractEndsAt  *time.Time `gorm:"column:contract_ends_at"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (Customer) TableName() string { return "customers" }

// ConsultationHistory is one past consultation for a customer, surfaced to
// agent peers on join and folded into node prompts.
type ConsultationHistory struct {
	ID               uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	CustomerID       uint64    `gorm:"column:customer_id;index"`
	SessionID        string    `gorm:"column:session_id"`
	ConsultationType string    `gorm:"column:consultation_type"`
	Summary          string    `gorm:"column:summary"`
	ConsultedAt      time.Time `gorm:"column:consulted_at"`
}

func (ConsultationHistory) TableName() string { return "consultation_history" }
