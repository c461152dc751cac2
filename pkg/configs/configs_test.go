// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package configs

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresConfig_EmptyPasswordValidates(t *testing.T) {
	cfg := PostgresConfig{
		Host:   "localhost",
		Port:   5432,
		DBName: "counselor_assist",
		Auth:   PostgresAuth{User: "postgres", Password: ""},
	}

	// Local trust auth carries no password; the defaults must boot.
	require.NoError(t, validator.New().Struct(&cfg))
}

func TestPostgresConfig_MissingUserRejected(t *testing.T) {
	cfg := PostgresConfig{
		Host:   "localhost",
		Port:   5432,
		DBName: "counselor_assist",
	}

	assert.Error(t, validator.New().Struct(&cfg))
}

func TestPostgresConfig_DSNDefaultsSSLMode(t *testing.T) {
	cfg := PostgresConfig{
		Host:   "db.internal",
		Port:   5432,
		DBName: "counselor_assist",
		Auth:   PostgresAuth{User: "svc", Password: "secret"},
	}

	assert.Equal(t,
		"host=db.internal port=5432 user=svc password=secret dbname=counselor_assist sslmode=disable",
		cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}
