// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv2"
	"google.golang.org/api/option"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
)

// GoogleConfig carries the provider credentials and placement.
type GoogleConfig struct {
	CredentialsJSON string
	ProjectID       string
	Region          string // "global" or a regional endpoint prefix
}

// googleFactory opens Google Cloud Speech v2 streaming sessions. One factory
// (and one underlying client) is shared by every peer stream; rotation just
// opens a fresh gRPC stream on the same client.
type googleFactory struct {
	logger commons.Logger
	client *speech.Client
	config GoogleConfig
}

// NewGoogleFactory builds the shared speech client.
func NewGoogleFactory(ctx context.Context, logger commons.Logger, config GoogleConfig) (SessionFactory, error) {
	opts := make([]option.ClientOption, 0, 2)
	if config.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(config.CredentialsJSON)))
	}
	if config.Region != "" && config.Region != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:443", config.Region)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	logger.Infow("google speech client ready", "project", config.ProjectID, "region", config.Region)
	return &googleFactory{logger: logger, client: client, config: config}, nil
}

func (f *googleFactory) Open(ctx context.Context) (RecognizeSession, error) {
	stream, err := f.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open streaming recognize session: %w", err)
	}
	return stream, nil
}

func (f *googleFactory) Recognizer() string {
	region := f.config.Region
	if region == "" {
		region = "global"
	}
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", f.config.ProjectID, region)
}
