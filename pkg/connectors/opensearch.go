// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package connectors

import (
	"fmt"

	opensearch "github.com/opensearch-project/opensearch-go/v2"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/configs"
)

// OpenSearchConnector hands out the shared OpenSearch client used by the
// policy / FAQ vector collections.
type OpenSearchConnector interface {
	Client() *opensearch.Client
}

type openSearchConnector struct {
	logger commons.Logger
	client *opensearch.Client
}

// NewOpenSearchConnector builds the shared OpenSearch client.
func NewOpenSearchConnector(cfg configs.OpenSearchConfig, logger commons.Logger) (OpenSearchConnector, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	logger.Infow("opensearch connector ready", "addresses", cfg.Addresses)
	return &openSearchConnector{logger: logger, client: client}, nil
}

// NewOpenSearchConnectorWithClient wraps an existing client (tests).
func NewOpenSearchConnectorWithClient(client *opensearch.Client, logger commons.Logger) OpenSearchConnector {
	return &openSearchConnector{logger: logger, client: client}
}

func (c *openSearchConnector) Client() *opensearch.Client {
	return c.client
}
