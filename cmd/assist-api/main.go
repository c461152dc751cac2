// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baro-gochi/realtime-assist-agent-sub000/config"
	internal_customer "github.com/baro-gochi/realtime-assist-agent-sub000/internal/customer"
	internal_knowledge "github.com/baro-gochi/realtime-assist-agent-sub000/internal/knowledge"
	internal_llm "github.com/baro-gochi/realtime-assist-agent-sub000/internal/llm"
	internal_persistence "github.com/baro-gochi/realtime-assist-agent-sub000/internal/persistence"
	internal_room "github.com/baro-gochi/realtime-assist-agent-sub000/internal/room"
	internal_signaling "github.com/baro-gochi/realtime-assist-agent-sub000/internal/signaling"
	internal_stt "github.com/baro-gochi/realtime-assist-agent-sub000/internal/stt"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/commons"
	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/connectors"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("unable to initialise config: %+v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("unable to load application config: %+v", err)
	}

	logger, err := commons.NewApplicationLogger(commons.WithLogLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("unable to build logger: %+v", err)
	}
	defer logger.Sync()
	logger.Infow("starting counselor-assist core", "service", cfg.Name, "version", cfg.Version)

	postgres, err := connectors.NewPostgresConnector(cfg.PostgresConfig, logger)
	if err != nil {
		logger.Errorf("unable to connect postgres: %+v", err)
		os.Exit(1)
	}
	defer postgres.Close()

	redis, err := connectors.NewRedisConnector(context.Background(), cfg.RedisConfig, logger)
	if err != nil {
		logger.Errorf("unable to connect redis: %+v", err)
		os.Exit(1)
	}
	defer redis.Close()

	opensearch, err := connectors.NewOpenSearchConnector(cfg.OpenSearchConfig, logger)
	if err != nil {
		logger.Errorf("unable to connect opensearch: %+v", err)
		os.Exit(1)
	}

	llmClient, embedder := internal_llm.NewOpenAIClient(logger, cfg.OpenAIAPIKey, cfg.LLMModel, cfg.EmbeddingModel)
	store := internal_knowledge.NewOpenSearchStore(opensearch, logger)
	cache := internal_knowledge.NewSemanticCache(redis, cfg.SemanticCacheThreshold, logger)
	gateway := internal_persistence.NewGateway(postgres, logger)
	directory := internal_customer.NewDirectory(postgres, logger)

	sttFactory, err := internal_stt.NewGoogleFactory(context.Background(), logger, internal_stt.GoogleConfig{
		CredentialsJSON: cfg.GoogleCredentialsJSON,
		ProjectID:       cfg.GoogleProjectID,
		Region:          cfg.GoogleSpeechRegion,
	})
	if err != nil {
		logger.Errorf("unable to initialise speech client: %+v", err)
		os.Exit(1)
	}

	manager := internal_room.NewManager(cfg, gateway, llmClient, embedder, store, cache, directory, sttFactory, logger)
	verifier := internal_signaling.NewJWTVerifier(cfg.Secret)
	signalServer := internal_signaling.NewServer(logger, manager, verifier)

	mux := http.NewServeMux()
	mux.Handle("/ws", signalServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","rooms":%d}`, manager.RoomCount())
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	go func() {
		logger.Infow("signal server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server stopped: %+v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Infow("shutdown requested")

	// Rooms first, then transports, then pending writes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager.Shutdown(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	if err := gateway.Drain(shutdownCtx); err != nil {
		logger.Warnw("persistence drain incomplete", "error", err)
	}
	logger.Infow("shutdown complete")
}
