// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/baro-gochi/realtime-assist-agent-sub000/pkg/configs"
)

// AppConfig is the application configuration for the counselor-assist core.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Secret   string `mapstructure:"secret" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	PostgresConfig   configs.PostgresConfig   `mapstructure:"postgres" validate:"required"`
	RedisConfig      configs.RedisConfig      `mapstructure:"redis" validate:"required"`
	OpenSearchConfig configs.OpenSearchConfig `mapstructure:"opensearch" validate:"required"`

	// Speech-to-text
	SttLanguageCode         string `mapstructure:"stt_language_code" validate:"required"`
	SttModel                string `mapstructure:"stt_model" validate:"required"`
	SttAutomaticPunctuation bool   `mapstructure:"stt_enable_automatic_punctuation"`
	GoogleCredentialsJSON   string `mapstructure:"google_credentials_json"`
	GoogleProjectID         string `mapstructure:"google_project_id"`
	GoogleSpeechRegion      string `mapstructure:"google_speech_region"`

	// WebRTC transport
	ICETransportPolicy        string   `mapstructure:"ice_transport_policy" validate:"oneof=all relay"`
	TurnURLs                  []string `mapstructure:"turn_urls"`
	TurnSecret                string   `mapstructure:"turn_secret"`
	TurnCredentialsTTLSeconds int      `mapstructure:"turn_credentials_ttl_seconds"`

	// LLM
	OpenAIAPIKey   string `mapstructure:"openai_api_key"`
	LLMModel       string `mapstructure:"llm_model" validate:"required"`
	EmbeddingModel string `mapstructure:"embedding_model" validate:"required"`

	// Pipeline budgets
	MaxConcurrentRooms     int     `mapstructure:"max_concurrent_rooms" validate:"required,min=1"`
	PipelineNodeDeadlineMS int     `mapstructure:"pipeline_node_deadline_ms" validate:"required,min=100"`
	EndSessionDeadlineMS   int     `mapstructure:"end_session_deadline_ms" validate:"required,min=1000"`
	SemanticCacheThreshold float64 `mapstructure:"semantic_cache_threshold" validate:"required,gt=0,lte=1"`
}

// InitConfig reads configuration from .env / environment.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "counselor-assist-core")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9100)
	v.SetDefault("LOG_LEVEL", "debug")

	v.SetDefault("STT_LANGUAGE_CODE", "ko-KR")
	v.SetDefault("STT_MODEL", "latest_long")
	v.SetDefault("STT_ENABLE_AUTOMATIC_PUNCTUATION", true)
	v.SetDefault("GOOGLE_SPEECH_REGION", "global")

	v.SetDefault("ICE_TRANSPORT_POLICY", "relay")
	v.SetDefault("TURN_CREDENTIALS_TTL_SECONDS", 3600)

	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")

	v.SetDefault("MAX_CONCURRENT_ROOMS", 200)
	v.SetDefault("PIPELINE_NODE_DEADLINE_MS", 10000)
	v.SetDefault("END_SESSION_DEADLINE_MS", 30000)
	v.SetDefault("SEMANTIC_CACHE_THRESHOLD", 0.85)

	v.SetDefault("POSTGRES__HOST", "localhost")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "counselor_assist")
	v.SetDefault("POSTGRES__AUTH__USER", "postgres")
	v.SetDefault("POSTGRES__AUTH__PASSWORD", "")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDEAL_CONNECTION", 10)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__DB", 0)

	v.SetDefault("OPENSEARCH__ADDRESSES", []string{"http://localhost:9200"})
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
