// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis
	RedisURL    string
	EventsQueue string

	// Extraction model
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	// PDF text layer
	PdftotextPath string
	MinTextLength int

	// Credential encryption (Fernet key, base64url)
	EncryptionKey string

	// Gmail OAuth application credentials
	GoogleClientID     string
	GoogleClientSecret string

	// Polling
	PollCheckInterval time.Duration
	MaxMessages       int
	MailboxTimeout    time.Duration
	ExtractionTimeout time.Duration

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Gemini struct {
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"gemini"`
	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"google"`
	Encryption struct {
		Key string `yaml:"key"`
	} `yaml:"encryption"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	if data, err := os.ReadFile(configPath); err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL:        firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/ingestion")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue:        firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "ingestion-events")),
		GeminiAPIKey:       firstNonEmpty(raw.Gemini.APIKey, os.Getenv("GEMINI_API_KEY")),
		GeminiModel:        firstNonEmpty(raw.Gemini.Model, envOrDefault("GEMINI_MODEL", "gemini-2.0-flash")),
		GeminiBaseURL:      firstNonEmpty(raw.Gemini.BaseURL, os.Getenv("GEMINI_BASE_URL")),
		PdftotextPath:      envOrDefault("PDFTOTEXT_PATH", "pdftotext"),
		MinTextLength:      envOrDefaultInt("MIN_TEXT_LENGTH", 100),
		EncryptionKey:      firstNonEmpty(raw.Encryption.Key, os.Getenv("ENCRYPTION_KEY")),
		GoogleClientID:     firstNonEmpty(raw.Google.ClientID, os.Getenv("GOOGLE_CLIENT_ID")),
		GoogleClientSecret: firstNonEmpty(raw.Google.ClientSecret, os.Getenv("GOOGLE_CLIENT_SECRET")),
		PollCheckInterval:  envOrDefaultDuration("POLL_CHECK_INTERVAL", time.Minute),
		MaxMessages:        envOrDefaultInt("MAX_MESSAGES", 5),
		MailboxTimeout:     envOrDefaultDuration("MAILBOX_TIMEOUT", 30*time.Second),
		ExtractionTimeout:  envOrDefaultDuration("EXTRACTION_TIMEOUT", 90*time.Second),
		Port:               envOrDefaultInt("PORT", 8080),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("no Gemini API key configured — set GEMINI_API_KEY or gemini.api_key")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("no encryption key configured — set ENCRYPTION_KEY or encryption.key")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
