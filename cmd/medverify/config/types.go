// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config reads the medverify YAML configuration.
package config

import (
	"time"

	"github.com/AleutianAI/MedVerify/pkg/logging"
	"github.com/AleutianAI/MedVerify/services/orchestrator"
)

// MedVerifyConfig is the full configuration file.
type MedVerifyConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Loop          LoopConfig          `yaml:"loop"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       logging.Config      `yaml:"logging"`
}

type ServerConfig struct {
	Port    int      `yaml:"port"`     // e.g. 8000
	GinMode string   `yaml:"gin_mode"` // debug, release or test
	APIKeys []string `yaml:"api_keys"` // "label:key" entries; empty disables auth
}

type StorageConfig struct {
	// Backend is "memory", "badger" or "weaviate".
	Backend     string `yaml:"backend"`
	DataDir     string `yaml:"data_dir"`
	WeaviateURL string `yaml:"weaviate_url,omitempty"`
}

type EmbeddingConfig struct {
	// Backend is "openai", "service" or "hashing".
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
	URL     string `yaml:"url,omitempty"`
	Dim     int    `yaml:"dim,omitempty"`
}

type LLMConfig struct {
	// Backend is "openai" or "ollama".
	Backend           string        `yaml:"backend"`
	OpenAIAPIKey      string        `yaml:"openai_api_key,omitempty"`
	OpenAIBaseURL     string        `yaml:"openai_base_url,omitempty"`
	OllamaURL         string        `yaml:"ollama_url,omitempty"`
	GenerationModel   string        `yaml:"generation_model"`
	VerificationModel string        `yaml:"verification_model"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

type LoopConfig struct {
	TopK        int     `yaml:"top_k"`
	TopKGrowth  int     `yaml:"top_k_growth"`
	Threshold   float64 `yaml:"threshold"`
	Precedence  string  `yaml:"precedence"` // grounding_first or threshold_only
	Refiner     string  `yaml:"refiner"`    // llm or issue
	MaxAttempts int     `yaml:"max_attempts"`
}

type IngestConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	BatchSize    int    `yaml:"batch_size"`
	Concurrency  int    `yaml:"concurrency"`
	WatchDir     string `yaml:"watch_dir,omitempty"`
}

type ObservabilityConfig struct {
	OTelEndpoint string `yaml:"otel_endpoint,omitempty"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() MedVerifyConfig {
	return MedVerifyConfig{
		Server: ServerConfig{
			Port:    8000,
			GinMode: "release",
		},
		Storage: StorageConfig{
			Backend: "badger",
			DataDir: "~/.medverify/data",
		},
		Embedding: EmbeddingConfig{
			Backend: "openai",
			Model:   "text-embedding-3-small",
		},
		LLM: LLMConfig{
			Backend:           "openai",
			OllamaURL:         "http://localhost:11434",
			GenerationModel:   "gpt-4o",
			VerificationModel: "o1-mini",
			Burst:             1,
			Timeout:           60 * time.Second,
			MaxRetries:        2,
		},
		Loop: LoopConfig{
			TopK:        5,
			TopKGrowth:  1,
			Threshold:   0.8,
			Precedence:  "grounding_first",
			Refiner:     "llm",
			MaxAttempts: 5,
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
			BatchSize:    64,
			Concurrency:  4,
		},
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "medverify",
		},
	}
}

// Orchestrator converts the file sections into the service configuration.
func (c MedVerifyConfig) Orchestrator(version string) orchestrator.Config {
	return orchestrator.Config{
		Port:                 c.Server.Port,
		Version:              version,
		GinMode:              c.Server.GinMode,
		APIKeys:              c.Server.APIKeys,
		StorageBackend:       c.Storage.Backend,
		DataDir:              expandHome(c.Storage.DataDir),
		WeaviateURL:          c.Storage.WeaviateURL,
		EmbeddingBackend:     c.Embedding.Backend,
		EmbeddingModel:       c.Embedding.Model,
		EmbeddingURL:         c.Embedding.URL,
		EmbeddingDim:         c.Embedding.Dim,
		LLMBackend:           c.LLM.Backend,
		OpenAIAPIKey:         c.LLM.OpenAIAPIKey,
		OpenAIBaseURL:        c.LLM.OpenAIBaseURL,
		OllamaURL:            c.LLM.OllamaURL,
		GenerationModel:      c.LLM.GenerationModel,
		VerificationModel:    c.LLM.VerificationModel,
		LLMRequestsPerSecond: c.LLM.RequestsPerSecond,
		LLMBurst:             c.LLM.Burst,
		LLMTimeout:           c.LLM.Timeout,
		LLMMaxRetries:        c.LLM.MaxRetries,
		TopK:                 c.Loop.TopK,
		TopKGrowth:           c.Loop.TopKGrowth,
		Threshold:            c.Loop.Threshold,
		Precedence:           c.Loop.Precedence,
		Refiner:              c.Loop.Refiner,
		ChunkSize:            c.Ingest.ChunkSize,
		ChunkOverlap:         c.Ingest.ChunkOverlap,
		EmbedBatchSize:       c.Ingest.BatchSize,
		EmbedConcurrency:     c.Ingest.Concurrency,
		WatchDir:             expandHome(c.Ingest.WatchDir),
		OTelEndpoint:         c.Observability.OTelEndpoint,
		TraceStdout:          c.Observability.TraceStdout,
	}
}
