// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MedVerify/pkg/logging"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

// TestLoad_CreatesDefault verifies first-run config creation.
func TestLoad_CreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".medverify", "medverify.yaml")

	cfg, err := load(path, noEnv)
	if err != nil {
		t.Fatalf("load() failed: %v", err)
	}
	if cfg.Server.Port != 8000 || cfg.Loop.MaxAttempts != 5 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	var written MedVerifyConfig
	if err := yaml.Unmarshal(data, &written); err != nil {
		t.Fatalf("failed to parse written config: %v", err)
	}
	if written.LLM.GenerationModel != "gpt-4o" || written.LLM.VerificationModel != "o1-mini" {
		t.Errorf("written models = %q/%q", written.LLM.GenerationModel, written.LLM.VerificationModel)
	}
	if written.LLM.Timeout != 60*time.Second {
		t.Errorf("written timeout = %v", written.LLM.Timeout)
	}
	if strings.Contains(string(data), "openai_api_key") {
		t.Error("an empty API key should not be written")
	}
}

// TestLoad_PartialFileKeepsDefaults verifies that keys missing from the
// file keep their default values.
func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medverify.yaml")
	content := `
storage:
  backend: memory
loop:
  threshold: 0.7
  precedence: threshold_only
llm:
  timeout: 15s
logging:
  level: debug
  json: true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(path, noEnv)
	if err != nil {
		t.Fatalf("load() failed: %v", err)
	}
	if cfg.Storage.Backend != "memory" || cfg.Loop.Threshold != 0.7 || cfg.Loop.Precedence != "threshold_only" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LLM.Timeout != 15*time.Second {
		t.Errorf("timeout = %v, want 15s", cfg.LLM.Timeout)
	}
	if cfg.Logging.Level != logging.LevelDebug || !cfg.Logging.JSON {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Ingest.ChunkSize != 1000 || cfg.Loop.TopK != 5 || cfg.Server.Port != 8000 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medverify.yaml")
	env := envMap(map[string]string{
		"MEDVERIFY_PORT":              "9001",
		"MEDVERIFY_API_KEYS":          "clinic:abc, ops:def ,",
		"LLM_BACKEND_TYPE":            "ollama",
		"OPENAI_API_KEY":              "sk-test",
		"WEAVIATE_SERVICE_URL":        "http://weaviate:8080",
		"MEDVERIFY_STORAGE_BACKEND":   "weaviate",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
		"MEDVERIFY_THRESHOLD":         "0.9",
		"MEDVERIFY_LOG_LEVEL":         "warn",
	})

	cfg, err := load(path, env)
	if err != nil {
		t.Fatalf("load() failed: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.Server.APIKeys) != 2 || cfg.Server.APIKeys[1] != "ops:def" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.LLM.Backend != "ollama" || cfg.LLM.OpenAIAPIKey != "sk-test" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Storage.Backend != "weaviate" || cfg.Storage.WeaviateURL != "http://weaviate:8080" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Observability.OTelEndpoint != "collector:4317" || cfg.Loop.Threshold != 0.9 {
		t.Errorf("overrides missing: %+v", cfg)
	}
	if cfg.Logging.Level != logging.LevelWarn {
		t.Errorf("log level = %v", cfg.Logging.Level)
	}
}

func TestLoad_BadEnvValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medverify.yaml")
	_, err := load(path, envMap(map[string]string{
		"MEDVERIFY_PORT":      "eighty",
		"MEDVERIFY_THRESHOLD": "high",
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "MEDVERIFY_PORT") || !strings.Contains(err.Error(), "MEDVERIFY_THRESHOLD") {
		t.Errorf("error should name both variables: %v", err)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medverify.yaml")
	if err := os.WriteFile(path, []byte("server: [port"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := load(path, noEnv); err == nil {
		t.Error("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MedVerifyConfig)
		want   string
	}{
		{"threshold", func(c *MedVerifyConfig) { c.Loop.Threshold = 1.5 }, "loop.threshold"},
		{"port", func(c *MedVerifyConfig) { c.Server.Port = 70000 }, "server.port"},
		{"attempts", func(c *MedVerifyConfig) { c.Loop.MaxAttempts = -1 }, "loop.max_attempts"},
		{"weaviate", func(c *MedVerifyConfig) { c.Storage.Backend = "weaviate" }, "weaviate_url"},
		{"overlap", func(c *MedVerifyConfig) { c.Ingest.ChunkOverlap = 1000 }, "chunk_overlap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestOrchestrator_MapsSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/var/lib/medverify"
	cfg.Ingest.WatchDir = "/srv/uploads"
	cfg.Loop.Refiner = "issue"

	out := cfg.Orchestrator("1.2.3")
	if out.Version != "1.2.3" || out.Port != 8000 || out.DataDir != "/var/lib/medverify" {
		t.Errorf("unexpected mapping: %+v", out)
	}
	if out.WatchDir != "/srv/uploads" || out.Refiner != "issue" || out.Threshold != 0.8 {
		t.Errorf("unexpected mapping: %+v", out)
	}
	if out.ChunkSize != 1000 || out.ChunkOverlap != 200 || out.EmbedBatchSize != 64 {
		t.Errorf("ingest not mapped: %+v", out)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/.medverify/data"); got != filepath.Join(home, ".medverify", "data") {
		t.Errorf("expandHome() = %q", got)
	}
	if got := expandHome(""); got != "" {
		t.Errorf("expandHome(\"\") = %q", got)
	}
}
