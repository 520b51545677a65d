// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MedVerify/pkg/logging"
)

// DefaultPath returns ~/.medverify/medverify.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".medverify", "medverify.yaml"), nil
}

// Load reads the configuration at path and applies environment overrides.
//
// # Description
//
// An empty path means DefaultPath. When the file does not exist it is
// created with DefaultConfig, so a first run leaves an editable file
// behind. Keys missing from the file keep their defaults.
//
// # Outputs
//
//   - MedVerifyConfig: The merged configuration.
//   - error: Non-nil when the file cannot be read, parsed, or created, or an
//     override or value is invalid.
func Load(path string) (MedVerifyConfig, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (MedVerifyConfig, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return MedVerifyConfig{}, err
		}
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("First run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return MedVerifyConfig{}, err
		}
	case err != nil:
		return MedVerifyConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return MedVerifyConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return MedVerifyConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return MedVerifyConfig{}, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overrides file values with environment variables. The variable
// names match the ones the container deployment already sets.
func applyEnv(cfg *MedVerifyConfig, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a number", key, v))
				return
			}
			*dst = f
		}
	}

	integer("MEDVERIFY_PORT", &cfg.Server.Port)
	if v := getenv("MEDVERIFY_API_KEYS"); v != "" {
		cfg.Server.APIKeys = splitList(v)
	}

	str("MEDVERIFY_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("MEDVERIFY_DATA_DIR", &cfg.Storage.DataDir)
	str("WEAVIATE_SERVICE_URL", &cfg.Storage.WeaviateURL)

	str("EMBEDDING_BACKEND", &cfg.Embedding.Backend)
	str("EMBEDDING_MODEL", &cfg.Embedding.Model)
	str("EMBEDDING_SERVICE_URL", &cfg.Embedding.URL)

	str("LLM_BACKEND_TYPE", &cfg.LLM.Backend)
	str("OPENAI_API_KEY", &cfg.LLM.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &cfg.LLM.OpenAIBaseURL)
	str("OLLAMA_URL", &cfg.LLM.OllamaURL)
	str("GENERATION_MODEL", &cfg.LLM.GenerationModel)
	str("VERIFICATION_MODEL", &cfg.LLM.VerificationModel)

	float("MEDVERIFY_THRESHOLD", &cfg.Loop.Threshold)
	integer("MEDVERIFY_MAX_ATTEMPTS", &cfg.Loop.MaxAttempts)

	str("MEDVERIFY_WATCH_DIR", &cfg.Ingest.WatchDir)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Observability.OTelEndpoint)

	if v := getenv("MEDVERIFY_LOG_LEVEL"); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MEDVERIFY_LOG_LEVEL: %w", err))
		} else {
			cfg.Logging.Level = level
		}
	}
	return errors.Join(errs...)
}

// Validate checks values that the service would otherwise reject late.
func (c MedVerifyConfig) Validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Loop.Threshold < 0 || c.Loop.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("loop.threshold %.2f must be within [0, 1]", c.Loop.Threshold))
	}
	if c.Loop.MaxAttempts < 0 {
		errs = append(errs, "loop.max_attempts must be positive")
	}
	if c.Storage.Backend == "weaviate" && c.Storage.WeaviateURL == "" {
		errs = append(errs, "storage.weaviate_url is required for the weaviate backend")
	}
	if c.Ingest.ChunkSize > 0 && c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, "ingest.chunk_overlap must be smaller than ingest.chunk_size")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
