// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command copycast starts the CTR prediction HTTP server.
//
// It reads configuration from environment variables and serves the A/B
// prediction API.
//
// # Environment Variables
//
//   - COPYCAST_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: model provider - openai, none (default: openai)
//   - COPYCAST_MODELS: comma-separated model rollover order (optional)
//   - COPYCAST_LOG_PATH: decision log file (default: ./data/decisions.jsonl)
//   - COPYCAST_PERSONAS: persona catalog YAML (default: embedded)
//   - COPYCAST_CALIBRATION: calibration table YAML (default: embedded)
//   - COPYCAST_LOG_LEVEL: minimum log level (default: info)
//   - COPYCAST_LOG_FILE: duplicate logs to this file (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: copycast-otel-collector:4317)
//   - OPENAI_API_KEY: OpenAI credential (or /run/secrets/openai_api_key)
//
// # Usage
//
//	# Build
//	go build -o copycast ./cmd/copycast
//
//	# Run
//	./copycast
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ctrlab/copycast/pkg/logging"
	"github.com/ctrlab/copycast/services/predictor"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Level:    getEnvString("COPYCAST_LOG_LEVEL", "info"),
		FilePath: os.Getenv("COPYCAST_LOG_FILE"),
	})
	defer logger.Close()
	logger.SetDefault()

	cfg := predictor.Config{
		Port:            getEnvInt("COPYCAST_PORT", 12310),
		LLMBackend:      getEnvString("LLM_BACKEND_TYPE", "openai"),
		Models:          splitList(os.Getenv("COPYCAST_MODELS")),
		EmbeddingModel:  os.Getenv("COPYCAST_EMBEDDING_MODEL"),
		LogPath:         getEnvString("COPYCAST_LOG_PATH", "./data/decisions.jsonl"),
		PersonaPath:     os.Getenv("COPYCAST_PERSONAS"),
		CalibrationPath: os.Getenv("COPYCAST_CALIBRATION"),
		SampleSize:      getEnvInt("COPYCAST_SAMPLE_SIZE", 0),
		OTelEndpoint:    getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "copycast-otel-collector:4317"),
		WatchLog:        true,
	}

	slog.Info("Starting copycast",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"log_path", cfg.LogPath,
	)

	svc, err := predictor.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create predictor: %v", err)
	}
	defer svc.Shutdown(context.Background())

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Predictor error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
