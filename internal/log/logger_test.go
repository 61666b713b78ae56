// Copyright 2025 Ryan McCoy
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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("execution started", Error(nil))
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "execution started" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line leaked past warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn line missing")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SPINE_DEBUG", "1")
	cfg := FromEnv()
	if cfg.Level != "debug" || !cfg.AddSource {
		t.Errorf("SPINE_DEBUG config = %+v", cfg)
	}

	t.Setenv("SPINE_DEBUG", "")
	t.Setenv("SPINE_LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "text")
	cfg = FromEnv()
	if cfg.Level != "error" {
		t.Errorf("Level = %q", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Format = %q", cfg.Format)
	}
}

func TestWithExecution(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Format: FormatJSON, Output: &buf})

	WithExecution(logger, "exec-1", "finra.ingest").Info("hello")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry[ExecutionIDKey] != "exec-1" || entry[WorkflowKey] != "finra.ingest" {
		t.Errorf("entry = %v", entry)
	}
}
