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

// Package config loads platform settings from layered dotenv files and the
// process environment. Later layers override earlier ones:
// .env.base, .env.<tier>, .env.local, .env, then real environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Tier names a deployment profile.
type Tier string

// Known tiers.
const (
	TierDev  Tier = "dev"
	TierTest Tier = "test"
	TierProd Tier = "prod"
)

// Settings is the resolved platform configuration.
type Settings struct {
	// Tier is the active deployment profile.
	Tier Tier

	// DatabaseURL selects the backend: postgres://... or a SQLite path.
	DatabaseURL string

	// PoolSize bounds the PostgreSQL connection pool.
	PoolSize int

	// APIHost and APIPort bind the REST facade.
	APIHost string
	APIPort int

	// CORSOrigins lists allowed origins for the REST facade.
	CORSOrigins []string

	// SchedulerTickSeconds is the scheduler evaluation period.
	SchedulerTickSeconds int

	// MisfireGraceSeconds is the default misfire grace for new schedules.
	MisfireGraceSeconds int

	// RetryBaseSeconds and RetryCeilingSeconds are the configured retry
	// backoff base and ceiling. They are loaded and reported only; the
	// queue's Delay uses its own BackoffBase and BackoffCeiling constants.
	RetryBaseSeconds    int
	RetryCeilingSeconds int

	// LogLevel and LogFormat configure logging.
	LogLevel  string
	LogFormat string

	// Feature flags.
	EnableDLQ              bool
	EnableQualityChecks    bool
	EnableAnomalyDetection bool
}

// Defaults returns the settings for a tier before any file or environment
// override.
func Defaults(tier Tier) Settings {
	s := Settings{
		Tier:                   tier,
		DatabaseURL:            "spine.db",
		PoolSize:               8,
		APIHost:                "127.0.0.1",
		APIPort:                8600,
		SchedulerTickSeconds:   10,
		MisfireGraceSeconds:    300,
		RetryBaseSeconds:       60,
		RetryCeilingSeconds:    3600,
		LogLevel:               "info",
		LogFormat:              "json",
		EnableDLQ:              true,
		EnableQualityChecks:    true,
		EnableAnomalyDetection: true,
	}
	switch tier {
	case TierDev:
		s.LogLevel = "debug"
		s.LogFormat = "text"
	case TierTest:
		s.DatabaseURL = ":memory:"
		s.SchedulerTickSeconds = 1
	case TierProd:
		s.APIHost = "0.0.0.0"
	}
	return s
}

// Load resolves settings from the layered dotenv files under dir plus the
// process environment. The tier comes from SPINE_TIER (default dev).
func Load(dir string) (Settings, error) {
	tier := Tier(getenvDefault("SPINE_TIER", string(TierDev)))

	// godotenv.Load never overrides variables already set, so loading
	// highest precedence first makes later files the fallback layers.
	layers := []string{
		filepath.Join(dir, ".env"),
		filepath.Join(dir, ".env.local"),
		filepath.Join(dir, fmt.Sprintf(".env.%s", tier)),
		filepath.Join(dir, ".env.base"),
	}
	for _, layer := range layers {
		if _, err := os.Stat(layer); err != nil {
			continue
		}
		if err := godotenv.Load(layer); err != nil {
			return Settings{}, fmt.Errorf("failed to load %s: %w", layer, err)
		}
	}

	s := Defaults(tier)
	applyEnv(&s)
	return s, nil
}

// applyEnv overlays recognized environment variables.
func applyEnv(s *Settings) {
	setString(&s.DatabaseURL, "SPINE_DATABASE_URL", "DATABASE_URL")
	setInt(&s.PoolSize, "SPINE_POOL_SIZE")
	setString(&s.APIHost, "SPINE_API_HOST")
	setInt(&s.APIPort, "SPINE_API_PORT")
	setInt(&s.SchedulerTickSeconds, "SPINE_SCHEDULER_TICK_SECONDS")
	setInt(&s.MisfireGraceSeconds, "SPINE_MISFIRE_GRACE_SECONDS")
	setInt(&s.RetryBaseSeconds, "SPINE_RETRY_BASE_SECONDS")
	setInt(&s.RetryCeilingSeconds, "SPINE_RETRY_CEILING_SECONDS")
	setString(&s.LogLevel, "SPINE_LOG_LEVEL", "LOG_LEVEL")
	setString(&s.LogFormat, "LOG_FORMAT")
	setBool(&s.EnableDLQ, "SPINE_ENABLE_DLQ")
	setBool(&s.EnableQualityChecks, "SPINE_ENABLE_QUALITY_CHECKS")
	setBool(&s.EnableAnomalyDetection, "SPINE_ENABLE_ANOMALY_DETECTION")

	if v := os.Getenv("SPINE_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		s.CORSOrigins = s.CORSOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				s.CORSOrigins = append(s.CORSOrigins, p)
			}
		}
	}
}

// ToMap renders the settings for `config show`. Keys are stable and
// sorted.
func (s Settings) ToMap() map[string]string {
	return map[string]string{
		"tier":                     string(s.Tier),
		"database_url":             s.DatabaseURL,
		"pool_size":                strconv.Itoa(s.PoolSize),
		"api_host":                 s.APIHost,
		"api_port":                 strconv.Itoa(s.APIPort),
		"cors_origins":             strings.Join(s.CORSOrigins, ","),
		"scheduler_tick_seconds":   strconv.Itoa(s.SchedulerTickSeconds),
		"misfire_grace_seconds":    strconv.Itoa(s.MisfireGraceSeconds),
		"retry_base_seconds":       strconv.Itoa(s.RetryBaseSeconds),
		"retry_ceiling_seconds":    strconv.Itoa(s.RetryCeilingSeconds),
		"log_level":                s.LogLevel,
		"log_format":               s.LogFormat,
		"enable_dlq":               strconv.FormatBool(s.EnableDLQ),
		"enable_quality_checks":    strconv.FormatBool(s.EnableQualityChecks),
		"enable_anomaly_detection": strconv.FormatBool(s.EnableAnomalyDetection),
	}
}

// SortedKeys returns the ToMap keys in order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setString(dest *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dest = v
			return
		}
	}
}

func setInt(dest *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dest = n
		}
	}
}

func setBool(dest *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dest = b
		}
	}
}
