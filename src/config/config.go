// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"taskdispatch/src/logging"
)

const (
	DefaultCancelLimit     = 2
	DefaultReAlertCooldown = 3 * time.Hour
	DefaultRadiusKm        = 5.0
	DefaultPushTimeout     = 5 * time.Second
	DefaultEventChannel    = "dispatch_events"
)

type Database struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string
	SSLMode  string
}

// DSN renders the lib/pq key/value connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		d.User, d.Password, d.Name, d.Host, d.Port, d.SSLMode)
}

// Policy holds the per-deployment marketplace rules.
type Policy struct {
	CancelLimit     int
	ReAlertCooldown time.Duration
	DefaultRadiusKm float64
}

type Config struct {
	APIPort        string
	StoreDriver    string
	EventChannel   string
	PushWebhookURL string
	PushTimeout    time.Duration
	DB             Database
	Policy         Policy
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Log(fmt.Sprintf("Warning: failed to load .env: %v", err), slog.LevelWarn)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		APIPort:        orDefault(getenv("API_PORT"), "8080"),
		StoreDriver:    orDefault(getenv("STORE_DRIVER"), "postgres"),
		EventChannel:   orDefault(getenv("EVENT_CHANNEL"), DefaultEventChannel),
		PushWebhookURL: getenv("PUSH_WEBHOOK_URL"),
		PushTimeout:    durationOr(getenv, "PUSH_TIMEOUT", DefaultPushTimeout),
		DB: Database{
			User:     getenv("DB_USER"),
			Password: getenv("DB_PASSWORD"),
			Name:     getenv("DB_NAME"),
			Host:     orDefault(getenv("DB_HOST"), "localhost"),
			Port:     orDefault(getenv("DB_PORT"), "5432"),
			SSLMode:  orDefault(getenv("DB_SSLMODE"), "require"),
		},
		Policy: Policy{
			CancelLimit:     intOr(getenv, "CANCEL_LIMIT", DefaultCancelLimit),
			ReAlertCooldown: durationOr(getenv, "REALERT_COOLDOWN", DefaultReAlertCooldown),
			DefaultRadiusKm: floatOr(getenv, "DEFAULT_RADIUS_KM", DefaultRadiusKm),
		},
	}

	if path := getenv("POLICY_FILE"); path != "" {
		policy, err := LoadPolicyFile(path, cfg.Policy)
		if err != nil {
			return Config{}, err
		}
		cfg.Policy = policy
	}

	switch cfg.StoreDriver {
	case "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("config: unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

// LoadPolicyFile overlays the YAML document at path on base. Keys absent
// from the file keep their base value.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read policy file: %w", err)
	}
	var raw struct {
		CancelLimit     *int     `yaml:"cancel_limit"`
		ReAlertCooldown *string  `yaml:"realert_cooldown"`
		DefaultRadiusKm *float64 `yaml:"default_radius_km"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("config: parse policy file: %w", err)
	}
	policy := base
	if raw.CancelLimit != nil {
		if *raw.CancelLimit <= 0 {
			return Policy{}, fmt.Errorf("config: cancel_limit must be positive, got %d", *raw.CancelLimit)
		}
		policy.CancelLimit = *raw.CancelLimit
	}
	if raw.ReAlertCooldown != nil {
		d, err := time.ParseDuration(*raw.ReAlertCooldown)
		if err != nil {
			return Policy{}, fmt.Errorf("config: realert_cooldown: %w", err)
		}
		policy.ReAlertCooldown = d
	}
	if raw.DefaultRadiusKm != nil {
		if *raw.DefaultRadiusKm <= 0 {
			return Policy{}, fmt.Errorf("config: default_radius_km must be positive")
		}
		policy.DefaultRadiusKm = *raw.DefaultRadiusKm
	}
	return policy, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOr(getenv func(string) string, key string, def int) int {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %d", key, raw, def), slog.LevelWarn)
		return def
	}
	return v
}

func floatOr(getenv func(string) string, key string, def float64) float64 {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %g", key, raw, def), slog.LevelWarn)
		return def
	}
	return v
}

func durationOr(getenv func(string) string, key string, def time.Duration) time.Duration {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %s", key, raw, def), slog.LevelWarn)
		return def
	}
	return v
}
