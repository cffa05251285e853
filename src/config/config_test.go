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
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	assert.NilError(t, err)
	assert.Equal(t, cfg.APIPort, "8080")
	assert.Equal(t, cfg.StoreDriver, "postgres")
	assert.Equal(t, cfg.Policy.CancelLimit, 2)
	assert.Equal(t, cfg.Policy.ReAlertCooldown, 3*time.Hour)
	assert.Equal(t, cfg.Policy.DefaultRadiusKm, 5.0)
	assert.Equal(t, cfg.DB.DSN(), "user= password= dbname= host=localhost port=5432 sslmode=require")
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"API_PORT":          "9090",
		"STORE_DRIVER":      "memory",
		"CANCEL_LIMIT":      "4",
		"REALERT_COOLDOWN":  "90m",
		"DEFAULT_RADIUS_KM": "2.5",
	}))
	assert.NilError(t, err)
	assert.Equal(t, cfg.APIPort, "9090")
	assert.Equal(t, cfg.StoreDriver, "memory")
	assert.Equal(t, cfg.Policy.CancelLimit, 4)
	assert.Equal(t, cfg.Policy.ReAlertCooldown, 90*time.Minute)
	assert.Equal(t, cfg.Policy.DefaultRadiusKm, 2.5)
}

func TestFromEnvBadNumbersFallBack(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"CANCEL_LIMIT":     "many",
		"REALERT_COOLDOWN": "soon",
	}))
	assert.NilError(t, err)
	assert.Equal(t, cfg.Policy.CancelLimit, DefaultCancelLimit)
	assert.Equal(t, cfg.Policy.ReAlertCooldown, DefaultReAlertCooldown)
}

func TestFromEnvRejectsUnknownDriver(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{"STORE_DRIVER": "mongo"}))
	assert.ErrorContains(t, err, "unknown STORE_DRIVER")
}

func TestPolicyFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	err := os.WriteFile(path, []byte("cancel_limit: 3\nrealert_cooldown: 45m\n"), 0o644)
	assert.NilError(t, err)

	cfg, err := FromEnv(envMap(map[string]string{
		"POLICY_FILE":       path,
		"DEFAULT_RADIUS_KM": "7",
	}))
	assert.NilError(t, err)
	assert.Equal(t, cfg.Policy.CancelLimit, 3)
	assert.Equal(t, cfg.Policy.ReAlertCooldown, 45*time.Minute)
	assert.Equal(t, cfg.Policy.DefaultRadiusKm, 7.0)
}

func TestPolicyFileValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("cancel_limit: 0\n"), 0o644))

	_, err := LoadPolicyFile(path, Policy{CancelLimit: 2})
	assert.ErrorContains(t, err, "cancel_limit must be positive")

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"), Policy{})
	assert.ErrorContains(t, err, "read policy file")
}
