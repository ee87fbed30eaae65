package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "hosts.json")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadSubstitutesEnv(t *testing.T) {
	os.Setenv("TESTPILOT_TEST_HOSTNAME", "nrf.example.com")
	defer os.Unsetenv("TESTPILOT_TEST_HOSTNAME")

	path := writeTempConfig(t, `{
		"use_ssh": true,
		"nf_name": "NRF",
		"hosts": [
			{"name": "nrf-1", "hostname": "${TESTPILOT_TEST_HOSTNAME}", "username": "u", "key_path": "${TESTPILOT_MISSING_KEY:-/tmp/id_rsa}"}
		]
	}`)

	cfg, err := Load(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsNRF() {
		t.Fatal("expected NRF identity to be recognized")
	}
	h, ok := cfg.HostByName("nrf-1")
	if !ok {
		t.Fatal("expected host nrf-1")
	}
	if h.Hostname != "nrf.example.com" {
		t.Fatalf("hostname not substituted: %q", h.Hostname)
	}
	if h.KeyPath != "/tmp/id_rsa" {
		t.Fatalf("default not applied: %q", h.KeyPath)
	}
}

func TestLoadMissingRequiredEnvFails(t *testing.T) {
	path := writeTempConfig(t, `{"hosts":[{"name":"h1","hostname":"${TESTPILOT_DEFINITELY_UNSET}"}]}`)
	if _, err := Load(zap.NewNop(), path); err == nil {
		t.Fatal("expected error for missing required env var")
	}
}

func TestLoadConflictingAuthFails(t *testing.T) {
	path := writeTempConfig(t, `{
		"use_ssh": true,
		"hosts": [{"name": "h1", "hostname": "h", "password": "p", "key_path": "/tmp/k"}]
	}`)
	if _, err := Load(zap.NewNop(), path); err == nil {
		t.Fatal("expected error for conflicting auth")
	}
}

func TestLoadMissingAuthFails(t *testing.T) {
	path := writeTempConfig(t, `{
		"use_ssh": true,
		"hosts": [{"name": "h1", "hostname": "h"}]
	}`)
	if _, err := Load(zap.NewNop(), path); err == nil {
		t.Fatal("expected error for missing auth")
	}
}

func TestLoadNonNRFIdentity(t *testing.T) {
	path := writeTempConfig(t, `{"nf_name": "smf", "hosts": []}`)
	cfg, err := Load(zap.NewNop(), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IsNRF() {
		t.Fatal("smf should not activate NRF tracking")
	}
}
