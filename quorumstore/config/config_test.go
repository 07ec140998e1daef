// Copyright 2025 Certen Protocol

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
environment: development
node:
  validator_id: validator-1
  bls_key_path: /keys/validator-1.bls
  data_dir: ${DATA_DIR:-/tmp/quorumstore}
network:
  listen_addr: /ip4/0.0.0.0/tcp/9000
  peers:
    - validator_id: validator-2
      multiaddr: /ip4/10.0.0.2/tcp/9000
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "quorumstore.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write sample config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ValidatorID != "validator-1" {
		t.Errorf("validator id = %q", cfg.Node.ValidatorID)
	}
	if cfg.Store.MemoryQuotaBytes == 0 {
		t.Error("expected default memory quota to be applied")
	}
	if cfg.Network.ListenAddr != "/ip4/0.0.0.0/tcp/9000" {
		t.Errorf("listen addr not preserved: %q", cfg.Network.ListenAddr)
	}
	if len(cfg.Network.Peers) != 1 || cfg.Network.Peers[0].ValidatorID != "validator-2" {
		t.Errorf("peers not parsed: %+v", cfg.Network.Peers)
	}
}

func TestLoad_EnvSubstitution(t *testing.T) {
	path := writeSample(t)
	os.Setenv("DATA_DIR", "/var/lib/quorumstore")
	defer os.Unsetenv("DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.DataDir != "/var/lib/quorumstore" {
		t.Errorf("data dir = %q, want env-substituted value", cfg.Node.DataDir)
	}
}

func TestLoad_EnvDefaultFallback(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.DataDir != "/tmp/quorumstore" {
		t.Errorf("data dir = %q, want default fallback", cfg.Node.DataDir)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty config")
	}
}
