package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settle.toml")
	contents := `
node_id = "node-1"
batch_size = 64
attestation_threshold = 3
sentinel_public_keys = ["aabbcc", "ddeeff"]

[[shard_ranges]]
id = "a"
low = 0
high = 127

[[shard_ranges]]
id = "b"
low = 128
high = 255
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-1" {
		t.Errorf("expected node-1, got %q", cfg.NodeID)
	}
	if cfg.BatchSize != 64 {
		t.Errorf("expected batch_size 64, got %d", cfg.BatchSize)
	}
	if cfg.AttestationThreshold != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.AttestationThreshold)
	}
	if cfg.WindowSize != Default().WindowSize {
		t.Errorf("unset window_size should keep default, got %d", cfg.WindowSize)
	}
	if len(cfg.ShardRanges) != 2 || cfg.ShardRanges[1].Low != 128 {
		t.Errorf("expected 2 shard ranges, got %+v", cfg.ShardRanges)
	}
}
