package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}

func TestValidateRejectsWriteProtocol(t *testing.T) {
	cfg := Default()
	cfg.RdzvProtocol = RdzvProtocolWrite
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unimplemented write protocol")
	}
}

func TestValidateRejectsBadMatchMode(t *testing.T) {
	cfg := Default()
	cfg.RxMatchMode = "adaptive"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unrecognized match mode")
	}
}

func TestValidateRejectsEagerAboveThreshold(t *testing.T) {
	cfg := Default()
	cfg.RdzvThreshold = 1024
	cfg.RdzvEagerSize = 2048
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when eager size exceeds threshold")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cxicore.yaml")
	doc := "rx_match_mode: software\ninject_size: 128\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RxMatchMode != MatchModeSoftware {
		t.Errorf("RxMatchMode = %q, want %q", cfg.RxMatchMode, MatchModeSoftware)
	}
	if cfg.InjectSize != 128 {
		t.Errorf("InjectSize = %d, want 128", cfg.InjectSize)
	}
	// Fields not present in the YAML should retain their defaults.
	if cfg.RdzvThreshold != Default().RdzvThreshold {
		t.Errorf("RdzvThreshold = %d, want default %d", cfg.RdzvThreshold, Default().RdzvThreshold)
	}
}

func TestHybridEnabled(t *testing.T) {
	cfg := Default()
	if !cfg.HybridEnabled() {
		t.Fatal("default config should have hybrid preemption enabled")
	}
	cfg.RxMatchMode = MatchModeHardware
	if cfg.HybridEnabled() {
		t.Fatal("hardware match mode should disable hybrid preemption")
	}
}
