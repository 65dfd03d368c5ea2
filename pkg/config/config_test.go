package config

import (
	"testing"
	"time"
)

func TestLoadBuilderDefaults(t *testing.T) {
	cfg, err := LoadBuilder()
	if err != nil {
		t.Fatalf("LoadBuilder: %v", err)
	}
	if cfg.BuilderName == "" {
		t.Fatal("expected default builder name")
	}
	if cfg.Master {
		t.Fatal("master must default to false")
	}
	if cfg.MaxWait != 300*time.Second || cfg.PollInterval != 30*time.Second {
		t.Fatalf("unexpected polling defaults: %v %v", cfg.MaxWait, cfg.PollInterval)
	}
	if cfg.CycleInterval != 5*time.Minute {
		t.Fatalf("unexpected cycle interval default: %v", cfg.CycleInterval)
	}
}

func TestLoadBuilderEnvOverride(t *testing.T) {
	t.Setenv("LKGM_BUILDER_NAME", "arm-generic-bin")
	t.Setenv("LKGM_MASTER", "true")

	cfg, err := LoadBuilder()
	if err != nil {
		t.Fatalf("LoadBuilder: %v", err)
	}
	if cfg.BuilderName != "arm-generic-bin" {
		t.Fatalf("env override not applied: %s", cfg.BuilderName)
	}
	if !cfg.Master {
		t.Fatal("expected master override")
	}
}
