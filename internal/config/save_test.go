package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Memory.Backend = "sqlite"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var loaded OrchestratorConfig
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid YAML: %v", err)
	}

	if loaded.Memory.Backend != "sqlite" {
		t.Errorf("Expected backend 'sqlite', got '%s'", loaded.Memory.Backend)
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.yaml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Engine.MaxConcurrent = 9
	cfg.Engine.StepInterval = 25 * time.Millisecond
	cfg.Engine.Retry.Multiplier = 1.5
	cfg.Coordinator.SessionID = "session-xyz"
	cfg.Logger.OutputPaths = []string{"stdout", "/tmp/swarmcore.log"}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Engine.MaxConcurrent != 9 {
		t.Errorf("max_concurrent mismatch: got %d", loaded.Engine.MaxConcurrent)
	}
	if loaded.Engine.StepInterval != 25*time.Millisecond {
		t.Errorf("step_interval mismatch: got %v", loaded.Engine.StepInterval)
	}
	if loaded.Engine.Retry.Multiplier != 1.5 {
		t.Errorf("multiplier mismatch: got %v", loaded.Engine.Retry.Multiplier)
	}
	if loaded.Coordinator.SessionID != "session-xyz" {
		t.Errorf("session_id mismatch: got %q", loaded.Coordinator.SessionID)
	}
	if len(loaded.Logger.OutputPaths) != 2 {
		t.Errorf("output_paths mismatch: got %v", loaded.Logger.OutputPaths)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg1 := DefaultConfig()
	cfg1.Coordinator.SessionID = "first-value"
	if err := Save(cfg1, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	cfg2 := DefaultConfig()
	cfg2.Coordinator.SessionID = "second-value"
	if err := Save(cfg2, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Coordinator.SessionID != "second-value" {
		t.Errorf("Expected 'second-value', got '%s'", loaded.Coordinator.SessionID)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	for i := 0; i < 3; i++ {
		if err := Save(DefaultConfig(), path); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.yaml" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only config.yaml, got %v", names)
	}
}
