package main

import (
	"path/filepath"
	"testing"
)

func TestRunDoctorFailsOnMissingConfigWithoutRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	if err := runDoctor(path, false); err == nil {
		t.Fatalf("expected error for missing config without --repair")
	}
}

func TestRunDoctorRepairsMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	if err := runDoctor(path, true); err != nil {
		t.Fatalf("expected repair to succeed: %v", err)
	}
	if err := runDoctor(path, false); err != nil {
		t.Fatalf("expected repaired config to validate clean: %v", err)
	}
}
