package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	mabHome := t.TempDir()
	cfg, err := Load(mabHome, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkersPerTown != 5 {
		t.Errorf("MaxWorkersPerTown = %d, want 5", cfg.MaxWorkersPerTown)
	}
	if !cfg.RestartPolicy.Enabled {
		t.Errorf("RestartPolicy.Enabled = false, want true")
	}
}

func TestLoadPrecedence(t *testing.T) {
	mabHome := t.TempDir()
	townPath := t.TempDir()

	globalDoc := "max_workers_per_town: 10\nhealth_check:\n  interval_seconds: 20\n"
	if err := os.WriteFile(GlobalPath(mabHome), []byte(globalDoc), 0644); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Dir(ProjectPath(townPath)), 0755); err != nil {
		t.Fatal(err)
	}
	projectDoc := "max_workers_per_town: 2\nhealth_check:\n  unhealthy_threshold: 9\n"
	if err := os.WriteFile(ProjectPath(townPath), []byte(projectDoc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(mabHome, townPath, map[string]any{"max_workers_per_town": 1})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Call-site override wins over everything.
	if cfg.MaxWorkersPerTown != 1 {
		t.Errorf("MaxWorkersPerTown = %d, want 1 (call-site override)", cfg.MaxWorkersPerTown)
	}
	// health_check merges shallowly: interval from global, threshold from project.
	if cfg.HealthCheck.IntervalSeconds != 20 {
		t.Errorf("HealthCheck.IntervalSeconds = %d, want 20 (from global)", cfg.HealthCheck.IntervalSeconds)
	}
	if cfg.HealthCheck.UnhealthyThreshold != 9 {
		t.Errorf("HealthCheck.UnhealthyThreshold = %d, want 9 (from project)", cfg.HealthCheck.UnhealthyThreshold)
	}
}

func TestIsValidRole(t *testing.T) {
	cases := map[string]bool{
		"developer": true,
		"qa":        true,
		"tech_lead": true,
		"manager":   true,
		"reviewer":  true,
		"wizard":    false,
		"":          false,
	}
	for role, want := range cases {
		if got := IsValidRole(role); got != want {
			t.Errorf("IsValidRole(%q) = %v, want %v", role, got, want)
		}
	}
}
