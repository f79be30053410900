// Package config resolves the effective daemon configuration from the
// global document, the per-project override document, and per-call
// overrides, in that precedence order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Role is one of the closed set of recognized agent roles.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleQA        Role = "qa"
	RoleTechLead  Role = "tech_lead"
	RoleManager   Role = "manager"
	RoleReviewer  Role = "reviewer"
)

// ValidRoles is the closed set of roles the daemon accepts at worker.spawn.
var ValidRoles = map[Role]bool{
	RoleDeveloper: true,
	RoleQA:        true,
	RoleTechLead:  true,
	RoleManager:   true,
	RoleReviewer:  true,
}

// IsValidRole reports whether role is one of the recognized roles.
func IsValidRole(role string) bool {
	return ValidRoles[Role(role)]
}

// HealthCheck holds health-monitor tuning, merged shallowly across layers.
type HealthCheck struct {
	IntervalSeconds         int `yaml:"interval_seconds"`
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"`
	UnhealthyThreshold      int `yaml:"unhealthy_threshold"`
}

// RestartPolicy holds restart-supervisor tuning, merged shallowly across layers.
type RestartPolicy struct {
	Enabled            bool `yaml:"enabled"`
	MaxRestarts        int  `yaml:"max_restarts"`
	BackoffBaseSeconds int  `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int  `yaml:"backoff_max_seconds"`
	CooldownSeconds    int  `yaml:"cooldown_seconds"`
}

// Shutdown holds graceful-shutdown timing, merged shallowly across layers.
type Shutdown struct {
	WorkerGraceSeconds      int `yaml:"worker_grace_seconds"`
	ForceKillTimeoutSeconds int `yaml:"force_kill_timeout_seconds"`
}

// Config is the effective, fully-resolved daemon configuration.
type Config struct {
	MaxWorkersPerTown int           `yaml:"max_workers_per_town"`
	AutoCreateTown    bool          `yaml:"auto_create_town"`
	DefaultRoles      []Role        `yaml:"default_roles"`
	HealthCheck       HealthCheck   `yaml:"health_check"`
	RestartPolicy     RestartPolicy `yaml:"restart_policy"`
	Shutdown          Shutdown      `yaml:"shutdown"`
	LogLevel          string        `yaml:"log_level"`
	WorkerCommand     string        `yaml:"worker_command"`
	RPCWorkerPoolSize int           `yaml:"rpc_worker_pool_size"`

	// Unknown holds keys not recognized above, preserved verbatim across
	// merges so a re-saved document never drops operator-added fields.
	Unknown map[string]any `yaml:"-"`
}

// Default returns the built-in default configuration.
func Default() Config {
	return Config{
		MaxWorkersPerTown: 5,
		AutoCreateTown:    true,
		DefaultRoles:      []Role{RoleDeveloper},
		HealthCheck: HealthCheck{
			IntervalSeconds:         10,
			HeartbeatTimeoutSeconds: 30,
			UnhealthyThreshold:      3,
		},
		RestartPolicy: RestartPolicy{
			Enabled:            true,
			MaxRestarts:        5,
			BackoffBaseSeconds: 5,
			BackoffMaxSeconds:  300,
			CooldownSeconds:    3600,
		},
		Shutdown: Shutdown{
			WorkerGraceSeconds:      60,
			ForceKillTimeoutSeconds: 10,
		},
		LogLevel:          "info",
		WorkerCommand:     "mab-agent",
		RPCWorkerPoolSize: 16,
	}
}

// RPCPoolSize returns the configured RPC dispatch pool size, falling
// back to a sane default when unset.
func (c *Config) RPCPoolSize() int {
	if c.RPCWorkerPoolSize <= 0 {
		return 16
	}
	return c.RPCWorkerPoolSize
}

func (c HealthCheck) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c HealthCheck) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c RestartPolicy) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c RestartPolicy) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c RestartPolicy) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c Shutdown) WorkerGrace() time.Duration {
	return time.Duration(c.WorkerGraceSeconds) * time.Second
}

func (c Shutdown) ForceKillTimeout() time.Duration {
	return time.Duration(c.ForceKillTimeoutSeconds) * time.Second
}

// GlobalPath returns the global config document path under mabHome.
func GlobalPath(mabHome string) string {
	return filepath.Join(mabHome, "config.yaml")
}

// ProjectPath returns the per-project override document path under a town.
func ProjectPath(townPath string) string {
	return filepath.Join(townPath, ".mab", "config.yaml")
}

// Load resolves the effective config for townPath: built-in default,
// overlaid by the global document, overlaid by the project document,
// overlaid by call-site overrides. A missing document at any layer is
// silently skipped; a malformed one is a hard error.
func Load(mabHome, townPath string, overrides map[string]any) (*Config, error) {
	merged := map[string]any{}

	if err := mergeDocument(merged, GlobalPath(mabHome)); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if townPath != "" {
		if err := mergeDocument(merged, ProjectPath(townPath)); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	if len(overrides) > 0 {
		mergeInto(merged, overrides)
	}

	cfg := Default()
	if len(merged) > 0 {
		raw, err := yaml.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("re-marshaling merged config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decoding merged config: %w", err)
		}
	}
	cfg.Unknown = unrecognizedKeys(merged)
	return &cfg, nil
}

// mergeDocument reads a YAML document at path (if present) and merges it
// into dst following the documented precedence rules.
func mergeDocument(dst map[string]any, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	mergeInto(dst, doc)
	return nil
}

// keyedSubsections merge shallowly (field by field); everything else,
// including lists, replace wholesale.
var keyedSubsections = map[string]bool{
	"health_check":   true,
	"restart_policy": true,
	"shutdown":       true,
}

func mergeInto(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if keyedSubsections[k] {
			sub, ok := v.(map[string]any)
			existing, hasExisting := dst[k].(map[string]any)
			if ok && hasExisting {
				mergeInto(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// recognizedKeys mirrors Config's yaml tags, used to compute the
// pass-through Unknown set.
var recognizedKeys = map[string]bool{
	"max_workers_per_town": true,
	"auto_create_town":     true,
	"default_roles":        true,
	"health_check":         true,
	"restart_policy":       true,
	"shutdown":             true,
	"log_level":            true,
	"worker_command":       true,
	"rpc_worker_pool_size": true,
}

func unrecognizedKeys(merged map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range merged {
		if !recognizedKeys[k] {
			out[k] = v
		}
	}
	return out
}
