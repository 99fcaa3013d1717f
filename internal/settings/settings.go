// Package settings reads and writes the layered JSON settings that feed the
// sandbox policy resolver. Two file layers exist: user-level
// ~/.pi/agent/settings.json and project-level <workspaceRoot>/.pi/settings.json.
// Both hold the sandbox schema under a "tau" subobject; a legacy top-level
// "sandbox" key is accepted on read for back-compat and never written.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/tau/internal/policy"
)

const (
	userSettingsRel    = ".pi/agent/settings.json"
	projectSettingsRel = ".pi/settings.json"
)

// File is the on-disk settings shape as far as the sandbox core cares;
// writes go through a raw map so unrelated top-level keys survive.
type File struct {
	Tau *TauSection `json:"tau,omitempty"`

	// Legacy top-level sandbox key, read-only.
	Sandbox *policy.SandboxConfig `json:"sandbox,omitempty"`
}

// TauSection nests the sandbox schema.
type TauSection struct {
	Sandbox *policy.SandboxConfig `json:"sandbox,omitempty"`
}

// UserSettingsPath returns the user-level settings file path.
func UserSettingsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, userSettingsRel)
}

// ProjectSettingsPath returns the project-level settings file path.
func ProjectSettingsPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, projectSettingsRel)
}

// readLayer loads one settings file. A missing file is an empty layer.
// Malformed JSON and invalid enum values fail with the path attached; the
// resolver never silently corrects bad values.
func readLayer(path string) (policy.SandboxConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy.SandboxConfig{}, nil
		}
		return policy.SandboxConfig{}, fmt.Errorf("read settings %s: %w", path, err)
	}

	var f File
	if err := json5.Unmarshal(data, &f); err != nil {
		return policy.SandboxConfig{}, fmt.Errorf("parse settings %s: %w", path, err)
	}

	cfg := policy.SandboxConfig{}
	if f.Sandbox != nil {
		cfg = *f.Sandbox
	}
	if f.Tau != nil && f.Tau.Sandbox != nil {
		// tau.sandbox wins over the legacy key when both are present.
		cfg = policy.Merge(cfg, *f.Tau.Sandbox)
	}
	if err := policy.Validate(cfg, path); err != nil {
		return policy.SandboxConfig{}, err
	}
	return cfg, nil
}

// Resolver computes effective sandbox configs from the file layers plus
// runtime overrides.
type Resolver struct {
	WorkspaceRoot string
	CLIOverride   policy.SandboxConfig

	// userPath overrides the user settings location, for tests.
	userPath string
}

// NewResolver builds a resolver rooted at the given workspace.
func NewResolver(workspaceRoot string) *Resolver {
	return &Resolver{WorkspaceRoot: workspaceRoot}
}

func (r *Resolver) userSettingsPath() string {
	if r.userPath != "" {
		return r.userPath
	}
	return UserSettingsPath()
}

// Effective merges user < project < session < cli and applies defaults.
func (r *Resolver) Effective(sessionOverride policy.SandboxConfig) (policy.Required, error) {
	user, err := readLayer(r.userSettingsPath())
	if err != nil {
		return policy.Required{}, err
	}
	project, err := readLayer(ProjectSettingsPath(r.WorkspaceRoot))
	if err != nil {
		return policy.Required{}, err
	}

	merged := policy.Merge(user, project)
	merged = policy.Merge(merged, sessionOverride)
	merged = policy.Merge(merged, r.CLIOverride)
	return policy.ApplyDefaults(merged), nil
}

// EnsureUserDefaults writes missing sandbox fields into the user settings
// file without touching present ones. Idempotent: a second call is a no-op.
func (r *Resolver) EnsureUserDefaults() error {
	path := r.userSettingsPath()
	current, err := readLayer(path)
	if err != nil {
		return err
	}
	if isFull(current) {
		return nil
	}
	return writeSandboxSection(path, policy.Merge(policy.Defaults().Partial(), current))
}

// PersistUserPatch deep-merges a patch into the user layer.
func (r *Resolver) PersistUserPatch(patch policy.SandboxConfig) error {
	return persistPatch(r.userSettingsPath(), patch)
}

// PersistProjectPatch deep-merges a patch into the project layer.
func (r *Resolver) PersistProjectPatch(patch policy.SandboxConfig) error {
	return persistPatch(ProjectSettingsPath(r.WorkspaceRoot), patch)
}

func persistPatch(path string, patch policy.SandboxConfig) error {
	if err := policy.Validate(patch, path); err != nil {
		return err
	}
	current, err := readLayer(path)
	if err != nil {
		return err
	}
	return writeSandboxSection(path, policy.Merge(current, patch))
}

// writeSandboxSection rewrites the file's tau.sandbox subobject, preserving
// every other top-level key. The legacy "sandbox" key is dropped on write.
func writeSandboxSection(path string, cfg policy.SandboxConfig) error {
	raw := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json5.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	}

	tau := map[string]json.RawMessage{}
	if existing, ok := raw["tau"]; ok {
		if err := json5.Unmarshal(existing, &tau); err != nil {
			return fmt.Errorf("parse settings %s: tau section: %w", path, err)
		}
	}

	sandboxJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	tau["sandbox"] = sandboxJSON
	tauJSON, err := json.Marshal(tau)
	if err != nil {
		return err
	}
	raw["tau"] = tauJSON
	delete(raw, "sandbox")

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0600)
}

func isFull(p policy.SandboxConfig) bool {
	return p.FilesystemMode != nil && p.NetworkMode != nil &&
		p.ApprovalPolicy != nil && p.ApprovalTimeoutSeconds != nil && p.Subagent != nil
}
