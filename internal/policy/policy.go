// Package policy defines the layered sandbox policy model: the partial
// SandboxConfig carried by settings files and session overrides, the
// fully-populated Required form that governs a single tool invocation,
// and the merge/clamp algebra between them.
//
// Precedence (low to high): user settings < project settings < session
// override < CLI override < parent clamp (workers only). After resolution
// every field is set.
package policy

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// FilesystemMode controls where the sandboxed process may write.
type FilesystemMode string

const (
	FSReadOnly       FilesystemMode = "read-only"
	FSWorkspaceWrite FilesystemMode = "workspace-write"
	FSDangerFull     FilesystemMode = "danger-full-access"
)

// NetworkMode controls outbound network access.
type NetworkMode string

const (
	NetDeny     NetworkMode = "deny"
	NetAllowAll NetworkMode = "allow-all"
)

// ApprovalPolicy controls when the user is prompted before a command runs.
type ApprovalPolicy string

const (
	ApprovalNever         ApprovalPolicy = "never"
	ApprovalOnFailure     ApprovalPolicy = "on-failure"
	ApprovalOnRequest     ApprovalPolicy = "on-request"
	ApprovalUnlessTrusted ApprovalPolicy = "unless-trusted"
)

// SandboxConfig is the partial form carried by a single settings layer.
// Nil fields mean "not set at this layer".
type SandboxConfig struct {
	FilesystemMode         *FilesystemMode `json:"filesystemMode,omitempty"`
	NetworkMode            *NetworkMode    `json:"networkMode,omitempty"`
	ApprovalPolicy         *ApprovalPolicy `json:"approvalPolicy,omitempty"`
	ApprovalTimeoutSeconds *int            `json:"approvalTimeoutSeconds,omitempty"`
	Subagent               *bool           `json:"subagent,omitempty"`
}

// Required is a fully-populated sandbox config.
type Required struct {
	FilesystemMode         FilesystemMode `json:"filesystemMode"`
	NetworkMode            NetworkMode    `json:"networkMode"`
	ApprovalPolicy         ApprovalPolicy `json:"approvalPolicy"`
	ApprovalTimeoutSeconds int            `json:"approvalTimeoutSeconds"`
	Subagent               bool           `json:"subagent"`
}

// Defaults applied after all layers are merged.
var defaults = Required{
	FilesystemMode:         FSWorkspaceWrite,
	NetworkMode:            NetDeny,
	ApprovalPolicy:         ApprovalOnFailure,
	ApprovalTimeoutSeconds: 60,
	Subagent:               false,
}

// Defaults returns the built-in default config.
func Defaults() Required { return defaults }

// ApplyDefaults fills unset fields of a partial config from the defaults.
func ApplyDefaults(p SandboxConfig) Required {
	r := defaults
	if p.FilesystemMode != nil {
		r.FilesystemMode = *p.FilesystemMode
	}
	if p.NetworkMode != nil {
		r.NetworkMode = *p.NetworkMode
	}
	if p.ApprovalPolicy != nil {
		r.ApprovalPolicy = *p.ApprovalPolicy
	}
	if p.ApprovalTimeoutSeconds != nil {
		r.ApprovalTimeoutSeconds = *p.ApprovalTimeoutSeconds
	}
	if p.Subagent != nil {
		r.Subagent = *p.Subagent
	}
	return r
}

// Merge overlays b on a. Set fields in b replace those in a; unset fields
// in b leave a untouched.
func Merge(a, b SandboxConfig) SandboxConfig {
	out := a
	if b.FilesystemMode != nil {
		out.FilesystemMode = b.FilesystemMode
	}
	if b.NetworkMode != nil {
		out.NetworkMode = b.NetworkMode
	}
	if b.ApprovalPolicy != nil {
		out.ApprovalPolicy = b.ApprovalPolicy
	}
	if b.ApprovalTimeoutSeconds != nil {
		out.ApprovalTimeoutSeconds = b.ApprovalTimeoutSeconds
	}
	if b.Subagent != nil {
		out.Subagent = b.Subagent
	}
	return out
}

// Partial converts a Required config back into a fully-set partial form,
// suitable for seeding a child session's override layer.
func (r Required) Partial() SandboxConfig {
	fs, net, ap := r.FilesystemMode, r.NetworkMode, r.ApprovalPolicy
	timeout, sub := r.ApprovalTimeoutSeconds, r.Subagent
	return SandboxConfig{
		FilesystemMode:         &fs,
		NetworkMode:            &net,
		ApprovalPolicy:         &ap,
		ApprovalTimeoutSeconds: &timeout,
		Subagent:               &sub,
	}
}

// Strictness rank per mode. Lower is stricter.
var fsRank = map[FilesystemMode]int{
	FSReadOnly:       0,
	FSWorkspaceWrite: 1,
	FSDangerFull:     2,
}

var netRank = map[NetworkMode]int{
	NetDeny:     0,
	NetAllowAll: 1,
}

// Clamp selects, per field, the stricter of parent and child. Subagent is
// forced true: a worker never owns version control. Approval policy and
// timeout follow the child's request since they gate prompting, not access.
func Clamp(parent Required, child Required) Required {
	out := child
	if fsRank[parent.FilesystemMode] < fsRank[child.FilesystemMode] {
		out.FilesystemMode = parent.FilesystemMode
	}
	if netRank[parent.NetworkMode] < netRank[child.NetworkMode] {
		out.NetworkMode = parent.NetworkMode
	}
	out.Subagent = true
	return out
}

// Hash returns a short fingerprint of the config, stable across field
// ordering. Used by the session notifier to detect effective-config changes.
func Hash(r Required) string {
	data, _ := json.Marshal(r)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Validate checks enum membership and the timeout constraint. src names the
// config layer for error messages (file path or "cli").
func Validate(p SandboxConfig, src string) error {
	if p.FilesystemMode != nil {
		if _, ok := fsRank[*p.FilesystemMode]; !ok {
			return fmt.Errorf("%s: invalid filesystemMode %q", src, *p.FilesystemMode)
		}
	}
	if p.NetworkMode != nil {
		if _, ok := netRank[*p.NetworkMode]; !ok {
			// An "allowlist" mode shows up in some UI mockups but has no
			// end-to-end schema. Reject it by name so the message is useful.
			if *p.NetworkMode == "allowlist" {
				return fmt.Errorf("%s: networkMode \"allowlist\" is not supported; use \"deny\" or \"allow-all\"", src)
			}
			return fmt.Errorf("%s: invalid networkMode %q", src, *p.NetworkMode)
		}
	}
	if p.ApprovalPolicy != nil {
		switch *p.ApprovalPolicy {
		case ApprovalNever, ApprovalOnFailure, ApprovalOnRequest, ApprovalUnlessTrusted:
		default:
			return fmt.Errorf("%s: invalid approvalPolicy %q", src, *p.ApprovalPolicy)
		}
	}
	if p.ApprovalTimeoutSeconds != nil && *p.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("%s: approvalTimeoutSeconds must be a positive integer, got %d", src, *p.ApprovalTimeoutSeconds)
	}
	return nil
}

// Notice renders the authoritative sandbox-state line injected into model
// context. prefix is "SANDBOX_STATE" or "SANDBOX_CHANGE".
func Notice(prefix string, r Required) string {
	return fmt.Sprintf("%s: fs=%s net=%s approval=%s timeout=%ds subagent=%t",
		prefix, r.FilesystemMode, r.NetworkMode, r.ApprovalPolicy,
		r.ApprovalTimeoutSeconds, r.Subagent)
}
