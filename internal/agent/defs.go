// Package agent runs nested worker agents: isolated sub-conversations with
// their own clamped sandbox policies and structured-output contracts,
// forming a tree rooted at the interactive session.
package agent

import (
	"github.com/nextlevelbuilder/tau/internal/policy"
)

// Definition is an immutable worker template resolved at spawn time.
type Definition struct {
	Name        string
	Description string
	Model       string // optional override; empty inherits the complexity tier
	Thinking    bool
	Sandbox     policy.SandboxConfig // requested, clamped against the parent at spawn
	SystemPrompt string
}

func fsMode(m policy.FilesystemMode) *policy.FilesystemMode { return &m }
func netMode(m policy.NetworkMode) *policy.NetworkMode      { return &m }

// Builtin worker definitions. The sandbox fields are requests; a parent's
// effective config always wins where stricter.
var builtinDefinitions = []Definition{
	{
		Name:        "finder",
		Description: "Locates files, symbols, and usages in the workspace. Read-only.",
		Sandbox:     policy.SandboxConfig{FilesystemMode: fsMode(policy.FSReadOnly)},
		SystemPrompt: "You locate things. Answer with precise file paths and line references. " +
			"Do not propose edits; report what exists.",
	},
	{
		Name:        "rush",
		Description: "Fast single-purpose executor for small, well-defined changes.",
		Sandbox:     policy.SandboxConfig{FilesystemMode: fsMode(policy.FSWorkspaceWrite)},
		SystemPrompt: "You make exactly the change you were asked for, as quickly as possible. " +
			"No refactoring beyond the request.",
	},
	{
		Name:        "general",
		Description: "General-purpose worker for multi-step tasks.",
		Sandbox:     policy.SandboxConfig{FilesystemMode: fsMode(policy.FSWorkspaceWrite)},
		SystemPrompt: "You handle multi-step engineering tasks end to end within the workspace.",
	},
	{
		Name:        "oracle",
		Description: "Reasoning-heavy consultant. Reads code, produces analysis, writes nothing.",
		Thinking:    true,
		Sandbox:     policy.SandboxConfig{FilesystemMode: fsMode(policy.FSReadOnly)},
		SystemPrompt: "You are a consultant: analyse deeply and answer with reasoning and " +
			"trade-offs. You never modify the workspace.",
	},
	{
		Name:        "librarian",
		Description: "Researches external documentation and dependencies.",
		Sandbox: policy.SandboxConfig{
			FilesystemMode: fsMode(policy.FSReadOnly),
			NetworkMode:    netMode(policy.NetAllowAll),
		},
		SystemPrompt: "You research libraries and documentation. Cite versions and sources.",
	},
	{
		Name:        "painter",
		Description: "Produces and edits visual assets and frontend styling.",
		Sandbox:     policy.SandboxConfig{FilesystemMode: fsMode(policy.FSWorkspaceWrite)},
		SystemPrompt: "You work on visual output: styling, layout, assets. Keep changes scoped " +
			"to presentation.",
	},
	{
		Name:        "review",
		Description: "Reviews diffs and flags defects. Read-only.",
		Sandbox:     policy.SandboxConfig{FilesystemMode: fsMode(policy.FSReadOnly)},
		SystemPrompt: "You review changes for correctness, naming, and missed edge cases. " +
			"Report findings ordered by severity.",
	},
}

// Definitions returns the built-in definition registry keyed by name.
func Definitions() map[string]Definition {
	out := make(map[string]Definition, len(builtinDefinitions))
	for _, d := range builtinDefinitions {
		out[d.Name] = d
	}
	return out
}

// Complexity tiers map to execution models. A definition's own Model takes
// precedence over the tier; the parent's model is not consulted.
var complexityModels = map[string]string{
	"low":    "claude-haiku-4-5-20251001",
	"medium": "claude-sonnet-4-5-20250929",
	"high":   "claude-opus-4-5-20251101",
}

// ResolveModel picks the execution model for a spawn request.
func ResolveModel(def Definition, complexity string) string {
	if def.Model != "" {
		return def.Model
	}
	if m, ok := complexityModels[complexity]; ok {
		return m
	}
	return complexityModels["medium"]
}
