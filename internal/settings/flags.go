package settings

import (
	"fmt"

	"github.com/nextlevelbuilder/tau/internal/policy"
)

// CLIFlags carries the raw sandbox flag values from the root command.
// Empty strings mean "not passed".
type CLIFlags struct {
	SandboxFS      string // --sandbox-fs
	SandboxNet     string // --sandbox-net
	ApprovalPolicy string // --approval-policy
	NoSandbox      bool   // --no-sandbox
}

// fsAliases maps accepted --sandbox-fs spellings to modes.
var fsAliases = map[string]policy.FilesystemMode{
	"read-only":          policy.FSReadOnly,
	"readonly":           policy.FSReadOnly,
	"workspace-write":    policy.FSWorkspaceWrite,
	"workspace":          policy.FSWorkspaceWrite,
	"danger":             policy.FSDangerFull,
	"danger-full-access": policy.FSDangerFull,
}

// netAliases maps accepted --sandbox-net spellings to modes.
var netAliases = map[string]policy.NetworkMode{
	"deny":      policy.NetDeny,
	"block":     policy.NetDeny,
	"allow":     policy.NetAllowAll,
	"allow-all": policy.NetAllowAll,
}

// ParseCLIFlags converts flag strings into a partial config, the highest
// file-independent precedence layer.
func ParseCLIFlags(f CLIFlags) (policy.SandboxConfig, error) {
	var cfg policy.SandboxConfig
	if f.SandboxFS != "" {
		mode, ok := fsAliases[f.SandboxFS]
		if !ok {
			return cfg, fmt.Errorf("cli: invalid --sandbox-fs %q", f.SandboxFS)
		}
		cfg.FilesystemMode = &mode
	}
	if f.SandboxNet != "" {
		mode, ok := netAliases[f.SandboxNet]
		if !ok {
			return cfg, fmt.Errorf("cli: invalid --sandbox-net %q", f.SandboxNet)
		}
		cfg.NetworkMode = &mode
	}
	if f.ApprovalPolicy != "" {
		ap := policy.ApprovalPolicy(f.ApprovalPolicy)
		cfg.ApprovalPolicy = &ap
		if err := policy.Validate(cfg, "cli"); err != nil {
			return policy.SandboxConfig{}, err
		}
	}
	return cfg, nil
}
