package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Bubblewrap implements the sandbox over the bwrap(1) user-namespace tool.
// The generated command binds the root read-only, re-binds the allowed
// write prefixes read-write, masks denied prefixes with tmpfs, and
// optionally unshares the network namespace.
type Bubblewrap struct {
	mu  sync.Mutex
	cfg *Config
}

// NewBubblewrap probes for the bwrap binary in PATH; kernel support is not
// checked. Returns
// ErrPrereqsMissing when the binary is absent so the caller can offer the
// unsandboxed fallback.
func NewBubblewrap() (*Bubblewrap, error) {
	if _, err := exec.LookPath("bwrap"); err != nil {
		return nil, fmt.Errorf("%w: bwrap not found in PATH", ErrPrereqsMissing)
	}
	return &Bubblewrap{}, nil
}

func (b *Bubblewrap) Initialize(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = &cfg
	return nil
}

func (b *Bubblewrap) UpdateConfig(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return fmt.Errorf("sandbox not initialised")
	}
	b.cfg = &cfg
	return nil
}

func (b *Bubblewrap) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = nil
	return nil
}

func (b *Bubblewrap) GetConfig() (Config, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return Config{}, false
	}
	return *b.cfg, true
}

// WrapWithSandbox builds the bwrap invocation for command. cfg is the
// desired per-invocation policy; it must already be the library's current
// policy (the wrapper reconciles before calling).
func (b *Bubblewrap) WrapWithSandbox(command, shell string, cfg Config) (string, error) {
	if shell == "" {
		shell = "bash"
	}

	args := []string{
		"bwrap",
		"--die-with-parent",
		"--dev", "/dev",
		"--proc", "/proc",
	}

	if len(cfg.AllowedWritePaths) == 0 {
		// Unrestricted writes: bind root read-write.
		args = append(args, "--bind", "/", "/")
	} else {
		args = append(args, "--ro-bind", "/", "/")
		for _, p := range cfg.AllowedWritePaths {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			args = append(args, "--bind", p, p)
		}
	}
	for _, p := range cfg.DeniedWritePaths {
		args = append(args, "--tmpfs", p)
	}

	if cfg.NetworkDeny != nil && *cfg.NetworkDeny {
		args = append(args, "--unshare-net")
	}
	if cfg.Home != "" {
		args = append(args, "--setenv", "HOME", cfg.Home)
	}

	args = append(args, shell, "-c", shellQuote(command))
	return strings.Join(args, " "), nil
}

// shellQuote single-quotes a string for inclusion in a shell line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
