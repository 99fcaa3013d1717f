package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/tau/internal/policy"
)

// WrapResult is the outcome of wrapping one command.
type WrapResult struct {
	Success        bool
	WrappedCommand string
	Home           string
	Err            error
}

// Wrapper mediates all access to the sandbox implementation. One instance
// per process; the mutex serialises both the implementation's global policy
// and the temporary HOME reassignment.
type Wrapper struct {
	mu   sync.Mutex
	impl Implementation

	// Disabled short-circuits wrapping entirely (--no-sandbox).
	Disabled bool
}

// NewWrapper creates a wrapper over the given implementation. impl may be
// nil when the library failed to load; Wrap then reports ErrLibraryMissing
// and the bash tool falls back per its once-per-session decision.
func NewWrapper(impl Implementation) *Wrapper {
	return &Wrapper{impl: impl}
}

// Available reports whether an implementation is loaded.
func (w *Wrapper) Available() bool { return w.impl != nil }

// Wrap produces a shell string that, when run by `bash -lc`, executes
// command under the effective policy. The filesystem work (directory
// pre-creation, artifact cleanup) happens before the library is touched.
func (w *Wrapper) Wrap(command string, eff policy.Required, workspaceRoot string) WrapResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Disabled {
		return WrapResult{Err: ErrSandboxDisabled}
	}
	if w.impl == nil {
		return WrapResult{Err: ErrLibraryMissing}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return WrapResult{Err: fmt.Errorf("resolve home: %v", singleLine(err))}
	}

	EnsureDefaultDirs(home)
	CleanupWorkspaceArtifacts(workspaceRoot)

	cfg := w.translate(eff, workspaceRoot, home)

	// Mount-path generation must see a HOME whose dotfile tree physically
	// exists. When ~/.claude is a symlink the library would generate mounts
	// against the link target, so point HOME at a per-user temp directory for
	// the duration of the wrap; the executed child still sees the real HOME
	// through the read-only root bind.
	mountHome := home
	if isSymlink(filepath.Join(home, ".claude")) {
		mountHome = tempMountHome()
	}

	prevHome, hadHome := os.LookupEnv("HOME")
	os.Setenv("HOME", mountHome)
	defer func() {
		if hadHome {
			os.Setenv("HOME", prevHome)
		} else {
			os.Unsetenv("HOME")
		}
	}()

	if err := w.reconcile(cfg, eff.NetworkMode); err != nil {
		return WrapResult{Err: fmt.Errorf("sandbox policy: %v", singleLine(err))}
	}

	wrapped, err := w.impl.WrapWithSandbox(command, "bash", cfg)
	if err != nil {
		return WrapResult{Err: fmt.Errorf("wrap: %v", singleLine(err))}
	}
	return WrapResult{Success: true, WrappedCommand: wrapped, Home: home}
}

// translate maps the policy model onto the library's config shape.
func (w *Wrapper) translate(eff policy.Required, workspaceRoot, home string) Config {
	cfg := Config{Home: home}

	switch eff.FilesystemMode {
	case policy.FSReadOnly:
		cfg.AllowedWritePaths = []string{SafeRealpath(os.TempDir()), tmpClaudeDir}
	case policy.FSWorkspaceWrite:
		ws := SafeRealpath(workspaceRoot)
		cfg.AllowedWritePaths = []string{ws, SafeRealpath(os.TempDir()), tmpClaudeDir}
		cfg.DeniedWritePaths = []string{SafeRealpath(filepath.Join(ws, ".git", "hooks"))}
	case policy.FSDangerFull:
		// Writes unrestricted; the command still passes through the wrapper
		// so the network policy applies.
	}

	deny := eff.NetworkMode == policy.NetDeny
	cfg.NetworkDeny = &deny
	return cfg
}

// reconcile brings the library's global policy to the desired state. The
// library keeps whatever was set last, so switching to allow-all resets it
// first rather than updating in place: an inherited allowlist from a prior
// operation must not survive.
func (w *Wrapper) reconcile(cfg Config, net policy.NetworkMode) error {
	_, initialised := w.impl.GetConfig()

	if net == policy.NetAllowAll {
		if initialised {
			if err := w.impl.Reset(); err != nil {
				return err
			}
		}
		return w.impl.Initialize(cfg)
	}

	if !initialised {
		return w.impl.Initialize(cfg)
	}
	return w.impl.UpdateConfig(cfg)
}

func isSymlink(p string) bool {
	info, err := os.Lstat(p)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// tempMountHome returns a per-user temp HOME used only for mount-path
// generation.
func tempMountHome() string {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("tau-home-%d", os.Getuid()))
	if err := os.MkdirAll(filepath.Join(dir, ".claude"), 0700); err != nil {
		slog.Debug("temp mount home create failed", "dir", dir, "error", err)
	}
	return dir
}

func singleLine(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", " ")
}
