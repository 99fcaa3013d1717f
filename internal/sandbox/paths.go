package sandbox

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Directories the underlying sandbox may need to bind-mount. Created ahead
// of wrap so mounts against them succeed.
var defaultDirs = []string{
	".claude/debug",
	".npm/_logs",
}

const tmpClaudeDir = "/tmp/claude"

// Zero-byte dotfiles that prior sandbox executions sometimes leave in the
// workspace root.
var staleArtifacts = []string{
	".bash_history",
	".bashrc",
	".gitconfig",
	".lesshst",
	".viminfo",
}

// SafeRealpath resolves p when it exists; otherwise it resolves the nearest
// existing parent and re-appends the remainder. Denylist entries may refer
// to not-yet-existent paths, which plain EvalSymlinks rejects.
func SafeRealpath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	dir, base := filepath.Split(filepath.Clean(p))
	dir = filepath.Clean(dir)
	if dir == p {
		// Hit the root without resolving.
		return p
	}
	return filepath.Join(SafeRealpath(dir), base)
}

// EnsureDefaultDirs pre-creates the directories the sandbox bind-mounts,
// resolving symlinks first so the mounts land on real paths.
func EnsureDefaultDirs(home string) {
	for _, rel := range defaultDirs {
		dir := SafeRealpath(filepath.Join(home, rel))
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Debug("sandbox dir pre-create failed", "dir", dir, "error", err)
		}
	}
	if err := os.MkdirAll(tmpClaudeDir, 0755); err != nil {
		slog.Debug("sandbox dir pre-create failed", "dir", tmpClaudeDir, "error", err)
	}
}

// CleanupWorkspaceArtifacts removes zero-byte files a previous sandboxed run
// may have created in the workspace root. Non-empty files are left alone.
func CleanupWorkspaceArtifacts(workspaceRoot string) {
	for _, name := range staleArtifacts {
		p := filepath.Join(workspaceRoot, name)
		info, err := os.Lstat(p)
		if err != nil || !info.Mode().IsRegular() || info.Size() != 0 {
			continue
		}
		if err := os.Remove(p); err != nil {
			slog.Debug("stale artifact cleanup failed", "path", p, "error", err)
		} else {
			slog.Debug("removed stale sandbox artifact", "path", p)
		}
	}
}
