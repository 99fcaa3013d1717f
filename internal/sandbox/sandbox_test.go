package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/tau/internal/policy"
)

// fakeImpl records calls so tests can assert the reconcile protocol.
type fakeImpl struct {
	cfg     *Config
	inits   int
	updates int
	resets  int
	wrapErr error
}

func (f *fakeImpl) Initialize(cfg Config) error {
	f.inits++
	f.cfg = &cfg
	return nil
}

func (f *fakeImpl) UpdateConfig(cfg Config) error {
	f.updates++
	f.cfg = &cfg
	return nil
}

func (f *fakeImpl) Reset() error {
	f.resets++
	f.cfg = nil
	return nil
}

func (f *fakeImpl) GetConfig() (Config, bool) {
	if f.cfg == nil {
		return Config{}, false
	}
	return *f.cfg, true
}

func (f *fakeImpl) WrapWithSandbox(command, shell string, cfg Config) (string, error) {
	if f.wrapErr != nil {
		return "", f.wrapErr
	}
	return "sandboxed(" + command + ")", nil
}

func required(fs policy.FilesystemMode, net policy.NetworkMode) policy.Required {
	r := policy.Defaults()
	r.FilesystemMode = fs
	r.NetworkMode = net
	return r
}

func TestWrap_ReadOnlyAllowsOnlyTemp(t *testing.T) {
	impl := &fakeImpl{}
	w := NewWrapper(impl)
	ws := t.TempDir()

	res := w.Wrap("echo hi", required(policy.FSReadOnly, policy.NetDeny), ws)
	if !res.Success {
		t.Fatalf("wrap failed: %v", res.Err)
	}
	for _, p := range impl.cfg.AllowedWritePaths {
		if strings.HasPrefix(p, ws) {
			t.Errorf("read-only mode must not allow workspace writes: %s", p)
		}
	}
}

func TestWrap_WorkspaceWriteDeniesGitHooks(t *testing.T) {
	impl := &fakeImpl{}
	w := NewWrapper(impl)
	ws := t.TempDir()

	res := w.Wrap("touch x", required(policy.FSWorkspaceWrite, policy.NetDeny), ws)
	if !res.Success {
		t.Fatalf("wrap failed: %v", res.Err)
	}

	foundWS, foundHooks := false, false
	realWS := SafeRealpath(ws)
	for _, p := range impl.cfg.AllowedWritePaths {
		if p == realWS {
			foundWS = true
		}
	}
	for _, p := range impl.cfg.DeniedWritePaths {
		if strings.HasSuffix(p, filepath.Join(".git", "hooks")) {
			foundHooks = true
		}
	}
	if !foundWS {
		t.Error("workspace missing from allowed write paths")
	}
	if !foundHooks {
		t.Error(".git/hooks missing from denied write paths")
	}
}

func TestWrap_DangerStillAppliesNetworkPolicy(t *testing.T) {
	impl := &fakeImpl{}
	w := NewWrapper(impl)

	res := w.Wrap("curl x", required(policy.FSDangerFull, policy.NetDeny), t.TempDir())
	if !res.Success {
		t.Fatalf("wrap failed: %v", res.Err)
	}
	if len(impl.cfg.AllowedWritePaths) != 0 {
		t.Error("danger-full-access must not restrict writes")
	}
	if impl.cfg.NetworkDeny == nil || !*impl.cfg.NetworkDeny {
		t.Error("network deny must still apply under danger-full-access")
	}
}

func TestWrap_AllowAllResetsPriorPolicy(t *testing.T) {
	impl := &fakeImpl{}
	w := NewWrapper(impl)
	ws := t.TempDir()

	// Prime the library with a deny policy.
	if res := w.Wrap("a", required(policy.FSWorkspaceWrite, policy.NetDeny), ws); !res.Success {
		t.Fatalf("first wrap failed: %v", res.Err)
	}
	// Switching to allow-all must reset, not update in place.
	if res := w.Wrap("b", required(policy.FSWorkspaceWrite, policy.NetAllowAll), ws); !res.Success {
		t.Fatalf("second wrap failed: %v", res.Err)
	}
	if impl.resets != 1 {
		t.Errorf("expected exactly one reset, got %d", impl.resets)
	}
	if impl.cfg.NetworkDeny == nil || *impl.cfg.NetworkDeny {
		t.Error("network should be unrestricted after allow-all")
	}
}

func TestWrap_RestoresHome(t *testing.T) {
	impl := &fakeImpl{}
	w := NewWrapper(impl)
	before := os.Getenv("HOME")

	w.Wrap("echo", required(policy.FSReadOnly, policy.NetDeny), t.TempDir())

	if got := os.Getenv("HOME"); got != before {
		t.Errorf("HOME not restored: %q != %q", got, before)
	}
}

func TestWrap_NilImplementation(t *testing.T) {
	w := NewWrapper(nil)
	res := w.Wrap("echo", policy.Defaults(), t.TempDir())
	if res.Success {
		t.Fatal("wrap must fail without an implementation")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "library missing") {
		t.Errorf("expected library missing, got %v", res.Err)
	}
}

func TestWrap_Disabled(t *testing.T) {
	w := NewWrapper(&fakeImpl{})
	w.Disabled = true
	res := w.Wrap("echo", policy.Defaults(), t.TempDir())
	if res.Success || res.Err != ErrSandboxDisabled {
		t.Errorf("expected disabled error, got %+v", res)
	}
}

func TestSafeRealpath_MissingLeaf(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "not-yet", "hooks")
	got := SafeRealpath(missing)
	real := SafeRealpath(dir)
	if !strings.HasPrefix(got, real) {
		t.Errorf("expected prefix %s, got %s", real, got)
	}
	if !strings.HasSuffix(got, filepath.Join("not-yet", "hooks")) {
		t.Errorf("basename chain lost: %s", got)
	}
}

func TestSafeRealpath_ResolvesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skip("symlinks unavailable")
	}
	got := SafeRealpath(filepath.Join(link, "child"))
	if !strings.Contains(got, "real") {
		t.Errorf("symlink not resolved: %s", got)
	}
}

func TestCleanupWorkspaceArtifacts(t *testing.T) {
	ws := t.TempDir()
	empty := filepath.Join(ws, ".bash_history")
	full := filepath.Join(ws, ".bashrc")
	os.WriteFile(empty, nil, 0644)
	os.WriteFile(full, []byte("alias ll='ls -la'"), 0644)

	CleanupWorkspaceArtifacts(ws)

	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Error("zero-byte artifact should be removed")
	}
	if _, err := os.Stat(full); err != nil {
		t.Error("non-empty dotfile must survive cleanup")
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name    string
		output  string
		kind    FailureKind
		subtype string
	}{
		{"dns", "curl: (6) Could not resolve host: example.com", FailureNetwork, "dns"},
		{"resolv", "ping: example.com: Temporary failure in name resolution", FailureNetwork, "dns"},
		{"unreachable", "connect: Network is unreachable", FailureNetwork, "unreachable"},
		{"readonly fs", "touch: cannot touch 'x': Read-only file system", FailureFilesystem, "read-only"},
		{"eperm write", "mkdir: cannot create directory '/opt/x': Operation not permitted", FailureFilesystem, "write-denied"},
		{"permission", "bash: /etc/hosts: Permission denied", FailureFilesystem, "write-denied"},
		{"unknown", "segmentation fault (core dumped)", FailureUnknown, ""},
		{"empty", "", FailureUnknown, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyFailure(tc.output)
			if got.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", got.Kind, tc.kind)
			}
			if got.Subtype != tc.subtype {
				t.Errorf("subtype = %s, want %s", got.Subtype, tc.subtype)
			}
			if strings.Contains(got.Evidence, "\n") {
				t.Error("evidence must be single-line")
			}
		})
	}
}

func TestClassifyFailure_Idempotent(t *testing.T) {
	out := "curl: (6) Could not resolve host: example.com"
	a := ClassifyFailure(out)
	bb := ClassifyFailure(out)
	if a != bb {
		t.Error("classification must be deterministic")
	}
}

func TestClassifyFailure_NetworkBeforeFilesystem(t *testing.T) {
	// A network marker anywhere in the output wins over a filesystem marker,
	// even when the filesystem line comes first.
	out := "Operation not permitted\nCould not resolve host: x"
	got := ClassifyFailure(out)
	if got.Kind != FailureNetwork {
		t.Errorf("network marker should take precedence, got %s", got.Kind)
	}
}

func TestBubblewrap_WrapShape(t *testing.T) {
	b := &Bubblewrap{}
	deny := true
	cfg := Config{
		AllowedWritePaths: []string{t.TempDir()},
		NetworkDeny:       &deny,
		Home:              "/home/u",
	}
	if err := b.Initialize(cfg); err != nil {
		t.Fatal(err)
	}
	cmd, err := b.WrapWithSandbox("echo 'hi there'", "bash", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"bwrap", "--ro-bind / /", "--unshare-net", "bash -c"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("wrapped command missing %q: %s", want, cmd)
		}
	}
}

func TestBubblewrap_NoWriteRestriction(t *testing.T) {
	b := &Bubblewrap{}
	cmd, err := b.WrapWithSandbox("make", "bash", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(cmd, "--ro-bind / /") {
		t.Error("unrestricted config must not bind root read-only")
	}
	if strings.Contains(cmd, "--unshare-net") {
		t.Error("nil NetworkDeny must not unshare the network")
	}
}

func TestShellQuote(t *testing.T) {
	got := shellQuote("echo 'quoted'")
	if got != `'echo '\''quoted'\'''` {
		t.Errorf("unexpected quoting: %s", got)
	}
}
