package policy

import (
	"strings"
	"testing"
)

func fs(m FilesystemMode) *FilesystemMode { return &m }
func net(m NetworkMode) *NetworkMode      { return &m }
func ap(p ApprovalPolicy) *ApprovalPolicy { return &p }
func num(n int) *int                      { return &n }
func b(v bool) *bool                      { return &v }

func TestApplyDefaults_Empty(t *testing.T) {
	r := ApplyDefaults(SandboxConfig{})
	if r.FilesystemMode != FSWorkspaceWrite {
		t.Errorf("expected workspace-write, got %s", r.FilesystemMode)
	}
	if r.NetworkMode != NetDeny {
		t.Errorf("expected deny, got %s", r.NetworkMode)
	}
	if r.ApprovalPolicy != ApprovalOnFailure {
		t.Errorf("expected on-failure, got %s", r.ApprovalPolicy)
	}
	if r.ApprovalTimeoutSeconds != 60 {
		t.Errorf("expected 60, got %d", r.ApprovalTimeoutSeconds)
	}
	if r.Subagent {
		t.Error("subagent should default to false")
	}
}

func TestApplyDefaults_PartialKeepsSet(t *testing.T) {
	r := ApplyDefaults(SandboxConfig{FilesystemMode: fs(FSReadOnly)})
	if r.FilesystemMode != FSReadOnly {
		t.Errorf("expected read-only, got %s", r.FilesystemMode)
	}
	if r.NetworkMode != NetDeny {
		t.Errorf("expected default deny, got %s", r.NetworkMode)
	}
}

func TestMerge_Precedence(t *testing.T) {
	a := SandboxConfig{FilesystemMode: fs(FSReadOnly), ApprovalTimeoutSeconds: num(30)}
	bb := SandboxConfig{FilesystemMode: fs(FSDangerFull)}
	out := Merge(a, bb)
	if *out.FilesystemMode != FSDangerFull {
		t.Errorf("b should win: got %s", *out.FilesystemMode)
	}
	if *out.ApprovalTimeoutSeconds != 30 {
		t.Errorf("unset in b should keep a: got %d", *out.ApprovalTimeoutSeconds)
	}
}

// resolve(merge(L, P)) == merge-after-resolve modulo default filling.
func TestMerge_ResolveCommutes(t *testing.T) {
	l := SandboxConfig{NetworkMode: net(NetAllowAll)}
	p := SandboxConfig{FilesystemMode: fs(FSReadOnly), Subagent: b(true)}

	left := ApplyDefaults(Merge(l, p))

	right := ApplyDefaults(l)
	right.FilesystemMode = FSReadOnly
	right.Subagent = true

	if left != right {
		t.Errorf("resolution order changed result: %+v vs %+v", left, right)
	}
}

func TestClamp_StricterWins(t *testing.T) {
	parent := Required{FilesystemMode: FSWorkspaceWrite, NetworkMode: NetDeny, ApprovalPolicy: ApprovalNever, ApprovalTimeoutSeconds: 60}
	child := Required{FilesystemMode: FSDangerFull, NetworkMode: NetAllowAll, ApprovalPolicy: ApprovalNever, ApprovalTimeoutSeconds: 60}
	out := Clamp(parent, child)
	if out.FilesystemMode != FSWorkspaceWrite {
		t.Errorf("fs not clamped: %s", out.FilesystemMode)
	}
	if out.NetworkMode != NetDeny {
		t.Errorf("net not clamped: %s", out.NetworkMode)
	}
	if !out.Subagent {
		t.Error("subagent must be forced true")
	}
}

func TestClamp_ChildStricterKept(t *testing.T) {
	parent := Required{FilesystemMode: FSDangerFull, NetworkMode: NetAllowAll}
	child := Required{FilesystemMode: FSReadOnly, NetworkMode: NetDeny}
	out := Clamp(parent, child)
	if out.FilesystemMode != FSReadOnly || out.NetworkMode != NetDeny {
		t.Errorf("child's stricter modes must survive: %+v", out)
	}
}

func TestHash_Idempotent(t *testing.T) {
	x := SandboxConfig{FilesystemMode: fs(FSReadOnly)}
	h1 := Hash(ApplyDefaults(x))
	h2 := Hash(ApplyDefaults(ApplyDefaults(x).Partial()))
	if h1 != h2 {
		t.Errorf("hash not stable through re-resolution: %s vs %s", h1, h2)
	}
}

func TestHash_Distinguishes(t *testing.T) {
	a := Hash(ApplyDefaults(SandboxConfig{}))
	c := Hash(ApplyDefaults(SandboxConfig{FilesystemMode: fs(FSReadOnly)}))
	if a == c {
		t.Error("different configs must hash differently")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     SandboxConfig
		wantErr string
	}{
		{"valid", SandboxConfig{FilesystemMode: fs(FSReadOnly), NetworkMode: net(NetDeny)}, ""},
		{"bad fs", SandboxConfig{FilesystemMode: fs("sideways")}, "filesystemMode"},
		{"bad net", SandboxConfig{NetworkMode: net("mesh")}, "networkMode"},
		{"allowlist rejected", SandboxConfig{NetworkMode: net("allowlist")}, "allowlist"},
		{"bad approval", SandboxConfig{ApprovalPolicy: ap("sometimes")}, "approvalPolicy"},
		{"zero timeout", SandboxConfig{ApprovalTimeoutSeconds: num(0)}, "positive"},
		{"negative timeout", SandboxConfig{ApprovalTimeoutSeconds: num(-5)}, "positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.cfg, "settings.json")
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_NamesSource(t *testing.T) {
	err := Validate(SandboxConfig{NetworkMode: net("mesh")}, "/home/u/.pi/agent/settings.json")
	if err == nil || !strings.Contains(err.Error(), "/home/u/.pi/agent/settings.json") {
		t.Fatalf("error should carry source path: %v", err)
	}
}

func TestNotice(t *testing.T) {
	got := Notice("SANDBOX_STATE", Defaults())
	want := "SANDBOX_STATE: fs=workspace-write net=deny approval=on-failure timeout=60s subagent=false"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
