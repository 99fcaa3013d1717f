package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/tau/internal/policy"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func newTestResolver(t *testing.T) (*Resolver, string, string) {
	t.Helper()
	ws := t.TempDir()
	userDir := t.TempDir()
	r := NewResolver(ws)
	r.userPath = filepath.Join(userDir, "settings.json")
	return r, r.userPath, ProjectSettingsPath(ws)
}

func TestEffective_DefaultsWhenNoFiles(t *testing.T) {
	r, _, _ := newTestResolver(t)
	eff, err := r.Effective(policy.SandboxConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != policy.Defaults() {
		t.Errorf("expected defaults, got %+v", eff)
	}
}

func TestEffective_Precedence(t *testing.T) {
	r, userPath, projectPath := newTestResolver(t)

	writeFile(t, userPath, `{"tau":{"sandbox":{"filesystemMode":"read-only","approvalTimeoutSeconds":30}}}`)
	writeFile(t, projectPath, `{"tau":{"sandbox":{"filesystemMode":"workspace-write"}}}`)

	eff, err := r.Effective(policy.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if eff.FilesystemMode != policy.FSWorkspaceWrite {
		t.Errorf("project should override user: got %s", eff.FilesystemMode)
	}
	if eff.ApprovalTimeoutSeconds != 30 {
		t.Errorf("user timeout should survive: got %d", eff.ApprovalTimeoutSeconds)
	}

	// Session override beats project.
	mode := policy.FSReadOnly
	eff, err = r.Effective(policy.SandboxConfig{FilesystemMode: &mode})
	if err != nil {
		t.Fatal(err)
	}
	if eff.FilesystemMode != policy.FSReadOnly {
		t.Errorf("session should override project: got %s", eff.FilesystemMode)
	}

	// CLI beats session.
	danger := policy.FSDangerFull
	r.CLIOverride = policy.SandboxConfig{FilesystemMode: &danger}
	eff, err = r.Effective(policy.SandboxConfig{FilesystemMode: &mode})
	if err != nil {
		t.Fatal(err)
	}
	if eff.FilesystemMode != policy.FSDangerFull {
		t.Errorf("cli should override session: got %s", eff.FilesystemMode)
	}
}

func TestEffective_LegacySandboxKey(t *testing.T) {
	r, userPath, _ := newTestResolver(t)
	writeFile(t, userPath, `{"sandbox":{"networkMode":"allow-all"}}`)

	eff, err := r.Effective(policy.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if eff.NetworkMode != policy.NetAllowAll {
		t.Errorf("legacy key should be read: got %s", eff.NetworkMode)
	}
}

func TestEffective_TauWinsOverLegacy(t *testing.T) {
	r, userPath, _ := newTestResolver(t)
	writeFile(t, userPath, `{"sandbox":{"networkMode":"allow-all"},"tau":{"sandbox":{"networkMode":"deny"}}}`)

	eff, err := r.Effective(policy.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if eff.NetworkMode != policy.NetDeny {
		t.Errorf("tau.sandbox should win: got %s", eff.NetworkMode)
	}
}

func TestEffective_MalformedJSONNamesPath(t *testing.T) {
	r, userPath, _ := newTestResolver(t)
	writeFile(t, userPath, `{not json`)

	_, err := r.Effective(policy.SandboxConfig{})
	if err == nil || !strings.Contains(err.Error(), userPath) {
		t.Fatalf("error should name the file: %v", err)
	}
}

func TestEffective_InvalidEnumNamesKey(t *testing.T) {
	r, _, projectPath := newTestResolver(t)
	writeFile(t, projectPath, `{"tau":{"sandbox":{"filesystemMode":"everything"}}}`)

	_, err := r.Effective(policy.SandboxConfig{})
	if err == nil || !strings.Contains(err.Error(), "filesystemMode") {
		t.Fatalf("error should name the key: %v", err)
	}
}

func TestEnsureUserDefaults_Idempotent(t *testing.T) {
	r, userPath, _ := newTestResolver(t)

	if err := r.EnsureUserDefaults(); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(userPath)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.EnsureUserDefaults(); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(userPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("second EnsureUserDefaults call must not change the file")
	}
}

func TestEnsureUserDefaults_KeepsPresentFields(t *testing.T) {
	r, userPath, _ := newTestResolver(t)
	writeFile(t, userPath, `{"tau":{"sandbox":{"filesystemMode":"read-only"}}}`)

	if err := r.EnsureUserDefaults(); err != nil {
		t.Fatal(err)
	}
	eff, err := r.Effective(policy.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if eff.FilesystemMode != policy.FSReadOnly {
		t.Errorf("present field must be preserved: got %s", eff.FilesystemMode)
	}
	if eff.NetworkMode != policy.NetDeny {
		t.Errorf("missing field must be defaulted: got %s", eff.NetworkMode)
	}
}

func TestPersistPatch_PreservesOtherKeys(t *testing.T) {
	r, userPath, _ := newTestResolver(t)
	writeFile(t, userPath, `{"theme":"dark","tau":{"sandbox":{"networkMode":"deny"}}}`)

	mode := policy.FSReadOnly
	if err := r.PersistUserPatch(policy.SandboxConfig{FilesystemMode: &mode}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(userPath)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["theme"]; !ok {
		t.Error("unrelated top-level key was dropped")
	}

	eff, err := r.Effective(policy.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if eff.FilesystemMode != policy.FSReadOnly || eff.NetworkMode != policy.NetDeny {
		t.Errorf("patch merge wrong: %+v", eff)
	}
}

func TestPersistPatch_DropsLegacyKeyOnWrite(t *testing.T) {
	r, userPath, _ := newTestResolver(t)
	writeFile(t, userPath, `{"sandbox":{"networkMode":"allow-all"}}`)

	mode := policy.NetAllowAll
	if err := r.PersistUserPatch(policy.SandboxConfig{NetworkMode: &mode}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(userPath)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["sandbox"]; ok {
		t.Error("legacy sandbox key must never be written back")
	}
	if _, ok := raw["tau"]; !ok {
		t.Error("tau section missing after persist")
	}
}

func TestParseCLIFlags_Aliases(t *testing.T) {
	cases := []struct {
		fs   string
		want policy.FilesystemMode
	}{
		{"read-only", policy.FSReadOnly},
		{"readonly", policy.FSReadOnly},
		{"workspace", policy.FSWorkspaceWrite},
		{"danger", policy.FSDangerFull},
		{"danger-full-access", policy.FSDangerFull},
	}
	for _, tc := range cases {
		cfg, err := ParseCLIFlags(CLIFlags{SandboxFS: tc.fs})
		if err != nil {
			t.Fatalf("%s: %v", tc.fs, err)
		}
		if *cfg.FilesystemMode != tc.want {
			t.Errorf("%s: got %s", tc.fs, *cfg.FilesystemMode)
		}
	}

	cfg, err := ParseCLIFlags(CLIFlags{SandboxNet: "block"})
	if err != nil {
		t.Fatal(err)
	}
	if *cfg.NetworkMode != policy.NetDeny {
		t.Errorf("block should map to deny: got %s", *cfg.NetworkMode)
	}

	if _, err := ParseCLIFlags(CLIFlags{SandboxFS: "yolo"}); err == nil {
		t.Error("invalid --sandbox-fs must error")
	}
	if _, err := ParseCLIFlags(CLIFlags{ApprovalPolicy: "sometimes"}); err == nil {
		t.Error("invalid --approval-policy must error")
	}
}
