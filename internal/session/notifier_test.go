package session

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/providers"
)

// testEnv wires a store + notifier around a mutable effective config.
type testEnv struct {
	store    *Store
	notifier *Notifier
	eff      policy.Required
}

func newTestEnv() *testEnv {
	e := &testEnv{store: NewStore(), eff: policy.Defaults()}
	e.notifier = NewNotifier(e.store, func() (policy.Required, error) { return e.eff, nil })
	return e
}

func (e *testEnv) userTurn(text string) []providers.Message {
	e.store.AppendMessage(providers.Message{Role: "user", Content: text})
	msgs, err := e.notifier.BuildContext()
	if err != nil {
		panic(err)
	}
	return msgs
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func TestSystemPromptSuffix_Once(t *testing.T) {
	e := newTestEnv()
	first := e.notifier.SystemPromptSuffix()
	if !strings.Contains(first, "Permissions") {
		t.Error("first call should return the permissions block")
	}
	if e.notifier.SystemPromptSuffix() != "" {
		t.Error("second call should return nothing")
	}
	if !e.store.State().SystemPromptInjected {
		t.Error("flag should be set")
	}
}

func TestBuildContext_InjectsInitialState(t *testing.T) {
	e := newTestEnv()
	msgs := e.userTurn("hello")

	got := firstLine(msgs[len(msgs)-1].Content)
	want := policy.Notice("SANDBOX_STATE", e.eff)
	if got != want {
		t.Errorf("first content part = %q, want %q", got, want)
	}
	if e.store.State().LastCommunicatedHash != policy.Hash(e.eff) {
		t.Error("lastCommunicatedHash not recorded")
	}
}

func TestBuildContext_NoRepeatWithoutChange(t *testing.T) {
	e := newTestEnv()
	e.notifier.SystemPromptSuffix()
	e.userTurn("turn 1")
	msgs := e.userTurn("turn 2")

	last := msgs[len(msgs)-1].Content
	if strings.Contains(last, "SANDBOX_STATE") || strings.Contains(last, "SANDBOX_CHANGE") {
		t.Errorf("unchanged config must not re-inject: %q", last)
	}
}

func TestBuildContext_ChangeInjectedExactlyOnce(t *testing.T) {
	e := newTestEnv()
	e.notifier.SystemPromptSuffix()
	e.userTurn("turn 1")

	e.eff.FilesystemMode = policy.FSDangerFull
	e.notifier.NoteConfigChange()

	msgs := e.userTurn("turn 2")
	got := firstLine(msgs[len(msgs)-1].Content)
	if !strings.HasPrefix(got, "SANDBOX_CHANGE: fs=danger-full-access") {
		t.Errorf("turn 2 should open with the change notice, got %q", got)
	}

	msgs = e.userTurn("turn 3")
	last := msgs[len(msgs)-1].Content
	if strings.Contains(last, "SANDBOX_CHANGE") {
		t.Error("turn 3 must not repeat the notice")
	}
}

func TestNoteConfigChange_ReturnToCommunicatedCancelsPending(t *testing.T) {
	e := newTestEnv()
	e.notifier.SystemPromptSuffix()
	e.userTurn("turn 1")
	original := e.eff

	e.eff.FilesystemMode = policy.FSReadOnly
	e.notifier.NoteConfigChange()
	if e.store.State().PendingSandboxNotice == nil {
		t.Fatal("change should queue a notice")
	}

	e.eff = original
	e.notifier.NoteConfigChange()
	if e.store.State().PendingSandboxNotice != nil {
		t.Error("returning to the communicated config must cancel the pending notice")
	}

	msgs := e.userTurn("turn 2")
	if strings.Contains(msgs[len(msgs)-1].Content, "SANDBOX_CHANGE") {
		t.Error("cancelled notice must not be injected")
	}
}

func TestNoteConfigChange_CoalescesToLatest(t *testing.T) {
	e := newTestEnv()
	e.notifier.SystemPromptSuffix()
	e.userTurn("turn 1")

	e.eff.FilesystemMode = policy.FSReadOnly
	e.notifier.NoteConfigChange()
	e.eff.FilesystemMode = policy.FSDangerFull
	e.notifier.NoteConfigChange()

	st := e.store.State()
	if st.PendingSandboxNotice == nil {
		t.Fatal("expected a pending notice")
	}
	if st.PendingSandboxNotice.Hash != policy.Hash(e.eff) {
		t.Error("pending notice must track the current effective config")
	}
	if !strings.Contains(st.PendingSandboxNotice.Text, "danger-full-access") {
		t.Errorf("pending text stale: %q", st.PendingSandboxNotice.Text)
	}
}

func TestBuildContext_StripsUIOnlyEntries(t *testing.T) {
	e := newTestEnv()
	e.notifier.SystemPromptSuffix()
	e.userTurn("turn 1")
	e.eff.NetworkMode = policy.NetAllowAll
	e.notifier.NoteConfigChange() // also appends a sandbox:change UI card

	msgs := e.userTurn("turn 2")
	for _, m := range msgs {
		if m.Role == "" {
			t.Error("custom entry leaked into model context")
		}
	}
	// History holds the UI card, context does not.
	found := false
	for _, en := range e.store.Entries() {
		if en.CustomType == CustomSandboxChange {
			found = true
		}
	}
	if !found {
		t.Error("UI card missing from history")
	}
}

func TestStore_StatePersistedLastWriteWins(t *testing.T) {
	s := NewStore()
	s.UpdateState(func(st *State) { st.LastCommunicatedHash = "aaa" })
	s.UpdateState(func(st *State) { st.LastCommunicatedHash = "bbb" })
	if s.State().LastCommunicatedHash != "bbb" {
		t.Error("latest state write must win")
	}
	// Each change appended its own entry.
	count := 0
	for _, e := range s.Entries() {
		if e.CustomType == CustomSessionState {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected 2 state entries, got %d", count)
	}
}

func TestNotifier_WorkerInitialOverrideShowsClampedState(t *testing.T) {
	// A spawned worker's store is seeded with the clamped config as its
	// session override; its first context build must announce that config.
	clamped := policy.Defaults()
	clamped.FilesystemMode = policy.FSReadOnly
	clamped.Subagent = true

	store := NewStore()
	store.UpdateState(func(s *State) { s.SessionOverride = clamped.Partial() })
	notifier := NewNotifier(store, func() (policy.Required, error) {
		return policy.ApplyDefaults(store.State().SessionOverride), nil
	})

	store.AppendMessage(providers.Message{Role: "user", Content: "task"})
	msgs, err := notifier.BuildContext()
	if err != nil {
		t.Fatal(err)
	}
	got := firstLine(msgs[0].Content)
	if !strings.Contains(got, "fs=read-only") || !strings.Contains(got, "subagent=true") {
		t.Errorf("worker SANDBOX_STATE must reflect the clamp: %q", got)
	}
}
