package session

import (
	"log/slog"

	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/providers"
)

// permissionsBlock is appended to the system prompt once per session. It
// teaches the model the sandbox conventions; the per-turn SANDBOX_STATE and
// SANDBOX_CHANGE lines carry the actual values and supersede anything said
// earlier in the conversation.
const permissionsBlock = `

## Permissions

Shell commands run inside a sandbox. The filesystem mode (read-only,
workspace-write, danger-full-access) limits where you can write; the network
mode (deny, allow-all) limits outbound access; the approval policy decides
when the user is asked before a command runs. A "SANDBOX_STATE:" or
"SANDBOX_CHANGE:" line in a user message is authoritative and supersedes any
earlier state. When a sandboxed command fails because of these limits, its
output ends with a "SANDBOX_DIAGNOSTIC=" line naming the restriction; pass
escalate=true on the bash tool to request an unsandboxed run when the
approval policy allows it.`

// EffectiveFunc supplies the current effective config for this session.
type EffectiveFunc func() (policy.Required, error)

// Notifier keeps the model's view of the sandbox synchronised with the
// session's effective config. It is driven by three call sites: turn start
// (system prompt), config changes, and context build.
type Notifier struct {
	store     *Store
	effective EffectiveFunc
}

// NewNotifier binds a notifier to a session store.
func NewNotifier(store *Store, effective EffectiveFunc) *Notifier {
	return &Notifier{store: store, effective: effective}
}

// SystemPromptSuffix returns the permissions block on the first turn and an
// empty string afterwards.
func (n *Notifier) SystemPromptSuffix() string {
	if n.store.State().SystemPromptInjected {
		return ""
	}
	n.store.UpdateState(func(s *State) { s.SystemPromptInjected = true })
	return permissionsBlock
}

// NoteConfigChange is invoked whenever any layer of the effective config may
// have changed. It queues a SANDBOX_CHANGE for the next context build, or
// cancels the queued one when the config returns to what the model last saw.
func (n *Notifier) NoteConfigChange() {
	eff, err := n.effective()
	if err != nil {
		slog.Warn("config change ignored, effective config unavailable", "error", err)
		return
	}
	next := policy.Hash(eff)

	st := n.store.State()
	if !st.SystemPromptInjected {
		// The first context build injects SANDBOX_STATE with current values
		// anyway; nothing to queue yet.
		return
	}
	if next == st.LastCommunicatedHash {
		if st.PendingSandboxNotice != nil {
			n.store.UpdateState(func(s *State) { s.PendingSandboxNotice = nil })
		}
		return
	}
	notice := PendingNotice{Hash: next, Text: policy.Notice("SANDBOX_CHANGE", eff)}
	n.store.UpdateState(func(s *State) { s.PendingSandboxNotice = &notice })
	// The UI gets its own card; the custom entry never reaches the model.
	n.store.AppendCustom(CustomSandboxChange, notice)
}

// BuildContext assembles the outgoing model context from the session
// history, injecting the authoritative sandbox notice as the first content
// part of the latest user message when one is due.
func (n *Notifier) BuildContext() ([]providers.Message, error) {
	msgs := n.store.ContextMessages()

	st := n.store.State()
	var inject string
	var hash string

	switch {
	case st.LastCommunicatedHash == "":
		eff, err := n.effective()
		if err != nil {
			return nil, err
		}
		inject = policy.Notice("SANDBOX_STATE", eff)
		hash = policy.Hash(eff)
	case st.PendingSandboxNotice != nil:
		inject = st.PendingSandboxNotice.Text
		hash = st.PendingSandboxNotice.Hash
	default:
		return msgs, nil
	}

	idx := latestUserIndex(msgs)
	if idx < 0 {
		return msgs, nil
	}
	msgs[idx].Content = inject + "\n\n" + msgs[idx].Content
	n.store.UpdateState(func(s *State) {
		s.LastCommunicatedHash = hash
		s.PendingSandboxNotice = nil
	})
	return msgs, nil
}

func latestUserIndex(msgs []providers.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return i
		}
	}
	return -1
}
