// Package session holds the per-session runtime state the sandbox subsystem
// depends on: the session override layer, the notifier bookkeeping, and the
// cached sandbox-unavailable decision. State is persisted into the session
// history as a single custom entry appended on each change; the latest entry
// wins on read.
package session

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/providers"
)

// Custom entry types carried in the history alongside model messages.
const (
	CustomSessionState  = "session-state"
	CustomSandboxChange = "sandbox:change" // UI display only, stripped from model context
)

// HistoryEntry is one item of the session history: either a model message or
// a custom entry invisible to the model pipeline.
type HistoryEntry struct {
	Message    *providers.Message `json:"message,omitempty"`
	CustomType string             `json:"customType,omitempty"`
	CustomData json.RawMessage    `json:"customData,omitempty"`
}

// PendingNotice is a queued SANDBOX_CHANGE awaiting injection.
type PendingNotice struct {
	Hash string `json:"hash"`
	Text string `json:"text"`
}

// UnavailableDecision caches the once-per-session answer to "sandbox is
// unavailable, run unsandboxed?".
type UnavailableDecision string

const (
	UnavailableUnset UnavailableDecision = "unset"
	UnavailableAllow UnavailableDecision = "allow"
	UnavailableDeny  UnavailableDecision = "deny"
)

// State is the sandbox-relevant session state.
type State struct {
	SessionOverride           policy.SandboxConfig `json:"sessionOverride"`
	SystemPromptInjected      bool                 `json:"systemPromptInjected"`
	LastCommunicatedHash      string               `json:"lastCommunicatedHash,omitempty"`
	PendingSandboxNotice      *PendingNotice       `json:"pendingSandboxNotice,omitempty"`
	SandboxUnavailableDecision UnavailableDecision `json:"sandboxUnavailableDecision"`
}

// Store owns one session's history and state. Created lazily on first config
// access; destroyed with the session.
type Store struct {
	mu      sync.Mutex
	id      string
	entries []HistoryEntry
	state   State
}

// NewStore creates a session store with a fresh id.
func NewStore() *Store {
	return &Store{
		id:    uuid.NewString(),
		state: State{SandboxUnavailableDecision: UnavailableUnset},
	}
}

// ID returns the session id.
func (s *Store) ID() string { return s.id }

// State returns a snapshot of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdateState mutates the state and appends the new value to the history as
// a custom entry, last-write-wins.
func (s *Store) UpdateState(mutate func(*State)) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.state)
	data, _ := json.Marshal(s.state)
	s.entries = append(s.entries, HistoryEntry{CustomType: CustomSessionState, CustomData: data})
	return s.state
}

// Append adds a history entry.
func (s *Store) Append(e HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// AppendMessage adds a model message to the history.
func (s *Store) AppendMessage(msg providers.Message) {
	s.Append(HistoryEntry{Message: &msg})
}

// AppendCustom adds a custom entry of the given type.
func (s *Store) AppendCustom(customType string, data interface{}) {
	raw, _ := json.Marshal(data)
	s.Append(HistoryEntry{CustomType: customType, CustomData: raw})
}

// ContextMessages returns the model-visible messages: custom entries — the
// persisted state snapshots and UI-only sandbox:change cards — never reach
// the model.
func (s *Store) ContextMessages() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []providers.Message
	for _, e := range s.entries {
		if e.Message != nil {
			msgs = append(msgs, *e.Message)
		}
	}
	return msgs
}

// Entries returns a copy of the raw history.
func (s *Store) Entries() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
