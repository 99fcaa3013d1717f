package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tau/internal/approval"
	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/providers"
	"github.com/nextlevelbuilder/tau/internal/sandbox"
	"github.com/nextlevelbuilder/tau/internal/session"
	"github.com/nextlevelbuilder/tau/internal/tools"
)

// workerDelegationBlock is appended to every worker's system prompt.
const workerDelegationBlock = `

## Delegation

You are a worker agent. An orchestrator owns version control: never run git;
describe the changes you made instead. If you find problems outside your
task, note them in your final message rather than fixing them. Only your
last message is returned to the orchestrator, so make it self-contained.`

const structuredOutputBlock = `

## Structured output

When your task is done, call the submit_result tool exactly once with a value
matching this schema; the call ends your run:

%s`

// Worker is one nested agent: a child conversation with a clamped sandbox
// and its own status stream.
type Worker struct {
	ID       string
	Type     string
	Depth    int
	ParentID string // empty for children of the root session
	Sandbox  policy.Required

	store    *session.Store
	loop     *Loop
	registry *tools.Registry
	mgr      *Manager

	mu         sync.Mutex
	status     Status
	pending    map[string]ToolRecord
	turnStart  time.Time
	runCancel  context.CancelFunc
	running    bool
	queued     int
	subs       []chan Status
	structured map[string]interface{}
}

// Deps carries the shared infrastructure workers are built from.
type Deps struct {
	Provider      providers.Provider
	Wrapper       *sandbox.Wrapper
	Approvals     *approval.Registry
	RootSessionID string
	WorkspaceRoot string
	DefaultPrompt string
}

// Manager owns the worker tree for one root session. A session end cascades
// shutdown to every descendant.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewManager creates an empty worker manager.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, workers: make(map[string]*Worker)}
}

// Make creates a worker from a definition. The effective sandbox is the
// definition's request clamped against the parent's effective config; the
// clamp is recorded as the child session's initial override so its own
// SANDBOX_STATE injection is accurate.
func (m *Manager) Make(def Definition, parentEff policy.Required, parentDepth int, parentID, model string, resultSchema map[string]interface{}) (*Worker, error) {
	requested := policy.ApplyDefaults(policy.Merge(parentEff.Partial(), def.Sandbox))
	clamped := policy.Clamp(parentEff, requested)

	store := session.NewStore()
	store.UpdateState(func(s *session.State) { s.SessionOverride = clamped.Partial() })
	notifier := session.NewNotifier(store, func() (policy.Required, error) {
		return policy.ApplyDefaults(store.State().SessionOverride), nil
	})

	w := &Worker{
		ID:       uuid.NewString(),
		Type:     def.Name,
		Depth:    parentDepth + 1,
		ParentID: parentID,
		Sandbox:  clamped,
		store:    store,
		mgr:      m,
		status:   Status{Kind: StatusPending},
		pending:  make(map[string]ToolRecord),
	}

	// Workers route approvals to the root session's broker.
	broker := approval.NewForwardingBroker(m.deps.Approvals, m.deps.RootSessionID)
	m.deps.Approvals.Register(store.ID(), broker)

	effective := func() (policy.Required, error) {
		return policy.ApplyDefaults(store.State().SessionOverride), nil
	}
	registry := tools.NewRegistry()
	registry.Register(tools.NewBashTool(m.deps.WorkspaceRoot, m.deps.Wrapper, broker, store, effective))
	registry.Register(tools.NewReadFileTool(m.deps.WorkspaceRoot))
	registry.Register(tools.NewWriteFileTool(m.deps.WorkspaceRoot, broker, effective))
	registry.Register(tools.NewEditFileTool(m.deps.WorkspaceRoot, broker, effective))
	registry.Register(tools.NewListFilesTool(m.deps.WorkspaceRoot))
	registry.Register(NewAgentTool(m, func() (policy.Required, error) { return w.Sandbox, nil }, w.Depth, w.ID))

	systemPrompt := m.deps.DefaultPrompt + workerDelegationBlock + "\n\n" + def.SystemPrompt
	forceTool := false
	if resultSchema != nil {
		schemaJSON, err := json.MarshalIndent(resultSchema, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("result schema: %w", err)
		}
		systemPrompt += fmt.Sprintf(structuredOutputBlock, schemaJSON)
		registry.Register(&submitResultTool{schema: resultSchema, accept: w.acceptResult})
		forceTool = true
	}

	w.registry = registry
	w.loop = NewLoop(m.deps.Provider, model, registry, store, notifier, systemPrompt, forceTool, w.reduce)

	m.mu.Lock()
	m.workers[w.ID] = w
	m.mu.Unlock()

	slog.Info("worker created", "id", w.ID, "type", def.Name, "depth", w.Depth,
		"fs", clamped.FilesystemMode, "net", clamped.NetworkMode)
	return w, nil
}

// Get returns a worker by id.
func (m *Manager) Get(id string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok
}

// List snapshots all known workers.
func (m *Manager) List() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// Close shuts a worker down, cascades to its descendants, and releases its
// resources. Subsequent operations on the id fail.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown agent id: %s", id)
	}
	delete(m.workers, id)
	var children []string
	for cid, c := range m.workers {
		if c.ParentID == id {
			children = append(children, cid)
		}
	}
	m.mu.Unlock()

	for _, cid := range children {
		m.Close(cid)
	}
	w.Shutdown()
	return nil
}

// ShutdownAll cascades shutdown to every worker; called on session end.
func (m *Manager) ShutdownAll() {
	for _, w := range m.List() {
		m.Close(w.ID)
	}
}

// Prompt enqueues a user message to the worker's session and returns
// immediately with a fresh submission id. A message arriving while a turn is
// in flight is queued and processed after the current turn.
func (w *Worker) Prompt(text string) string {
	submissionID := uuid.NewString()
	w.store.AppendMessage(providers.Message{Role: "user", Content: text})

	w.mu.Lock()
	if w.running {
		w.queued++
		w.mu.Unlock()
		return submissionID
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.runCancel = cancel
	w.running = true
	w.mu.Unlock()

	go w.drain(ctx)
	return submissionID
}

// drain runs turns until the queue is empty. An interrupted turn does not
// drop queued submissions; they continue under a fresh context.
func (w *Worker) drain(ctx context.Context) {
	for {
		w.loop.Run(ctx)
		w.mu.Lock()
		if w.status.Kind == StatusShutdown || w.queued == 0 {
			w.running = false
			w.queued = 0
			w.mu.Unlock()
			return
		}
		w.queued--
		if ctx.Err() != nil {
			next, cancel := context.WithCancel(context.Background())
			w.runCancel = cancel
			ctx = next
		}
		w.mu.Unlock()
	}
}

// Interrupt aborts the in-flight turn, leaving the worker usable.
func (w *Worker) Interrupt() {
	w.mu.Lock()
	cancel := w.runCancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown aborts and transitions to the terminal shutdown state, releasing
// the worker's registry entry in the approval routing table.
func (w *Worker) Shutdown() {
	w.Interrupt()
	w.mgr.deps.Approvals.Unregister(w.store.ID())
	w.mu.Lock()
	w.status.Kind = StatusShutdown
	w.notifyLocked()
	w.mu.Unlock()
	slog.Info("worker shut down", "id", w.ID, "type", w.Type)
}

// Snapshot returns the current status.
func (w *Worker) Snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

// Changes returns a channel delivering status updates. The channel is closed
// when the worker reaches a terminal state.
func (w *Worker) Changes() <-chan Status {
	ch := make(chan Status, 16)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		ch <- w.statusLocked()
		close(ch)
		return ch
	}
	w.subs = append(w.subs, ch)
	return ch
}

// SessionID exposes the child session's id (approval routing key).
func (w *Worker) SessionID() string { return w.store.ID() }

func (w *Worker) acceptResult(params map[string]interface{}) {
	w.mu.Lock()
	w.structured = params
	w.mu.Unlock()
}

// statusLocked materialises the status value with a copied tool list.
func (w *Worker) statusLocked() Status {
	s := w.status
	s.Tools = make([]ToolRecord, len(w.status.Tools))
	copy(s.Tools, w.status.Tools)
	return s
}

func (w *Worker) notifyLocked() {
	s := w.statusLocked()
	for _, ch := range w.subs {
		select {
		case ch <- s:
		default:
		}
		if s.Terminal() {
			close(ch)
		}
	}
	if s.Terminal() {
		w.subs = nil
	}
}

// reduce folds the loop's event stream into the status value.
func (w *Worker) reduce(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Kind == StatusShutdown {
		return
	}

	switch e.Type {
	case EventTurnStart:
		w.status.Kind = StatusRunning
		w.status.Turns++
		w.turnStart = time.Now()

	case EventTurnEnd:
		if !w.turnStart.IsZero() {
			w.status.WorkedMs += time.Since(w.turnStart).Milliseconds()
			w.turnStart = time.Time{}
		}

	case EventToolStart:
		w.status.ToolCalls++
		w.pending[e.ToolCallID] = ToolRecord{
			Name:        e.ToolName,
			ArgsPreview: argsPreview(e.ToolName, e.Args),
		}

	case EventToolEnd:
		rec, ok := w.pending[e.ToolCallID]
		if !ok {
			rec = ToolRecord{Name: e.ToolName}
		}
		delete(w.pending, e.ToolCallID)
		rec.ResultPreview = preview(e.Result)
		rec.IsError = e.IsError
		w.status.Tools = append(w.status.Tools, rec)

	case EventAgentEnd:
		if !w.turnStart.IsZero() {
			w.status.WorkedMs += time.Since(w.turnStart).Milliseconds()
			w.turnStart = time.Time{}
		}
		switch {
		case e.StopReason == "error":
			w.status.Kind = StatusFailed
			w.status.Reason = fmt.Sprintf("%v", e.Err)
		case e.StopReason == "aborted" && e.Message == "" && w.structured == nil:
			w.status.Kind = StatusFailed
			w.status.Reason = "aborted before response"
		default:
			w.status.Kind = StatusCompleted
			w.status.Message = e.Message
			w.status.StructuredOutput = w.structured
		}
	}
	w.notifyLocked()
}
