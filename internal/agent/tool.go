package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/tau/internal/session"
	"github.com/nextlevelbuilder/tau/internal/tools"
)

const (
	defaultWaitTimeout = 5 * time.Minute
	maxWaitTimeout     = 30 * time.Minute
)

// AgentTool is the model-visible surface over the worker manager: spawn,
// wait, send, close, list. The caller's effective sandbox clamps every
// spawn, computed at spawn time; nothing a definition requests can relax it.
type AgentTool struct {
	mgr         *Manager
	parentEff   session.EffectiveFunc
	parentDepth int
	parentID    string
	defs        map[string]Definition
}

// NewAgentTool builds the agent tool for one conversation. parentID is
// empty for the root session.
func NewAgentTool(mgr *Manager, parentEff session.EffectiveFunc, parentDepth int, parentID string) *AgentTool {
	return &AgentTool{
		mgr:         mgr,
		parentEff:   parentEff,
		parentDepth: parentDepth,
		parentID:    parentID,
		defs:        Definitions(),
	}
}

func (t *AgentTool) Name() string { return "agent" }
func (t *AgentTool) Description() string {
	names := make([]string, 0, len(t.defs))
	for n := range t.defs {
		names = append(names, n)
	}
	return "Manage worker agents: spawn, wait, send, close, list. Available agents: " +
		strings.Join(names, ", ")
}

func (t *AgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op": map[string]interface{}{
				"type": "string",
				"enum": []string{"spawn", "wait", "send", "close", "list"},
			},
			"agent": map[string]interface{}{
				"type":        "string",
				"description": "spawn: definition name",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "spawn/send: the task or follow-up message",
			},
			"complexity": map[string]interface{}{
				"type": "string",
				"enum": []string{"low", "medium", "high"},
			},
			"result_schema": map[string]interface{}{
				"type":        "object",
				"description": "spawn: JSON schema the worker must satisfy via submit_result",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "send/close: target agent id",
			},
			"ids": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "wait: agent ids to join on",
			},
			"timeout_ms": map[string]interface{}{
				"type": "number",
			},
			"interrupt": map[string]interface{}{
				"type":        "boolean",
				"description": "send: abort the in-flight turn first",
			},
		},
		"required": []string{"op"},
	}
}

func (t *AgentTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	op, _ := args["op"].(string)
	switch op {
	case "spawn":
		return t.spawn(args)
	case "wait":
		return t.wait(ctx, args)
	case "send":
		return t.send(args)
	case "close":
		return t.close(args)
	case "list":
		return t.list()
	}
	return tools.ErrorResult(fmt.Sprintf("unknown op: %q", op))
}

func (t *AgentTool) spawn(args map[string]interface{}) *tools.Result {
	name, _ := args["agent"].(string)
	message, _ := args["message"].(string)
	if name == "" || message == "" {
		return tools.ErrorResult("spawn requires agent and message")
	}
	def, ok := t.defs[name]
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown agent definition: %q", name))
	}
	complexity, _ := args["complexity"].(string)
	var resultSchema map[string]interface{}
	if rs, ok := args["result_schema"].(map[string]interface{}); ok {
		resultSchema = rs
	}

	parentEff, err := t.parentEff()
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	w, err := t.mgr.Make(def, parentEff, t.parentDepth, t.parentID, ResolveModel(def, complexity), resultSchema)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	w.Prompt(message)

	return tools.SilentResult(fmt.Sprintf(`{"agent_id":%q}`, w.ID))
}

func (t *AgentTool) wait(ctx context.Context, args map[string]interface{}) *tools.Result {
	rawIDs, _ := args["ids"].([]interface{})
	if len(rawIDs) == 0 {
		return tools.ErrorResult("wait requires ids")
	}
	ids := make([]string, 0, len(rawIDs))
	for _, r := range rawIDs {
		if s, ok := r.(string); ok {
			ids = append(ids, s)
		}
	}

	timeout := defaultWaitTimeout
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	snapshots := t.mgr.Wait(ctx, ids, timeout)
	data, err := json.Marshal(snapshots)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.SilentResult(string(data))
}

func (t *AgentTool) send(args map[string]interface{}) *tools.Result {
	id, _ := args["id"].(string)
	message, _ := args["message"].(string)
	if id == "" || message == "" {
		return tools.ErrorResult("send requires id and message")
	}
	w, ok := t.mgr.Get(id)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown agent id: %s", id))
	}
	if interrupt, _ := args["interrupt"].(bool); interrupt {
		w.Interrupt()
	}
	submissionID := w.Prompt(message)
	return tools.SilentResult(fmt.Sprintf(`{"submission_id":%q}`, submissionID))
}

func (t *AgentTool) close(args map[string]interface{}) *tools.Result {
	id, _ := args["id"].(string)
	if id == "" {
		return tools.ErrorResult("close requires id")
	}
	if err := t.mgr.Close(id); err != nil {
		return tools.ErrorResult(err.Error())
	}
	return tools.SilentResult(fmt.Sprintf("agent %s closed", id))
}

func (t *AgentTool) list() *tools.Result {
	type entry struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Depth  int    `json:"depth"`
		Status Status `json:"status"`
	}
	var out []entry
	for _, w := range t.mgr.List() {
		out = append(out, entry{ID: w.ID, Type: w.Type, Depth: w.Depth, Status: w.Snapshot()})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if out == nil {
		return tools.SilentResult("[]")
	}
	return tools.SilentResult(string(data))
}

// Wait blocks until every id reaches a terminal state or the timeout
// elapses, returning a snapshot per id — partial for ids still running.
func (m *Manager) Wait(ctx context.Context, ids []string, timeout time.Duration) map[string]Status {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	out := make(map[string]Status, len(ids))
	type idChan struct {
		id string
		ch <-chan Status
	}
	var waiting []idChan
	for _, id := range ids {
		w, ok := m.Get(id)
		if !ok {
			out[id] = Status{Kind: StatusFailed, Reason: "unknown agent id"}
			continue
		}
		snap := w.Snapshot()
		out[id] = snap
		if !snap.Terminal() {
			waiting = append(waiting, idChan{id, w.Changes()})
		}
	}

	for _, wc := range waiting {
		for {
			select {
			case s, ok := <-wc.ch:
				if !ok {
					// Channel closed after terminal delivery; keep last snapshot.
					if w, exists := m.Get(wc.id); exists {
						out[wc.id] = w.Snapshot()
					}
				} else {
					out[wc.id] = s
					if !s.Terminal() {
						continue
					}
				}
			case <-deadline.C:
				return out
			case <-ctx.Done():
				return out
			}
			break
		}
	}
	return out
}
