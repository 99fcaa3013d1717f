package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/tau/internal/providers"
	"github.com/nextlevelbuilder/tau/internal/session"
	"github.com/nextlevelbuilder/tau/internal/telemetry"
	"github.com/nextlevelbuilder/tau/internal/tools"
)

// EventType identifies a loop event.
type EventType string

const (
	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventAgentEnd  EventType = "agent_end"
)

// Event is one item of a worker's event stream, observed in submission
// order by the status reducer.
type Event struct {
	Type       EventType
	ToolCallID string
	ToolName   string
	Args       map[string]interface{}
	Result     string
	IsError    bool

	// agent_end fields
	StopReason string // "stop", "error", "aborted"
	Message    string
	Err        error
}

// errTurnAborted marks a turn cut short by submit_result.
var errTurnAborted = errors.New("turn aborted")

// Loop drives one worker's conversation: provider calls alternating with
// tool execution until the model stops calling tools.
type Loop struct {
	provider      providers.Provider
	model         string
	registry      *tools.Registry
	store         *session.Store
	notifier      *session.Notifier
	systemPrompt  string
	forceToolCall bool
	maxIterations int
	onEvent       func(Event)
}

// NewLoop assembles a loop over a worker's session.
func NewLoop(provider providers.Provider, model string, registry *tools.Registry, store *session.Store, notifier *session.Notifier, systemPrompt string, forceToolCall bool, onEvent func(Event)) *Loop {
	return &Loop{
		provider:      provider,
		model:         model,
		registry:      registry,
		store:         store,
		notifier:      notifier,
		systemPrompt:  systemPrompt,
		forceToolCall: forceToolCall,
		maxIterations: 30,
		onEvent:       onEvent,
	}
}

func (l *Loop) emit(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

// Run processes everything queued in the session history, emitting events as
// it goes. It returns after the agent_end event has been emitted.
func (l *Loop) Run(ctx context.Context) {
	l.emit(Event{Type: EventTurnStart})

	ctx, span := telemetry.Tracer().Start(ctx, "agent.turn")
	span.SetAttributes(attribute.String("model", l.model))
	defer span.End()

	system := l.systemPrompt + l.notifier.SystemPromptSuffix()

	var lastContent string
	var runErr error
	aborted := false

	for i := 0; i < l.maxIterations; i++ {
		if ctx.Err() != nil {
			aborted = true
			break
		}

		history, err := l.notifier.BuildContext()
		if err != nil {
			runErr = err
			break
		}
		messages := append([]providers.Message{{Role: "system", Content: system}}, history...)

		req := providers.ChatRequest{
			Messages: messages,
			Tools:    l.registry.ProviderDefs(),
			Model:    l.model,
			Options:  map[string]interface{}{},
		}
		if l.forceToolCall {
			req.Options["tool_choice"] = "required"
		}

		resp, err := l.provider.Chat(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				aborted = true
			} else {
				runErr = err
			}
			break
		}
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			break
		}

		l.store.AppendMessage(providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		stop := false
		for _, tc := range resp.ToolCalls {
			l.emit(Event{Type: EventToolStart, ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Arguments})

			toolStart := time.Now()
			result := l.registry.Execute(ctx, tc.Name, tc.Arguments)
			slog.Debug("worker tool call", "tool", tc.Name, "error", result.IsError, "took", time.Since(toolStart))

			l.emit(Event{
				Type:       EventToolEnd,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Result:     result.ForLLM,
				IsError:    result.IsError,
			})
			l.store.AppendMessage(providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
			if errors.Is(result.Err, errTurnAborted) {
				stop = true
			}
		}
		if stop {
			aborted = true
			break
		}
	}

	l.emit(Event{Type: EventTurnEnd})

	switch {
	case runErr != nil:
		l.emit(Event{Type: EventAgentEnd, StopReason: "error", Err: runErr})
	case aborted:
		l.emit(Event{Type: EventAgentEnd, StopReason: "aborted", Message: lastContent})
	default:
		if lastContent != "" {
			l.store.AppendMessage(providers.Message{Role: "assistant", Content: lastContent})
		}
		l.emit(Event{Type: EventAgentEnd, StopReason: "stop", Message: lastContent})
	}
}

// submitResultTool is registered only in workers spawned with a result
// schema. One call stores the parameters on the worker and ends the turn.
type submitResultTool struct {
	schema map[string]interface{}
	accept func(map[string]interface{})
}

func (t *submitResultTool) Name() string { return "submit_result" }
func (t *submitResultTool) Description() string {
	return "Submit the structured result for this task. Call exactly once when done."
}
func (t *submitResultTool) Parameters() map[string]interface{} { return t.schema }

func (t *submitResultTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.accept(args)
	return tools.SilentResult("result recorded").WithError(fmt.Errorf("%w: result submitted", errTurnAborted))
}
