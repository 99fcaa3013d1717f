// Package approval routes blocking permission decisions to the user. The
// root interactive session owns the real prompt; workers forward requests to
// it through an in-process registry keyed by the root session id.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/charmbracelet/huh"
)

// Kind identifies one of the three fixed prompt templates.
type Kind string

const (
	KindBashEscalation     Kind = "bash-escalation"
	KindFSWriteOutOfScope  Kind = "fs-write-out-of-scope"
	KindSandboxUnavailable Kind = "sandbox-unavailable"
)

// Denial reason subtypes surfaced to the model.
const (
	ReasonDeclined  = "declined"
	ReasonTimedOut  = "timed out"
	ReasonCancelled = "cancelled"
	ReasonHeadless  = "headless"
)

// Request describes one decision to put in front of the user.
type Request struct {
	Kind     Kind
	Title    string
	Body     string
	Command  string // single-line preview, truncated to 60 chars on render
	Evidence string // error evidence, truncated to 200 chars on render
	Timeout  time.Duration
	// EscalateHint marks a bash-escalation request whose approval grants an
	// unsandboxed run.
	EscalateHint bool
}

// Decision is the broker's answer.
type Decision struct {
	Approved       bool
	RunUnsandboxed bool
	Reason         string // denial subtype when !Approved
}

// Denied builds a denial decision.
func Denied(reason string) Decision { return Decision{Reason: reason} }

// Broker answers approval requests. Implementations must honour ctx
// cancellation and the request timeout.
type Broker interface {
	Request(ctx context.Context, req Request) Decision
}

// UIBroker prompts on the local terminal. A best-effort desktop notification
// is emitted alongside every prompt so an unattended user notices; notify
// failures never affect the decision.
type UIBroker struct {
	notifier *Notifier

	// prompt is swapped in tests. Default runs a huh confirm form.
	prompt func(req Request) (bool, error)
}

// NewUIBroker creates a terminal-backed broker.
func NewUIBroker() *UIBroker {
	b := &UIBroker{notifier: NewNotifier()}
	b.prompt = b.runForm
	return b
}

// Request renders the prompt and waits for the user, the timeout, or ctx.
func (b *UIBroker) Request(ctx context.Context, req Request) Decision {
	title, body := renderPrompt(req)
	b.notifier.Notify(title)

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := b.prompt(Request{Kind: req.Kind, Title: title, Body: body, EscalateHint: req.EscalateHint})
		ch <- answer{ok, err}
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case a := <-ch:
		if a.err != nil {
			slog.Warn("approval prompt failed", "kind", req.Kind, "error", a.err)
			return Denied(ReasonDeclined)
		}
		if !a.ok {
			return Denied(ReasonDeclined)
		}
		return Decision{Approved: true, RunUnsandboxed: req.EscalateHint}
	case <-timer.C:
		slog.Info("approval timed out", "kind", req.Kind, "timeout", timeout)
		return Denied(ReasonTimedOut)
	case <-ctx.Done():
		return Denied(ReasonCancelled)
	}
}

func (b *UIBroker) runForm(req Request) (bool, error) {
	var approved bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(req.Title).
			Description(req.Body).
			Affirmative("Allow").
			Negative("Deny").
			Value(&approved),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return approved, nil
}

// ForwardingBroker relays requests to the root session's broker. Workers get
// one of these at birth, keyed by the root session id.
type ForwardingBroker struct {
	registry      *Registry
	rootSessionID string
}

// NewForwardingBroker creates a broker that forwards to the root session.
func NewForwardingBroker(registry *Registry, rootSessionID string) *ForwardingBroker {
	return &ForwardingBroker{registry: registry, rootSessionID: rootSessionID}
}

// Request forwards to the root broker; with no root registered the process
// is headless and the request is denied.
func (f *ForwardingBroker) Request(ctx context.Context, req Request) Decision {
	root, ok := f.registry.Lookup(f.rootSessionID)
	if !ok {
		return Denied(ReasonHeadless)
	}
	return root.Request(ctx, req)
}

// renderPrompt expands the fixed template for the request kind, sanitising
// and truncating untrusted text before it reaches the terminal.
func renderPrompt(req Request) (title, body string) {
	command := TruncateLine(Sanitize(req.Command), 60)
	evidence := TruncateLine(Sanitize(req.Evidence), 200)

	switch req.Kind {
	case KindBashEscalation:
		if req.EscalateHint {
			title = "Run command without sandbox?"
			body = fmt.Sprintf("The agent wants to run without sandbox restrictions:\n  %s", command)
		} else {
			title = "Run command in the sandbox?"
			body = fmt.Sprintf("The agent wants to run a command that is not on the safe list (sandboxed):\n  %s", command)
		}
	case KindFSWriteOutOfScope:
		title = "Allow write outside workspace?"
		body = fmt.Sprintf("The command writes outside the permitted paths:\n  %s", command)
	case KindSandboxUnavailable:
		title = "Sandbox unavailable — run commands unsandboxed?"
		body = "The sandbox could not be initialised on this system.\nApproving applies to every command for the rest of this session."
	default:
		title = string(req.Kind)
	}
	if req.Title != "" {
		title = req.Title
	}
	if req.Body != "" {
		body = req.Body
	}
	if evidence != "" {
		body += fmt.Sprintf("\n\nEvidence: %s", evidence)
	}
	return title, body
}
