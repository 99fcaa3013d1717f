package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/tau/internal/approval"
	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/safecmd"
	"github.com/nextlevelbuilder/tau/internal/sandbox"
	"github.com/nextlevelbuilder/tau/internal/session"
	"github.com/nextlevelbuilder/tau/internal/telemetry"
)

const defaultExecTimeout = 120 * time.Second

// unsandboxedMarker precedes the output of an approved unsandboxed retry.
const unsandboxedMarker = "[sandbox] Running without sandbox"

// BashTool executes model-requested shell commands under the session's
// effective sandbox policy.
type BashTool struct {
	workspaceRoot string
	wrapper       *sandbox.Wrapper
	broker        approval.Broker
	store         *session.Store
	effective     session.EffectiveFunc
}

// NewBashTool wires the bash tool to its session.
func NewBashTool(workspaceRoot string, wrapper *sandbox.Wrapper, broker approval.Broker, store *session.Store, effective session.EffectiveFunc) *BashTool {
	return &BashTool{
		workspaceRoot: workspaceRoot,
		wrapper:       wrapper,
		broker:        broker,
		store:         store,
		effective:     effective,
	}
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	return "Execute a shell command inside the session sandbox and return its output"
}

func (t *BashTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout": map[string]interface{}{
				"type":        "number",
				"description": "Optional timeout in milliseconds",
			},
			"escalate": map[string]interface{}{
				"type":        "boolean",
				"description": "Request to run without sandbox restrictions (requires approval)",
			},
		},
		"required": []string{"command"},
	}
}

// ExecOpts configures one exec call.
type ExecOpts struct {
	Cwd      string
	OnData   func([]byte)
	Timeout  time.Duration
	Escalate bool
}

// ExecResult reports the executed process's outcome. ExitCode is nil when
// the command timed out.
type ExecResult struct {
	Output    string
	ExitCode  *int
	Sandboxed bool
}

// Execute adapts Exec to the model tool surface.
func (t *BashTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	opts := ExecOpts{}
	if ms, ok := args["timeout"].(float64); ok && ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}
	if esc, ok := args["escalate"].(bool); ok {
		opts.Escalate = esc
	}

	res, err := t.Exec(ctx, command, opts)
	if err != nil {
		return ErrorResult(err.Error())
	}

	output := res.Output
	if output == "" {
		output = "(command completed with no output)"
	}
	if res.ExitCode == nil {
		return ErrorResult(fmt.Sprintf("%s\ncommand timed out", output))
	}
	if *res.ExitCode != 0 {
		return ErrorResult(fmt.Sprintf("%s\nexit code %d", output, *res.ExitCode))
	}
	return SilentResult(output)
}

// Exec runs command per the approval policy and sandbox config. Non-zero
// exits are data, not errors; the error return covers failures before or at
// launch, such as a missing cwd, an unresolvable config, a refused
// sandbox-unavailable fallback, or a process that fails to start.
func (t *BashTool) Exec(ctx context.Context, command string, opts ExecOpts) (*ExecResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "bash.exec")
	defer span.End()

	cwd := opts.Cwd
	if cwd == "" {
		cwd = t.workspaceRoot
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("invalid cwd: %s", cwd)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultExecTimeout
	}

	eff, err := t.effective()
	if err != nil {
		return nil, err
	}

	stream := newOutputStream(opts.OnData)

	// Operator kill-switch: no wrapping, no prompting.
	if t.wrapper == nil || t.wrapper.Disabled {
		return t.run(ctx, command, cwd, opts.Timeout, stream, false)
	}

	// git always runs against the host because it needs host credentials; a
	// worker never gets it at all, the orchestrator owns version control.
	if isGitCommand(command) {
		if eff.Subagent {
			line := "git is unavailable in worker agents; report the change you need instead"
			stream.line(line)
			code := 1
			return &ExecResult{Output: stream.String(), ExitCode: &code}, nil
		}
		return t.run(ctx, command, cwd, opts.Timeout, stream, false)
	}

	runUnsandboxed, denied := t.checkApproval(ctx, command, eff, opts.Escalate)
	if denied != nil {
		stream.line(denied.Error())
		code := 1
		return &ExecResult{Output: stream.String(), ExitCode: &code}, nil
	}
	if runUnsandboxed {
		stream.line(fmt.Sprintf("%s (approved): %s", unsandboxedMarker, approval.TruncateLine(command, 60)))
		return t.run(ctx, command, cwd, opts.Timeout, stream, false)
	}

	// Missing sandbox library or a wrap failure both route through the
	// once-per-session fallback decision.
	wrapped := t.wrapper.Wrap(command, eff, t.workspaceRoot)
	if !wrapped.Success {
		allow := t.unavailableFallback(ctx, wrapped.Err)
		if !allow {
			return nil, fmt.Errorf("sandbox unavailable and unsandboxed execution was not approved: %v", wrapped.Err)
		}
		stream.line(fmt.Sprintf("%s (sandbox unavailable)", unsandboxedMarker))
		return t.run(ctx, command, cwd, opts.Timeout, stream, false)
	}

	res, err := t.run(ctx, wrapped.WrappedCommand, cwd, opts.Timeout, stream, true)
	if err != nil {
		return nil, err
	}

	// Post-hoc classification, gated by what the config actually restricts.
	if res.ExitCode != nil && *res.ExitCode != 0 {
		cls := sandbox.ClassifyFailure(res.Output)
		if gated(cls.Kind, eff) {
			t.emitDiagnostic(stream, cls, eff)
			res.Output = stream.String()

			if eff.ApprovalPolicy == policy.ApprovalOnFailure {
				if retry, rerr := t.retryUnsandboxed(ctx, command, cwd, opts.Timeout, stream, cls); rerr == nil && retry != nil {
					return retry, nil
				}
			}
		}
	}
	return res, nil
}

// checkApproval applies the approval policy before spawn. It returns whether
// the command should run unsandboxed, or a denial error.
func (t *BashTool) checkApproval(ctx context.Context, command string, eff policy.Required, escalate bool) (bool, error) {
	timeout := time.Duration(eff.ApprovalTimeoutSeconds) * time.Second

	switch eff.ApprovalPolicy {
	case policy.ApprovalNever, policy.ApprovalOnFailure:
		return false, nil

	case policy.ApprovalOnRequest:
		if !escalate {
			return false, nil
		}
		d := t.broker.Request(ctx, approval.Request{
			Kind:         approval.KindBashEscalation,
			Command:      command,
			Timeout:      timeout,
			EscalateHint: true,
		})
		if !d.Approved {
			return false, fmt.Errorf("approval denied (%s): escalation refused for: %s", d.Reason, approval.TruncateLine(command, 60))
		}
		return d.RunUnsandboxed, nil

	case policy.ApprovalUnlessTrusted:
		if !escalate && safecmd.IsSafe(command) {
			return false, nil
		}
		d := t.broker.Request(ctx, approval.Request{
			Kind:         approval.KindBashEscalation,
			Command:      command,
			Timeout:      timeout,
			EscalateHint: escalate,
		})
		if !d.Approved {
			return false, fmt.Errorf("approval denied (%s): command not in the trusted set: %s", d.Reason, approval.TruncateLine(command, 60))
		}
		return d.RunUnsandboxed, nil
	}
	return false, nil
}

// unavailableFallback asks once per session whether to run unsandboxed when
// the sandbox cannot be used, then caches the decision.
func (t *BashTool) unavailableFallback(ctx context.Context, cause error) bool {
	st := t.store.State()
	switch st.SandboxUnavailableDecision {
	case session.UnavailableAllow:
		return true
	case session.UnavailableDeny:
		return false
	}

	evidence := ""
	if cause != nil {
		evidence = cause.Error()
	}
	d := t.broker.Request(ctx, approval.Request{
		Kind:     approval.KindSandboxUnavailable,
		Evidence: evidence,
		Timeout:  60 * time.Second,
	})
	decision := session.UnavailableDeny
	if d.Approved {
		decision = session.UnavailableAllow
	}
	t.store.UpdateState(func(s *session.State) { s.SandboxUnavailableDecision = decision })
	slog.Info("sandbox unavailable decision cached", "session", t.store.ID(), "decision", decision, "cause", cause)
	return d.Approved
}

// retryUnsandboxed implements the on-failure escalation: re-ask the broker
// and, when approved, run the original command directly after a marker line.
func (t *BashTool) retryUnsandboxed(ctx context.Context, command, cwd string, timeout time.Duration, stream *outputStream, cls sandbox.Classification) (*ExecResult, error) {
	d := t.broker.Request(ctx, approval.Request{
		Kind:         approval.KindBashEscalation,
		Command:      command,
		Evidence:     cls.Evidence,
		Timeout:      60 * time.Second,
		EscalateHint: true,
	})
	if !d.Approved {
		return nil, nil
	}
	stream.line(fmt.Sprintf("%s (retry after %s failure): %s", unsandboxedMarker, cls.Kind, approval.TruncateLine(command, 60)))
	return t.run(ctx, command, cwd, timeout, stream, false)
}

// run spawns `bash -lc <command>` in its own process group, streams output,
// and enforces abort/timeout by killing the group.
func (t *BashTool) run(ctx context.Context, command, cwd string, timeout time.Duration, stream *outputStream, sandboxed bool) (*ExecResult, error) {
	cmd := exec.Command("bash", "-lc", command)
	cmd.Dir = cwd
	cmd.Stdout = stream
	cmd.Stderr = stream
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	pgid := cmd.Process.Pid

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	done := make(chan struct{})
	timedOut := false
	var killOnce sync.Once
	kill := func() {
		killOnce.Do(func() {
			syscall.Kill(-pgid, syscall.SIGTERM)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			kill()
		case <-timer.C:
			timedOut = true
			kill()
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	if timedOut {
		slog.Debug("command timed out", "timeout", timeout, "sandboxed", sandboxed)
		return &ExecResult{Output: stream.String(), ExitCode: nil, Sandboxed: sandboxed}, nil
	}

	code := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("wait: %w", waitErr)
		}
	}
	return &ExecResult{Output: stream.String(), ExitCode: &code, Sandboxed: sandboxed}, nil
}

// emitDiagnostic appends the human-readable line and the machine-parseable
// SANDBOX_DIAGNOSTIC line after the last process byte.
func (t *BashTool) emitDiagnostic(stream *outputStream, cls sandbox.Classification, eff policy.Required) {
	hint := ""
	switch cls.Kind {
	case sandbox.FailureNetwork:
		hint = "network access is denied by tau.sandbox.networkMode; set it to allow-all or pass escalate=true"
	case sandbox.FailureFilesystem:
		hint = fmt.Sprintf("writes are limited by tau.sandbox.filesystemMode=%s; widen it or pass escalate=true", eff.FilesystemMode)
	}
	stream.line(fmt.Sprintf("[sandbox] %s restriction likely caused this failure (fs=%s net=%s): %s. %s",
		cls.Kind, eff.FilesystemMode, eff.NetworkMode, cls.Evidence, hint))

	diag, _ := json.Marshal(map[string]interface{}{
		"classification": cls,
		"filesystemMode": eff.FilesystemMode,
		"networkMode":    eff.NetworkMode,
	})
	stream.line("SANDBOX_DIAGNOSTIC=" + string(diag))
}

// gated reports whether a failure kind is one the current config actually
// restricts; failures the config permits are not the sandbox's fault.
func gated(kind sandbox.FailureKind, eff policy.Required) bool {
	switch kind {
	case sandbox.FailureNetwork:
		return eff.NetworkMode != policy.NetAllowAll
	case sandbox.FailureFilesystem:
		return eff.FilesystemMode != policy.FSDangerFull
	}
	return false
}

func isGitCommand(command string) bool {
	tokens, err := shellwords.Parse(strings.TrimSpace(command))
	if err != nil || len(tokens) == 0 {
		return false
	}
	return tokens[0] == "git"
}

// outputStream buffers combined stdout+stderr and forwards bytes to the
// caller in emission order.
type outputStream struct {
	mu     sync.Mutex
	buf    strings.Builder
	onData func([]byte)
}

func newOutputStream(onData func([]byte)) *outputStream {
	return &outputStream{onData: onData}
}

func (s *outputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()
	if s.onData != nil {
		s.onData(p)
	}
	return len(p), nil
}

// line appends a full diagnostic/marker line, newline-terminated.
func (s *outputStream) line(text string) {
	s.Write([]byte(text + "\n"))
}

func (s *outputStream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
