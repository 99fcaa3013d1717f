package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nextlevelbuilder/tau/internal/agent"
	"github.com/nextlevelbuilder/tau/internal/approval"
	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/providers"
	"github.com/nextlevelbuilder/tau/internal/sandbox"
	"github.com/nextlevelbuilder/tau/internal/session"
	"github.com/nextlevelbuilder/tau/internal/settings"
	"github.com/nextlevelbuilder/tau/internal/telemetry"
	"github.com/nextlevelbuilder/tau/internal/tools"
)

const defaultSystemPrompt = "You are tau, a terminal coding agent. You work inside the user's " +
	"workspace using the tools provided. Be direct and make the smallest change that solves " +
	"the task."

// runChat starts the interactive root session.
func runChat() {
	setupLogging()
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:  os.Getenv("TAU_TELEMETRY_ENDPOINT") != "",
		Endpoint: os.Getenv("TAU_TELEMETRY_ENDPOINT"),
		Protocol: os.Getenv("TAU_TELEMETRY_PROTOCOL"),
		Insecure: os.Getenv("TAU_TELEMETRY_INSECURE") == "true",
	})
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	} else {
		defer shutdownTelemetry(ctx)
	}

	ws := workspaceRoot()
	resolver := settings.NewResolver(ws)
	cliOverride, err := settings.ParseCLIFlags(settings.CLIFlags{
		SandboxFS:      flagSandboxFS,
		SandboxNet:     flagSandboxNet,
		ApprovalPolicy: flagApprovalPolicy,
		NoSandbox:      flagNoSandbox,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	resolver.CLIOverride = cliOverride
	if err := resolver.EnsureUserDefaults(); err != nil {
		slog.Warn("could not seed user settings", "error", err)
	}

	// Root session state, effective-config supplier, notifier.
	store := session.NewStore()
	effective := func() (policy.Required, error) {
		return resolver.Effective(store.State().SessionOverride)
	}
	notifier := session.NewNotifier(store, effective)

	watcher, err := settings.Watch(resolver, notifier.NoteConfigChange)
	if err != nil {
		slog.Debug("settings watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	// Sandbox implementation; a missing bwrap is recoverable via the
	// once-per-session fallback prompt.
	var impl sandbox.Implementation
	if bw, err := sandbox.NewBubblewrap(); err != nil {
		slog.Warn("sandbox implementation unavailable", "error", err)
	} else {
		impl = bw
	}
	wrapper := sandbox.NewWrapper(impl)
	wrapper.Disabled = flagNoSandbox

	// Approval routing: the root session owns the terminal prompt.
	approvals := approval.NewRegistry()
	broker := approval.NewUIBroker()
	approvals.Register(store.ID(), broker)
	defer approvals.Unregister(store.ID())

	provider := providers.NewAnthropicProvider(os.Getenv("TAU_ANTHROPIC_API_KEY"),
		providers.WithAnthropicBaseURL(os.Getenv("TAU_ANTHROPIC_BASE_URL")))
	model := flagModel
	if model == "" {
		model = provider.DefaultModel()
	}

	manager := agent.NewManager(agent.Deps{
		Provider:      provider,
		Wrapper:       wrapper,
		Approvals:     approvals,
		RootSessionID: store.ID(),
		WorkspaceRoot: ws,
		DefaultPrompt: defaultSystemPrompt,
	})
	defer manager.ShutdownAll()

	registry := tools.NewRegistry()
	registry.Register(tools.NewBashTool(ws, wrapper, broker, store, effective))
	registry.Register(tools.NewReadFileTool(ws))
	registry.Register(tools.NewWriteFileTool(ws, broker, effective))
	registry.Register(tools.NewEditFileTool(ws, broker, effective))
	registry.Register(tools.NewListFilesTool(ws))
	registry.Register(agent.NewAgentTool(manager, effective, 0, ""))

	loop := agent.NewLoop(provider, model, registry, store, notifier, defaultSystemPrompt, false, func(e agent.Event) {
		if e.Type == agent.EventAgentEnd && e.Err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", e.Err)
		}
	})

	eff, err := effective()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("tau %s — %s\n", Version, ws)
	fmt.Printf("sandbox: fs=%s net=%s approval=%s\n", eff.FilesystemMode, eff.NetworkMode, eff.ApprovalPolicy)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case line == "/sandbox":
			if err := sandboxPanel(store, notifier); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			continue
		}

		store.AppendMessage(providers.Message{Role: "user", Content: line})
		loop.Run(ctx)
		printLastAssistant(store)
	}
}

func printLastAssistant(store *session.Store) {
	msgs := store.ContextMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && msgs[i].Content != "" {
			fmt.Println(msgs[i].Content)
			return
		}
	}
}

// sandboxPanel edits the session-override layer. Changes persist to session
// state only, never to the settings files.
func sandboxPanel(store *session.Store, notifier *session.Notifier) error {
	current := policy.ApplyDefaults(store.State().SessionOverride)
	fs := string(current.FilesystemMode)
	net := string(current.NetworkMode)
	ap := string(current.ApprovalPolicy)

	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Filesystem").
			Options(
				huh.NewOption("read-only", string(policy.FSReadOnly)),
				huh.NewOption("workspace-write", string(policy.FSWorkspaceWrite)),
				huh.NewOption("danger-full-access", string(policy.FSDangerFull)),
			).
			Value(&fs),
		huh.NewSelect[string]().
			Title("Network").
			Options(
				huh.NewOption("deny", string(policy.NetDeny)),
				huh.NewOption("allow-all", string(policy.NetAllowAll)),
			).
			Value(&net),
		huh.NewSelect[string]().
			Title("Approval policy").
			Options(
				huh.NewOption("never", string(policy.ApprovalNever)),
				huh.NewOption("on-failure", string(policy.ApprovalOnFailure)),
				huh.NewOption("on-request", string(policy.ApprovalOnRequest)),
				huh.NewOption("unless-trusted", string(policy.ApprovalUnlessTrusted)),
			).
			Value(&ap),
	))
	if err := form.Run(); err != nil {
		return err
	}

	fsMode := policy.FilesystemMode(fs)
	netMode := policy.NetworkMode(net)
	apPolicy := policy.ApprovalPolicy(ap)
	store.UpdateState(func(s *session.State) {
		s.SessionOverride = policy.Merge(s.SessionOverride, policy.SandboxConfig{
			FilesystemMode: &fsMode,
			NetworkMode:    &netMode,
			ApprovalPolicy: &apPolicy,
		})
	})
	notifier.NoteConfigChange()
	return nil
}
