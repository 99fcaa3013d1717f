// Package cmd wires the coding-agent runtime into its CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/tau/cmd.Version=v1.0.0"
var Version = "dev"

var (
	verbose bool

	flagWorkspace      string
	flagModel          string
	flagSandboxFS      string
	flagSandboxNet     string
	flagApprovalPolicy string
	flagNoSandbox      bool
)

var rootCmd = &cobra.Command{
	Use:   "tau",
	Short: "tau — terminal coding agent",
	Long: "tau: a terminal-based AI coding assistant that runs model-requested shell " +
		"commands inside a layered security sandbox and delegates work to nested " +
		"worker agents.",
	Run: func(cmd *cobra.Command, args []string) {
		runChat()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "model override for the root conversation")

	rootCmd.PersistentFlags().StringVar(&flagSandboxFS, "sandbox-fs", "", "filesystem mode: read-only|workspace-write|danger")
	rootCmd.PersistentFlags().StringVar(&flagSandboxNet, "sandbox-net", "", "network mode: deny|allow-all")
	rootCmd.PersistentFlags().StringVar(&flagApprovalPolicy, "approval-policy", "", "approval policy: never|on-failure|on-request|unless-trusted")
	rootCmd.PersistentFlags().BoolVar(&flagNoSandbox, "no-sandbox", false, "disable the sandbox wrapper entirely")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tau %s\n", Version)
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func workspaceRoot() string {
	if flagWorkspace != "" {
		return flagWorkspace
	}
	wd, err := os.Getwd()
	if err != nil {
		slog.Error("cannot determine working directory", "error", err)
		os.Exit(1)
	}
	return wd
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
