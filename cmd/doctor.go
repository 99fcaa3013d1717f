package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/settings"
)

// doctorCmd checks sandbox prerequisites and settings-file health, and
// prints the effective config the next session would start with.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check sandbox prerequisites and settings health",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			ok := true

			if _, err := exec.LookPath("bwrap"); err != nil {
				fmt.Println("✗ bwrap not found — commands will need the unsandboxed fallback")
				ok = false
			} else {
				fmt.Println("✓ bwrap available")
			}
			if _, err := exec.LookPath("bash"); err != nil {
				fmt.Println("✗ bash not found")
				ok = false
			} else {
				fmt.Println("✓ bash available")
			}

			ws := workspaceRoot()
			resolver := settings.NewResolver(ws)
			for _, path := range []string{settings.UserSettingsPath(), settings.ProjectSettingsPath(ws)} {
				if _, err := os.Stat(path); os.IsNotExist(err) {
					fmt.Printf("- %s (absent, defaults apply)\n", path)
					continue
				}
				fmt.Printf("✓ %s\n", path)
			}

			eff, err := resolver.Effective(policy.SandboxConfig{})
			if err != nil {
				fmt.Printf("✗ settings: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("effective: fs=%s net=%s approval=%s timeout=%ds\n",
				eff.FilesystemMode, eff.NetworkMode, eff.ApprovalPolicy, eff.ApprovalTimeoutSeconds)

			if !ok {
				os.Exit(1)
			}
		},
	}
}
