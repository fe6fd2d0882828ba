package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cortexrun/cortex/internal/config"
)

// buildDoctorCmd creates the "doctor" command for config validation.
// Grounded on the teacher's buildDoctorCmd/runDoctor shape (DESIGN.md A1),
// trimmed to the --repair flag only: there are no channel health probes or
// service-file audits in this runtime.
func buildDoctorCmd() *cobra.Command {
	var (
		configPath string
		repair     bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate the Cortex configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(resolveConfigPath(configPath), repair)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&repair, "repair", false, "Write a default config file if one is missing")

	return cmd
}

// runDoctor validates configPath. With --repair, a missing file is
// replaced by a minimal default configuration instead of erroring.
func runDoctor(configPath string, repair bool) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if !repair {
			return fmt.Errorf("config file %s does not exist (use --repair to write a default)", configPath)
		}
		if err := writeDefaultConfig(configPath); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		fmt.Printf("wrote default config to %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	fmt.Printf("config OK: version=%d workspace=%s default_provider=%s sandbox_backend=%s\n",
		cfg.Version, cfg.Workspace.Path, cfg.LLM.DefaultProvider, cfg.Tools.Sandbox.Backend)
	return nil
}

const defaultConfigTemplate = `workspace:
  path: .
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
tools:
  sandbox:
    backend: passthrough
`

func writeDefaultConfig(path string) error {
	return os.WriteFile(path, []byte(defaultConfigTemplate), 0o644)
}
