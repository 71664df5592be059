package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const configTemplate = `# AutoForge configuration
workspace: .
state_db: .autoforge/progress.db

oracle:
  # base_url: https://api.anthropic.com/v1
  api_key_env: AUTOFORGE_API_KEY
  # model: claude-sonnet-4-5
  timeout: 2m

harness:
  command: ["go", "test", "./..."]
  timeout: 10m

build:
  max_iterations: 5
  auto_fix_errors: true
  auto_test: true
  auto_optimize: true
  research_enabled: true
  max_context_bytes: 131072
  stage_timeout: 5m
  max_retries: 3
  retry_base_delay: 1s
  retry_max_delay: 1m

telemetry:
  log_level: info
  log_format: console
  metrics_enabled: false
  tracing_enabled: false
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "autoforge.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
