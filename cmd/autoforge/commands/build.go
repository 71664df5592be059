package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autoforge/autoforge/pkg/engine"
)

func newBuildCommand() *cobra.Command {
	var (
		name          string
		maxIterations int
		noAutoFix     bool
		noAutoTest    bool
		noOptimize    bool
		noResearch    bool
	)

	cmd := &cobra.Command{
		Use:   "build <description...>",
		Short: "Start a new build from a project description",
		Long: `Create a project and drive it through the full build lifecycle.

The description is expanded into a plan during discovery, the plan into
an architecture and a task backlog, and the backlog is worked task by
task with test verification and automatic debugging until the build
completes, stalls, or is cancelled.`,
		Example: `  # Build from a short description
  autoforge build "a CLI todo manager with JSON storage"

  # Name the project and cap debug iterations per task
  autoforge build --name todo-cli --max-iterations 3 "a CLI todo manager"

  # Skip the optimization pass
  autoforge build --no-optimize "an HTTP healthcheck service"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			description := strings.Join(args, " ")
			if name == "" {
				name = deriveName(description)
			}

			rt, cleanup, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := rt.cfg.EngineOptions()
			if maxIterations > 0 {
				opts.MaxIterations = maxIterations
			}
			if noAutoFix {
				opts.AutoFixErrors = false
			}
			if noAutoTest {
				opts.AutoTest = false
			}
			if noOptimize {
				opts.AutoOptimize = false
			}
			if noResearch {
				opts.ResearchEnabled = false
			}

			project, buildErr := rt.orchestrator.StartBuild(ctx, name, description, opts)
			if project != nil {
				printProject(project)
			}
			if buildErr != nil {
				return fmt.Errorf("build did not complete: %w", buildErr)
			}
			if project != nil && project.Phase == engine.PhaseFailed {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "project name (derived from the description if empty)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "debug iterations per task before it fails")
	cmd.Flags().BoolVar(&noAutoFix, "no-auto-fix", false, "disable the automatic diagnose/patch path")
	cmd.Flags().BoolVar(&noAutoTest, "no-auto-test", false, "skip test verification after each task")
	cmd.Flags().BoolVar(&noOptimize, "no-optimize", false, "skip the optimization phase")
	cmd.Flags().BoolVar(&noResearch, "no-research", false, "skip the pre-generation research stage")

	return cmd
}

// deriveName turns the first words of a description into a project name.
func deriveName(description string) string {
	words := strings.Fields(description)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.ToLower(strings.Join(words, "-"))
}

func printProject(p *engine.Project) {
	if jsonOutput {
		out, err := json.MarshalIndent(p, "", "  ")
		if err == nil {
			fmt.Println(string(out))
		}
		return
	}
	fmt.Printf("Project:  %s (%s)\n", p.Name, p.ID)
	fmt.Printf("Phase:    %s\n", p.Phase)
	if p.Diagnostic != "" {
		fmt.Printf("Detail:   %s\n", p.Diagnostic)
	}
}
