package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autoforge/autoforge/pkg/engine"
)

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Resume an interrupted, paused, or failed build",
		Long: `Reload a project from its latest committed snapshot and continue the
build from the phase that snapshot recorded.

Completed work is never repeated: a task that was in flight when the
previous run stopped is re-executed, everything committed before it is
kept. Resuming a completed project is a no-op.`,
		Example: `  autoforge resume 3f8a1c2e-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, cleanup, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer cleanup()

			project, buildErr := rt.orchestrator.ResumeBuild(ctx, args[0])
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
	return cmd
}
