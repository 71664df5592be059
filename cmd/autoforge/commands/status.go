package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autoforge/autoforge/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's progress from its latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, cleanup, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := rt.orchestrator.Status(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(summary, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Project:   %s (%s)\n", summary.Name, summary.ProjectID)
			fmt.Printf("Phase:     %s\n", summary.Phase)
			if summary.Diagnostic != "" {
				fmt.Printf("Detail:    %s\n", summary.Diagnostic)
			}
			fmt.Printf("Snapshot:  v%d\n", summary.SnapshotVersion)
			for _, status := range []engine.TaskStatus{
				engine.TaskStatusDone,
				engine.TaskStatusInProgress,
				engine.TaskStatusPending,
				engine.TaskStatusBlocked,
				engine.TaskStatusFailed,
			} {
				if n := summary.TaskCounts[status]; n > 0 {
					fmt.Printf("  %-12s %d\n", status, n)
				}
			}
			if summary.InFlightTask != "" {
				fmt.Printf("In flight: %s\n", summary.InFlightTask)
			}
			if summary.LastAttempt != nil {
				fmt.Printf("Last attempt: task %s %s", summary.LastAttempt.TaskID, summary.LastAttempt.Outcome)
				if summary.LastAttempt.Diagnostic != "" {
					fmt.Printf(" (%s)", summary.LastAttempt.Diagnostic)
				}
				fmt.Println()
			}
			return nil
		},
	}
	return cmd
}
