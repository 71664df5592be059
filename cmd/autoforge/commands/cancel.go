package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <project-id>",
		Short: "Request cooperative cancellation of a running build",
		Long: `Mark a project for cancellation. The running build honors the request
at its next task selection, commits a final snapshot, and pauses. No
committed work is lost; resume the project to continue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, cleanup, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := rt.orchestrator.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for %s; the build will pause between iterations.\n", args[0])
			return nil
		},
	}
	return cmd
}
