package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show a project's attempt history in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, cleanup, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := rt.orchestrator.History(ctx, args[0])
			if err != nil {
				return err
			}
			if taskID != "" {
				filtered := records[:0]
				for _, rec := range records {
					if rec.TaskID == taskID {
						filtered = append(filtered, rec)
					}
				}
				records = filtered
			}

			if jsonOutput {
				out, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(records) == 0 {
				fmt.Println("No attempts recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tOUTCOME\tDURATION\tWHEN\tDIAGNOSTIC")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					rec.TaskID,
					rec.Outcome,
					rec.Duration.Round(time.Millisecond),
					rec.CreatedAt.Format(time.RFC3339),
					rec.Diagnostic)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&taskID, "task", "t", "", "only show attempts for this task")
	return cmd
}
