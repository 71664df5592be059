package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProjectsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List known projects, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, cleanup, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer cleanup()

			projects, err := rt.orchestrator.Projects(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(projects, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(projects) == 0 {
				fmt.Println("No projects yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPHASE\tCREATED")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					p.ID, p.Name, p.Phase, p.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	return cmd
}
