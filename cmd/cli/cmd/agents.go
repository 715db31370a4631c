package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents the server can reach",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		agents, err := newClient().Agents(ctx)
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if jsonOutput {
			return printJSON(agents)
		}
		if len(agents) == 0 {
			fmt.Println("No agents found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREGION\tHOSTNAME\tADDRESS\tVERSION")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Region, a.Hostname, a.GRPCAddr, a.Version)
		}
		w.Flush()

		return nil
	},
}
