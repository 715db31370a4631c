package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/proclist/pkg/types"
)

var flowsCmd = &cobra.Command{
	Use:     "flows",
	Aliases: []string{"flow"},
	Short:   "Manage ListProcesses flows",
	Long:    `Start, list, and inspect ListProcesses flows and their results.`,
}

var flowStartCmd = &cobra.Command{
	Use:   "start <client-id>",
	Short: "Start a ListProcesses flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pathRegex, _ := cmd.Flags().GetString("path-regex")
		states, _ := cmd.Flags().GetStringSlice("state")
		fetch, _ := cmd.Flags().GetBool("fetch-binaries")
		noWrite, _ := cmd.Flags().GetBool("no-write-results")
		watch, _ := cmd.Flags().GetBool("watch")

		req := types.StartFlowRequest{
			ClientID: args[0],
			Args: types.FlowArgs{
				PathRegex:     pathRegex,
				FetchBinaries: fetch,
			},
		}
		for _, s := range states {
			st, err := types.ParseConnectionState(s)
			if err != nil {
				return err
			}
			req.Args.ConnectionStates = append(req.Args.ConnectionStates, st)
		}
		if noWrite {
			writeResults := false
			req.WriteResults = &writeResults
		}

		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := c.StartFlow(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to start flow: %w", err)
		}

		if !watch {
			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("✓ Flow started: %s\n", resp.Flow.ID)
			fmt.Printf("  Client: %s\n", resp.Flow.ClientID)
			fmt.Printf("  Status: %s\n", resp.Flow.Status)
			return nil
		}

		var results []types.FlowResult
		final, err := c.Watch(context.Background(), resp.Flow.ID, func(ev types.WatchEvent) {
			switch ev.Type {
			case types.WatchEventLog:
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "%s\n", ev.Log.Message)
				}
			case types.WatchEventResult:
				results = append(results, *ev.Result)
			}
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(results)
		}
		printResults(results)
		fmt.Printf("Flow %s %s", final.ID, final.Status)
		if final.Error != "" {
			fmt.Printf(": %s", final.Error)
		}
		fmt.Println()
		return nil
	},
}

var flowGetCmd = &cobra.Command{
	Use:   "get <flow-id>",
	Short: "Get flow details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		f, err := newClient().GetFlow(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get flow: %w", err)
		}
		if jsonOutput {
			return printJSON(f)
		}

		fmt.Printf("Flow: %s\n", f.ID)
		fmt.Printf("  Name: %s\n", f.Name)
		fmt.Printf("  Client: %s\n", f.ClientID)
		fmt.Printf("  State: %s\n", f.State)
		fmt.Printf("  Status: %s\n", f.Status)
		if f.Error != "" {
			fmt.Printf("  Error: %s\n", f.Error)
		}
		fmt.Printf("  Created: %s\n", f.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var flowListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List flows",
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID, _ := cmd.Flags().GetString("client")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		flows, err := newClient().ListFlows(ctx, clientID, limit)
		if err != nil {
			return fmt.Errorf("failed to list flows: %w", err)
		}
		if jsonOutput {
			return printJSON(flows)
		}
		if len(flows) == 0 {
			fmt.Println("No flows found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCLIENT\tSTATE\tSTATUS\tCREATED")
		for _, f := range flows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				f.ID, f.ClientID, f.State, f.Status, f.CreatedAt.Format("15:04:05"))
		}
		w.Flush()
		return nil
	},
}

var flowResultsCmd = &cobra.Command{
	Use:   "results <flow-id>",
	Short: "Print the results of a flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		results, err := newClient().Results(ctx, args[0], 0)
		if err != nil {
			return fmt.Errorf("failed to get results: %w", err)
		}
		if jsonOutput {
			return printJSON(results)
		}
		printResults(results)
		return nil
	},
}

var flowLogsCmd = &cobra.Command{
	Use:   "logs <flow-id>",
	Short: "Print the log of a flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logs, err := newClient().Logs(ctx, args[0], 0)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}
		if jsonOutput {
			return printJSON(logs)
		}
		for _, l := range logs {
			fmt.Printf("%s  %s\n", l.CreatedAt.Format("15:04:05"), l.Message)
		}
		return nil
	},
}

// printResults prints process and file results as two tables.
func printResults(results []types.FlowResult) {
	var procs []types.Process
	var files []types.FileStat
	for _, r := range results {
		switch r.Kind {
		case types.ResultKindProcess:
			var p types.Process
			if json.Unmarshal(r.Payload, &p) == nil {
				procs = append(procs, p)
			}
		case types.ResultKindFileStat:
			var st types.FileStat
			if json.Unmarshal(r.Payload, &st) == nil {
				files = append(files, st)
			}
		}
	}

	if len(procs) == 0 && len(files) == 0 {
		fmt.Println("No results")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if len(procs) > 0 {
		fmt.Fprintln(w, "PID\tPPID\tUID\tNAME\tEXE\tCONNS")
		for _, p := range procs {
			fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%d\n", p.PID, p.PPID, p.UID, p.Name, p.Exe, len(p.Connections))
		}
	}
	if len(files) > 0 {
		if len(procs) > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "PATH\tSIZE\tSHA256")
		for _, st := range files {
			fmt.Fprintf(w, "%s\t%d\t%s\n", st.Path, st.Size, st.SHA256)
		}
	}
	w.Flush()
}

func init() {
	flowStartCmd.Flags().String("path-regex", "", "Only report processes whose executable path matches")
	flowStartCmd.Flags().StringSlice("state", nil, "Only report processes with a connection in this state (repeatable)")
	flowStartCmd.Flags().Bool("fetch-binaries", false, "Download the executables of matching processes")
	flowStartCmd.Flags().Bool("no-write-results", false, "Run without storing results")
	flowStartCmd.Flags().BoolP("watch", "w", false, "Follow the flow until it finishes")

	flowListCmd.Flags().String("client", "", "Only list flows of this client")
	flowListCmd.Flags().Int("limit", 50, "Maximum number of flows")

	flowsCmd.AddCommand(flowStartCmd)
	flowsCmd.AddCommand(flowGetCmd)
	flowsCmd.AddCommand(flowListCmd)
	flowsCmd.AddCommand(flowResultsCmd)
	flowsCmd.AddCommand(flowLogsCmd)
}
