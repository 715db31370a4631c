package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensandbox/proclist/pkg/client"
)

var (
	baseURL    string
	apiKey     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "proclist",
	Short: "proclist CLI - List processes on remote agents",
	Long: `proclist is a command-line tool for the proclist server.

It starts ListProcesses flows against remote agents, follows their progress,
and prints the processes, connections and fetched binaries they report.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("PROCLIST_API_URL", "http://localhost:8080"), "proclist API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PROCLIST_API_KEY"), "proclist API key")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	rootCmd.AddCommand(flowsCmd)
	rootCmd.AddCommand(agentsCmd)
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func newClient() *client.Client {
	return client.NewClient(baseURL, apiKey)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
