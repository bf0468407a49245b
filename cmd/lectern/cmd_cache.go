package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

var (
	cacheModel       string
	cacheFingerprint string
	cacheTenant      string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the answer and graph caches",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect <query>",
	Short: "Check whether a query would hit the answer cache, without recording a read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest("POST", "/api/v1/cache/answers/inspect", map[string]string{
			"query":             args[0],
			"model":             cacheModel,
			"paper_fingerprint": cacheFingerprint,
			"tenant":            cacheTenant,
		})
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

var cacheGraphCmd = &cobra.Command{
	Use:   "graph <graph-key>",
	Short: "Resolve a graph cache entry and report its lifecycle state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest("GET", "/api/v1/cache/graphs/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

func init() {
	cacheInspectCmd.Flags().StringVar(&cacheModel, "model", "", "Model identifier")
	cacheInspectCmd.Flags().StringVar(&cacheFingerprint, "paper-fingerprint", "", "Paper fingerprint")
	cacheInspectCmd.Flags().StringVar(&cacheTenant, "tenant", "", "Tenant (anonymous deployments only)")

	addClientFlags(cacheInspectCmd, cacheGraphCmd)
	cacheCmd.AddCommand(cacheInspectCmd, cacheGraphCmd)
}
