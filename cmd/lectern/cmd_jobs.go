package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	jobsQueue  string
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/jobs?limit=%d", jobsLimit)
		if jobsQueue != "" {
			path += "&queue=" + url.QueryEscape(jobsQueue)
		}
		if jobsStatus != "" {
			path += "&status=" + url.QueryEscape(jobsStatus)
		}
		data, err := apiRequest("GET", path, nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest("GET", "/api/v1/jobs/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsQueue, "queue", "", "Filter by queue")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to return")

	addClientFlags(jobsListCmd, jobsShowCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
}
