package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	runWorkstream string
	runArm        string
	runParent     string
	runTrigger    string
	runConfigHash string
	runPaperSet   string
	runLimit      int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage pipeline runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start <run-id>",
	Short: "Create a run and enqueue its workflow job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]
		if _, err := apiRequest("POST", "/api/v1/runs", map[string]any{
			"run_id":         runID,
			"workstream_id":  runWorkstream,
			"arm":            runArm,
			"parent_run_id":  runParent,
			"trigger_source": runTrigger,
			"config_hash":    runConfigHash,
			"paper_set_hash": runPaperSet,
		}); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]string{"run_id": runID})
		data, err := apiRequest("POST", "/api/v1/enqueue", map[string]any{
			"job_type": "workflow",
			"payload":  json.RawMessage(payload),
		})
		if err != nil {
			return err
		}

		if outputJSON {
			printJSON(data)
			return nil
		}
		var job struct {
			JobID string `json:"job_id"`
		}
		json.Unmarshal(data, &job)
		fmt.Printf("Run %s started (job %s)\n", runID, job.JobID)
		return nil
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its ledger records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest("GET", "/api/v1/runs/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		printJSON(data)

		records, err := apiRequest("GET", "/api/v1/records?run_id="+url.QueryEscape(args[0]), nil)
		if err != nil {
			return err
		}
		printJSON(records)
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/runs?limit=%d", runLimit)
		if runWorkstream != "" {
			path += "&workstream_id=" + url.QueryEscape(runWorkstream)
		}
		data, err := apiRequest("GET", path, nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

func init() {
	runStartCmd.Flags().StringVar(&runWorkstream, "workstream", "", "Workstream this run belongs to")
	runStartCmd.Flags().StringVar(&runArm, "arm", "", "Experiment arm label")
	runStartCmd.Flags().StringVar(&runParent, "parent", "", "Parent run ID for resumed runs")
	runStartCmd.Flags().StringVar(&runTrigger, "trigger", "cli", "Trigger source")
	runStartCmd.Flags().StringVar(&runConfigHash, "config-hash", "", "Pinned configuration fingerprint")
	runStartCmd.Flags().StringVar(&runPaperSet, "paper-set-hash", "", "Pinned corpus fingerprint")
	runListCmd.Flags().StringVar(&runWorkstream, "workstream", "", "Filter by workstream")
	runListCmd.Flags().IntVar(&runLimit, "limit", 50, "Maximum runs to return")

	addClientFlags(runStartCmd, runShowCmd, runListCmd)
	runCmd.AddCommand(runStartCmd, runShowCmd, runListCmd)
}
