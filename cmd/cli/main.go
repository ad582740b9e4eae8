package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string

	userID     string
	scenarioID string
	duration   string
	specFile   string

	includeResolved bool

	reviewerID     string
	reviewNotes    string
	override       bool
	overrideReason string
	rejectReason   string
)

func main() {
	root := &cobra.Command{
		Use:   "labctl",
		Short: "CLI client for cyberlab-engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CYBERLAB_API_KEY"), "API key")

	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage environment sessions",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session from a machine spec file",
		RunE:  runSessionStart,
	}
	startCmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	startCmd.Flags().StringVar(&scenarioID, "scenario", "", "Scenario version ID (required)")
	startCmd.Flags().StringVar(&duration, "duration", "", "Requested duration, e.g. 2h")
	startCmd.Flags().StringVarP(&specFile, "file", "f", "", "JSON file with the machine list (required)")
	sessionCmd.AddCommand(startCmd)

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "stop [session-id]",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return request("DELETE", "/sessions/"+args[0], nil)
		},
	})

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return request("GET", "/sessions", nil)
		},
	})

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "get [session-id]",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return request("GET", "/sessions/"+args[0], nil)
		},
	})
	root.AddCommand(sessionCmd)

	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect the monthly budget",
	}
	budgetCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current month's state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return request("GET", "/budget", nil)
		},
	})
	budgetCmd.AddCommand(&cobra.Command{
		Use:   "alerts",
		Short: "List threshold alerts",
		RunE: func(_ *cobra.Command, _ []string) error {
			return request("GET", "/budget/alerts", nil)
		},
	})
	root.AddCommand(budgetCmd)

	orphansCmd := &cobra.Command{
		Use:   "orphans",
		Short: "Inspect and act on orphaned tasks",
	}
	listOrphansCmd := &cobra.Command{
		Use:   "list",
		Short: "List orphan findings",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := "/orphans"
			if includeResolved {
				path += "?include_resolved=true"
			}
			return request("GET", path, nil)
		},
	}
	listOrphansCmd.Flags().BoolVar(&includeResolved, "all", false, "Include resolved findings")
	orphansCmd.AddCommand(listOrphansCmd)

	orphansCmd.AddCommand(&cobra.Command{
		Use:   "terminate [finding-id]",
		Short: "Stop an orphaned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return request("POST", "/orphans/"+args[0]+"/terminate", nil)
		},
	})
	orphansCmd.AddCommand(&cobra.Command{
		Use:   "ignore [finding-id]",
		Short: "Mark a finding as intentionally kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return request("POST", "/orphans/"+args[0]+"/ignore", nil)
		},
	})
	root.AddCommand(orphansCmd)

	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect and review image promotions",
	}
	pipelineCmd.AddCommand(&cobra.Command{
		Use:   "status [scenario-id]",
		Short: "Show the promotion record for a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return request("GET", "/pipelines/"+args[0], nil)
		},
	})
	pipelineCmd.AddCommand(&cobra.Command{
		Use:   "production",
		Short: "List production images",
		RunE: func(_ *cobra.Command, _ []string) error {
			return request("GET", "/pipelines/production", nil)
		},
	})

	approveCmd := &cobra.Command{
		Use:   "approve [scenario-id]",
		Short: "Approve a staged submission (admin key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if reviewerID == "" {
				return fmt.Errorf("--reviewer is required")
			}
			return request("POST", "/pipelines/"+args[0]+"/approve", map[string]any{
				"reviewer_id":     reviewerID,
				"notes":           reviewNotes,
				"override":        override,
				"override_reason": overrideReason,
			})
		},
	}
	approveCmd.Flags().StringVar(&reviewerID, "reviewer", "", "Reviewer ID (required)")
	approveCmd.Flags().StringVar(&reviewNotes, "notes", "", "Review notes")
	approveCmd.Flags().BoolVar(&override, "override", false, "Approve despite a failed scan")
	approveCmd.Flags().StringVar(&overrideReason, "override-reason", "", "Justification for the override")
	pipelineCmd.AddCommand(approveCmd)

	rejectCmd := &cobra.Command{
		Use:   "reject [scenario-id]",
		Short: "Reject a staged submission (admin key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if reviewerID == "" || rejectReason == "" {
				return fmt.Errorf("--reviewer and --reason are required")
			}
			return request("POST", "/pipelines/"+args[0]+"/reject", map[string]any{
				"reviewer_id": reviewerID,
				"reason":      rejectReason,
			})
		},
	}
	rejectCmd.Flags().StringVar(&reviewerID, "reviewer", "", "Reviewer ID (required)")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Rejection reason (required)")
	pipelineCmd.AddCommand(rejectCmd)
	root.AddCommand(pipelineCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return request("GET", "/health", nil)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSessionStart(_ *cobra.Command, _ []string) error {
	if userID == "" || scenarioID == "" || specFile == "" {
		return fmt.Errorf("--user, --scenario and --file are required")
	}

	data, err := os.ReadFile(specFile)
	if err != nil {
		return fmt.Errorf("reading machine spec: %w", err)
	}

	var machines []map[string]any
	if err := json.Unmarshal(data, &machines); err != nil {
		return fmt.Errorf("parsing machine spec: %w", err)
	}

	payload := map[string]any{
		"user_id":             userID,
		"scenario_version_id": scenarioID,
		"machines":            machines,
	}
	if duration != "" {
		payload["duration"] = duration
	}

	return request("POST", "/sessions", payload)
}

func request(method, path string, payload any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// 204 responses have no body
		if resp.StatusCode == http.StatusNoContent {
			fmt.Println("ok")
			return nil
		}
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
