package cli

import (
	"controlplane/internal/job"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSubmitCommand(newClient func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		Long: `Submit a job built from flags, or from a JSON request file with --file.

A submission for a connection that already has an open job of the same
kind returns that job instead of creating a new one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := submitRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			resp, err := newClient().Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			if resp.Created {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\n", resp.JobID)
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s (existing open job)\n", resp.JobID)
			}
			return nil
		},
	}

	cmd.Flags().String("file", "", "JSON submit request (- for stdin)")
	cmd.Flags().String("kind", "", "Job kind: spec, check, discover or sync")
	cmd.Flags().String("connection", "", "Connection ID")
	cmd.Flags().String("workspace", "", "Workspace ID")
	cmd.Flags().String("image", "", "Connector image")
	cmd.Flags().String("config", "", "Path to the connector config JSON")
	cmd.Flags().String("tier", "", "Tenant tier")
	cmd.Flags().String("callback", "", "Callback URL for lifecycle notifications")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func submitRequestFromFlags(cmd *cobra.Command) (*job.SubmitRequest, error) {
	flags := cmd.Flags()
	if file, _ := flags.GetString("file"); file != "" {
		data, err := readInput(cmd, file)
		if err != nil {
			return nil, err
		}
		var req job.SubmitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		return &req, nil
	}

	kind, _ := flags.GetString("kind")
	connection, _ := flags.GetString("connection")
	workspace, _ := flags.GetString("workspace")
	image, _ := flags.GetString("image")
	configPath, _ := flags.GetString("config")
	tier, _ := flags.GetString("tier")
	callback, _ := flags.GetString("callback")

	if kind == "" {
		return nil, fmt.Errorf("--kind or --file is required")
	}
	parsed, err := job.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	req := &job.SubmitRequest{
		Kind:         parsed,
		ConnectionID: job.ConnectionID(connection),
		WorkspaceID:  job.WorkspaceID(workspace),
		Tenant:       job.Tenant{Tier: tier},
		LaunchInput:  job.LaunchInput{Image: image},
	}
	if configPath != "" {
		data, err := readInput(cmd, configPath)
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s is not valid JSON", configPath)
		}
		req.LaunchInput.Config = data
	}
	if callback != "" {
		req.Callback = &job.Callback{URL: callback}
	}
	return req, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func newStatusCommand(newClient func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job and its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := newClient().Get(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if view.Job == nil {
				return fmt.Errorf("job %s: empty response", args[0])
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, view)
			}

			status := "OPEN"
			if view.Status != "" {
				status = string(view.Status)
			}
			_, _ = fmt.Fprintf(out, "job_id=%s\n", view.ID)
			_, _ = fmt.Fprintf(out, "kind=%s\n", view.Kind)
			_, _ = fmt.Fprintf(out, "connection_id=%s\n", view.ConnectionID)
			_, _ = fmt.Fprintf(out, "status=%s\n", status)
			_, _ = fmt.Fprintf(out, "retries=%d\n", view.Retries)
			if view.FinishedAt != nil {
				_, _ = fmt.Fprintf(out, "finished_at=%s\n", view.FinishedAt.UTC().Format(time.RFC3339))
			}
			if view.Failure != nil {
				_, _ = fmt.Fprintf(out, "failure=%s: %s\n", view.Failure.Reason, view.Failure.Message)
			}
			if len(view.Attempts) == 0 {
				return nil
			}

			_, _ = fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			defer func() { _ = w.Flush() }()
			_, _ = fmt.Fprintln(w, "ATTEMPT\tSTATUS\tWORKLOAD\tSTARTED\tENDED\tFAILURE")
			for _, a := range view.Attempts {
				failure := "-"
				if a.Failure != nil {
					failure = string(a.Failure.Reason)
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					a.Number,
					a.Status,
					orDash(string(a.WorkloadRef)),
					formatOptionalTime(a.StartedAt),
					formatOptionalTime(a.EndedAt),
					failure,
				)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func newCancelCommand(newClient func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Cancel(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s status=%s\n", resp.JobID, resp.Status)
			return nil
		},
	}
}

func newListCommand(newClient func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			openOnly, _ := cmd.Flags().GetBool("open")
			limit, _ := cmd.Flags().GetInt("limit")

			resp, err := newClient().List(cmd.Context(), openOnly, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, resp)
			}
			if len(resp.Jobs) == 0 {
				_, _ = fmt.Fprintln(out, "No jobs found")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			defer func() { _ = w.Flush() }()
			_, _ = fmt.Fprintln(w, "JOB ID\tKIND\tCONNECTION\tSTATUS\tCREATED\tRETRIES")
			for _, j := range resp.Jobs {
				status := string(j.Status)
				if status == "" {
					status = "OPEN"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					j.ID,
					j.Kind,
					orDash(string(j.ConnectionID)),
					status,
					j.CreatedAt.UTC().Format(time.RFC3339),
					j.Retries,
				)
			}
			return nil
		},
	}
	cmd.Flags().Bool("open", false, "Only jobs that are not yet terminal")
	cmd.Flags().Int("limit", 0, "Maximum number of jobs (1-1000)")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
