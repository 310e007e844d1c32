package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"murmurscreen/internal/backfill"
	"murmurscreen/internal/metrics"
	"murmurscreen/internal/queue"
	"murmurscreen/internal/render"
	"murmurscreen/internal/store"
)

var (
	agentURL           string
	agentBackfillLimit int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Talk to a running murmur-agent",
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Queue, counters, and recent submissions and jobs",
	Args:  cobra.NoArgs,
	RunE:  runAgentStatus,
}

var agentBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Enqueue inbox recordings that were never submitted",
	Args:  cobra.NoArgs,
	RunE:  runAgentBackfill,
}

var agentRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Re-run a failed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRetry,
}

var agentLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Print a job's log lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentLogs,
}

func init() {
	agentCmd.PersistentFlags().StringVar(&agentURL, "agent-url", "", "agent base URL (default http://localhost<HTTP_PORT>)")
	agentBackfillCmd.Flags().IntVar(&agentBackfillLimit, "limit", 0, "most recordings to enqueue (default: agent maximum)")
	agentCmd.AddCommand(agentStatusCmd, agentBackfillCmd, agentRetryCmd, agentLogsCmd)
	rootCmd.AddCommand(agentCmd)
}

type agentStatus struct {
	APIURL      string             `json:"api_url"`
	Inbox       string             `json:"inbox"`
	Submissions []store.Submission `json:"submissions"`
	Jobs        []store.Job        `json:"jobs"`
	Queue       queue.Stats        `json:"queue"`
	Metrics     metrics.Snapshot   `json:"metrics"`
}

func agentBase() string {
	if agentURL != "" {
		return strings.TrimRight(agentURL, "/")
	}
	return "http://localhost" + cfg.HTTPPort
}

// opsCall performs one request against the agent's ops API and decodes the JSON answer.
func opsCall(cmd *cobra.Command, method, path string, out any) error {
	req, err := http.NewRequestWithContext(cmdContext(cmd), method, agentBase()+path, nil)
	if err != nil {
		return err
	}
	httpc := &http.Client{Timeout: cfg.HTTPTimeout()}
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(bytes.NewReader(body)).Decode(out)
}

func runAgentStatus(cmd *cobra.Command, args []string) error {
	var st agentStatus
	if err := opsCall(cmd, http.MethodGet, "/ops/status", &st); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backend:  %s\nInbox:    %s\n", st.APIURL, st.Inbox)
	fmt.Fprintf(out, "Queue:    %d/%d, %d workers, %d processed, %d failed\n",
		st.Queue.Length, st.Queue.Capacity, st.Queue.WorkerCount, st.Queue.Processed, st.Queue.Failed)
	fmt.Fprintf(out, "Results:  %d predictions, %d elevated, %d rejected files, %d notifications\n\n",
		st.Metrics.Predictions, st.Metrics.Elevated, st.Metrics.RejectedFiles, st.Metrics.Notifications)
	if err := render.SubmissionsTable(out, st.Submissions); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return render.JobsTable(out, st.Jobs)
}

func runAgentBackfill(cmd *cobra.Command, args []string) error {
	path := "/ops/backfill"
	if agentBackfillLimit < 0 {
		return fmt.Errorf("invalid --limit %d", agentBackfillLimit)
	}
	if agentBackfillLimit > 0 {
		path += "?limit=" + strconv.Itoa(agentBackfillLimit)
	}
	var sum backfill.Summary
	if err := opsCall(cmd, http.MethodPost, path, &sum); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Inbox files: %d (%d already done)\nQueued: %d of %d selected",
		sum.TotalCandidates, sum.AlreadyProcessed, sum.EnqueueSucceeded, sum.SelectedForBackfill)
	if sum.Retried > 0 || sum.Skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), " (%d retried, %d in progress or finished)", sum.Retried, sum.Skipped)
	}
	if sum.EnqueueDroppedFull > 0 || sum.EnqueueFailed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), " (%d dropped, queue full; %d failed)", sum.EnqueueDroppedFull, sum.EnqueueFailed)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// jobPath builds /ops/jobs/<id><suffix> from a user-supplied job id.
func jobPath(ref, suffix string) (string, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	if err != nil || id <= 0 {
		return "", fmt.Errorf("invalid job id %q", ref)
	}
	return "/ops/jobs/" + strconv.FormatInt(id, 10) + suffix, nil
}

func runAgentRetry(cmd *cobra.Command, args []string) error {
	path, err := jobPath(args[0], "/retry")
	if err != nil {
		return err
	}
	var job store.Job
	if err := opsCall(cmd, http.MethodPost, path, &job); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %d (%s %s) requeued\n", job.ID, job.Stage, job.Subject)
	return nil
}

func runAgentLogs(cmd *cobra.Command, args []string) error {
	path, err := jobPath(args[0], "/logs")
	if err != nil {
		return err
	}
	var lines []string
	if err := opsCall(cmd, http.MethodGet, path, &lines); err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), l)
	}
	return nil
}
