package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/autobuild/internal/control"
	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/orchestrator"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	Long: `Show the running orchestrator's status, workers, and queue.

When no orchestrator is running, the queue saved by the last run is shown.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "print the full snapshot as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	client, cfg, dir, err := dial()
	if err != nil {
		return err
	}

	var snap orchestrator.Snapshot
	err = client.Call(cmd.Context(), control.CmdSnapshot, nil, &snap)
	if errors.Is(err, control.ErrNotRunning) {
		return printSavedState(cmd.OutOrStdout(), cfg.Paths.ResolveStateDir(dir))
	}
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(cmd.OutOrStdout(), snap)
	return nil
}

func printSnapshot(w io.Writer, snap orchestrator.Snapshot) {
	fmt.Fprintf(w, "Status: %s\n", snap.Status)
	if snap.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", snap.RunID)
	}
	if snap.StartedAt != nil {
		fmt.Fprintf(w, "Started: %s\n", snap.StartedAt.Format(time.DateTime))
	}
	fmt.Fprintf(w, "Queue: %d total, %d pending, %d assigned, %d blocked; %d completed\n\n",
		snap.Stats.Total, snap.Stats.Pending, snap.Stats.Assigned, snap.Stats.Blocked, len(snap.Completed))

	for _, ws := range snap.Workers {
		if ws.Idle() {
			fmt.Fprintf(w, "%s: idle\n", ws.ID)
			continue
		}
		fmt.Fprintf(w, "%s: %s %s (%s)", ws.ID, ws.IssueID, ws.Phase, ws.IssueTitle)
		if ws.PhaseSince != nil {
			fmt.Fprintf(w, " for %s", time.Since(*ws.PhaseSince).Round(time.Second))
		}
		if ws.RetryCount > 0 {
			fmt.Fprintf(w, " retry %d (%d left)", ws.RetryCount, ws.RetriesRemaining)
		}
		fmt.Fprintln(w)
		for _, f := range ws.ModifiedFiles {
			fmt.Fprintf(w, "    %s\n", f)
		}
	}
	if len(snap.Workers) > 0 {
		fmt.Fprintln(w)
	}

	for _, p := range snap.PendingReviews {
		fmt.Fprintf(w, "Awaiting review: %s (%s) since %s\n", p.IssueID, p.WorkerID, p.Since.Format(time.TimeOnly))
	}
	for _, pr := range snap.PullRequests {
		fmt.Fprintf(w, "PR for %s: %s\n", pr.EpicID, pr.URL)
	}
	printQueue(w, snap.Queue)
}

func printSavedState(w io.Writer, stateDir string) error {
	state, err := taskqueue.ReadState(stateDir)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, "No orchestrator is running and no saved queue was found.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "No orchestrator is running. Queue saved %s", state.SavedAt.Local().Format(time.DateTime))
	if state.RunID != "" {
		fmt.Fprintf(w, " by run %s", state.RunID)
	}
	fmt.Fprint(w, ":\n\n")
	printQueue(w, state.Entries)
	return nil
}
