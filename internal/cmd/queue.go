package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/autobuild/internal/control"
	"github.com/Iron-Ham/autobuild/internal/orchestrator"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or edit the running orchestrator's queue",
	RunE:  runQueueList,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <issue-id>...",
	Short: "Queue issues; an epic queues its open children",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueAdd,
}

var queueRemoveCmd = &cobra.Command{
	Use:     "remove <issue-id>...",
	Aliases: []string{"rm"},
	Short:   "Remove issues that are not currently assigned",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runQueueRemove,
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued issues in dequeue order",
	RunE:    runQueueList,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-read queued issues from the tracker and drop closed ones",
	RunE:  runRefresh,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(refreshCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueListCmd)
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	for _, id := range args {
		var res control.QueueAddResult
		if err := call(cmd, control.CmdQueueAdd, control.IssueParams{IssueID: id}, &res); err != nil {
			return err
		}
		switch len(res.Added) {
		case 0:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing new to queue\n", id)
		case 1:
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", res.Added[0])
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d issues from %s: %v\n", len(res.Added), id, res.Added)
		}
	}
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	for _, id := range args {
		if err := call(cmd, control.CmdQueueRemove, control.IssueParams{IssueID: id}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
	}
	return nil
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	var snap orchestrator.Snapshot
	if err := call(cmd, control.CmdSnapshot, nil, &snap); err != nil {
		return err
	}
	printQueue(cmd.OutOrStdout(), snap.Queue)
	return nil
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	var res control.RefreshResult
	if err := call(cmd, control.CmdRefresh, nil, &res); err != nil {
		return err
	}
	if len(res.Removed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is up to date")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dropped closed issues: %v\n", res.Removed)
	return nil
}

func printQueue(w io.Writer, entries []taskqueue.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPHASE\tPRI\tSTATE\tTITLE")
	for _, e := range entries {
		tag := e.Issue.PhaseLabel()
		if tag == "" {
			tag = "-"
		}
		state := string(e.State)
		switch e.State {
		case taskqueue.StateAssigned:
			state += " (" + e.AssignedTo + ")"
		case taskqueue.StateBlocked:
			if e.BlockedReason != "" {
				state += ": " + e.BlockedReason
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.Issue.ID, tag, e.Issue.Priority, state, e.Issue.Title)
	}
	_ = tw.Flush()
}
