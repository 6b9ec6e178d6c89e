package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/autobuild/internal/control"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a run on the idle orchestrator",
	Args:  cobra.NoArgs,
	RunE:  simpleCommand(control.CmdStart, "Run started"),
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause workers at their next phase boundary",
	Args:  cobra.NoArgs,
	RunE:  simpleCommand(control.CmdPause, "Paused"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused run",
	Args:  cobra.NoArgs,
	RunE:  simpleCommand(control.CmdResume, "Resumed"),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the run; in-flight issues return to the queue",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var skipCmd = &cobra.Command{
	Use:   "skip [worker-id]",
	Short: "Abandon a worker's current issue and requeue it at the front",
	Long: `Abandon the current issue of one worker, or of every worker when no
worker id is given. The issue goes back to the front of the queue and keeps
its saved context; the worker picks something else next.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSkip,
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <issue-id>",
	Short: "Return a blocked issue to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  issueCommand(control.CmdUnblock, "Unblocked %s"),
}

var reviewCmd = &cobra.Command{
	Use:   "review <issue-id>",
	Short: "Approve an issue waiting in human review",
	Args:  cobra.ExactArgs(1),
	RunE:  issueCommand(control.CmdReviewComplete, "Approved %s"),
}

var refactorCmd = &cobra.Command{
	Use:   "refactor <issue-id> <reason>...",
	Short: "Send an issue in human review back to work",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRefactor,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Manage the run log",
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the run log",
	Args:  cobra.NoArgs,
	RunE:  simpleCommand(control.CmdLogsClear, "Log cleared"),
}

func init() {
	rootCmd.AddCommand(startCmd, pauseCmd, resumeCmd, stopCmd, skipCmd,
		unblockCmd, reviewCmd, refactorCmd, logsCmd)
	logsCmd.AddCommand(logsClearCmd)
}

func simpleCommand(command, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := call(cmd, command, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), done)
		return nil
	}
}

func issueCommand(command, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := call(cmd, command, control.IssueParams{IssueID: args[0]}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), done+"\n", args[0])
		return nil
	}
}

func runStop(cmd *cobra.Command, _ []string) error {
	var res control.StopResult
	if err := call(cmd, control.CmdStop, nil, &res); err != nil {
		return err
	}
	if !res.Stopped {
		fmt.Fprintln(cmd.OutOrStdout(), "Stop requested; workers are still finishing their current phase")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
	return nil
}

func runSkip(cmd *cobra.Command, args []string) error {
	var p control.SkipParams
	if len(args) == 1 {
		p.WorkerID = args[0]
	}
	if err := call(cmd, control.CmdSkip, p, nil); err != nil {
		return err
	}
	if p.WorkerID == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Skipped current issues on all workers")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped current issue on %s\n", p.WorkerID)
	}
	return nil
}

func runRefactor(cmd *cobra.Command, args []string) error {
	p := control.RefactorParams{IssueID: args[0], Reason: strings.Join(args[1:], " ")}
	if err := call(cmd, control.CmdReviewRefactor, p, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s back to work\n", p.IssueID)
	return nil
}
