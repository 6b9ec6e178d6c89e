package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/control"
	"github.com/Iron-Ham/autobuild/internal/filelock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Take and release file locks from an agent process",
	Long: `Take and release file locks held in the running orchestrator.

Agents call these before writing a file. The owner defaults to $` + capability.EnvWorkerID + `,
which the orchestrator sets for every agent invocation, and the socket to
$` + capability.EnvLockAddr + `.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <path>",
	Short: "Lock a file, waiting while another worker holds it",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release [path]",
	Short: "Release one lock, or every lock held by the owner with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockRelease,
}

var lockListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List held locks",
	Args:    cobra.NoArgs,
	RunE:    runLockList,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockListCmd)
	lockCmd.PersistentFlags().String("owner", "", "lock owner (default $"+capability.EnvWorkerID+")")
	lockAcquireCmd.Flags().Duration("timeout", 0, "give up after this long (0 waits indefinitely)")
	lockAcquireCmd.Flags().Duration("retry", filelock.DefaultRetryInterval, "retry interval while the file is busy")
	lockReleaseCmd.Flags().Bool("all", false, "release every lock held by the owner")
}

// lockClient prefers the socket handed to agents over the configured one.
func lockClient() (*control.Client, error) {
	if addr := os.Getenv(capability.EnvLockAddr); addr != "" {
		return control.NewClient(addr), nil
	}
	client, _, _, err := dial()
	return client, err
}

func lockOwner(cmd *cobra.Command) (string, error) {
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		owner = os.Getenv(capability.EnvWorkerID)
	}
	if owner == "" {
		return "", fmt.Errorf("no lock owner: pass --owner or set %s", capability.EnvWorkerID)
	}
	return owner, nil
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	owner, err := lockOwner(cmd)
	if err != nil {
		return err
	}
	client, err := lockClient()
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	retry, _ := cmd.Flags().GetDuration("retry")

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	path := args[0]
	err = client.AcquireLock(ctx, path, owner, retry, func(holder string) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s is locked by %s; waiting\n", path, holder)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Locked %s for %s\n", path, owner)
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	owner, err := lockOwner(cmd)
	if err != nil {
		return err
	}
	client, err := lockClient()
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")

	switch {
	case all:
		var res control.ReleaseAllResult
		if err := client.Call(cmd.Context(), control.CmdLockReleaseAll, control.LockParams{Owner: owner}, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released %d lock(s)\n", len(res.Released))
	case len(args) == 1:
		if err := client.Call(cmd.Context(), control.CmdLockRelease, control.LockParams{Path: args[0], Owner: owner}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
	default:
		return fmt.Errorf("give a path or --all")
	}
	return nil
}

func runLockList(cmd *cobra.Command, _ []string) error {
	client, err := lockClient()
	if err != nil {
		return err
	}
	var locks []filelock.Lock
	if err := client.Call(cmd.Context(), control.CmdLockList, nil, &locks); err != nil {
		return err
	}
	if len(locks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No locks held")
		return nil
	}
	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tOWNER\tHELD")
	for _, l := range locks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Path, l.Owner, l.Age(now).Round(time.Second))
	}
	return tw.Flush()
}
