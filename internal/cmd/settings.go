package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/control"
	"github.com/Iron-Ham/autobuild/internal/orchestrator"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the running orchestrator's settings",
	Long: `Show the running orchestrator's pipeline settings, or change them with
flags. Changes are only accepted while the orchestrator is idle and last until
it exits; edit the config file to make them permanent.`,
	Args: cobra.NoArgs,
	RunE: runSettings,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	f := settingsCmd.Flags()
	f.Bool("lint", false, "run the lint step")
	f.Bool("test", false, "run the test step")
	f.Bool("build", false, "run the build step")
	f.Int("max-retries", 0, "fix attempts per issue before it is blocked")
	f.Bool("human-review", false, "wait for human approval before commit")
	f.Bool("auto-commit", false, "commit each finished issue")
	f.Bool("feature-branches", false, "commit to one branch per epic")
	f.Bool("auto-pr", false, "open a pull request when an epic finishes")
	f.Int("priority-threshold", 0, "highest priority number a worker will take")
	f.Int("workers", 0, "number of parallel workers")
	f.Bool("audit-security", false, "run the security audit")
	f.Bool("audit-performance", false, "run the performance audit")
	f.Bool("audit-quality", false, "run the quality audit")
	f.Bool("audit-accessibility", false, "run the accessibility audit on UI files")
}

// patchFromFlags sets a patch field for every flag given on the command line.
func patchFromFlags(f *pflag.FlagSet) orchestrator.SettingsPatch {
	var p orchestrator.SettingsPatch
	boolFlag := func(name string, dst **bool) {
		if f.Changed(name) {
			v, _ := f.GetBool(name)
			*dst = &v
		}
	}
	intFlag := func(name string, dst **int) {
		if f.Changed(name) {
			v, _ := f.GetInt(name)
			*dst = &v
		}
	}
	boolFlag("lint", &p.Lint)
	boolFlag("test", &p.Test)
	boolFlag("build", &p.Build)
	intFlag("max-retries", &p.MaxRetries)
	boolFlag("human-review", &p.RequireHumanReview)
	boolFlag("auto-commit", &p.AutoCommit)
	boolFlag("feature-branches", &p.UseFeatureBranches)
	boolFlag("auto-pr", &p.AutoCreatePR)
	intFlag("priority-threshold", &p.PriorityThreshold)
	intFlag("workers", &p.WorkerCount)
	boolFlag("audit-security", &p.AuditSecurity)
	boolFlag("audit-performance", &p.AuditPerformance)
	boolFlag("audit-quality", &p.AuditQuality)
	boolFlag("audit-accessibility", &p.AuditAccessibility)
	return p
}

func runSettings(cmd *cobra.Command, _ []string) error {
	patch := patchFromFlags(cmd.Flags())

	var settings config.Settings
	if patch.Empty() {
		var snap orchestrator.Snapshot
		if err := call(cmd, control.CmdSnapshot, nil, &snap); err != nil {
			return err
		}
		settings = snap.Settings
	} else if err := call(cmd, control.CmdSettingsUpdate, patch, &settings); err != nil {
		return err
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
