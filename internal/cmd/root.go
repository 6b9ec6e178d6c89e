// Package cmd implements the autobuild command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/control"
	"github.com/Iron-Ham/autobuild/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "autobuild",
	Short: "Work an issue backlog with parallel coding agents",
	Long: `Autobuild takes issues from a tracker, queues them by phase tag and
priority, and drives each one through implementation, review, audits,
verification, human review, and commit with a pool of parallel workers.

Start a run with 'autobuild run'. Other commands talk to the running
orchestrator over its control socket.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/autobuild/config.yaml)")
	rootCmd.PersistentFlags().StringP("dir", "C", "", "repository root (default is the current directory)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(filepath.Join(".", ".autobuild"))
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.SetEnvPrefix("AUTOBUILD")
	// AUTOBUILD_SETTINGS_WORKER_COUNT for settings.worker_count
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine; defaults apply
	_ = viper.ReadInConfig()
}

// repoDir returns the repository root the command operates on.
func repoDir() (string, error) {
	if dir := viper.GetString("dir"); dir != "" {
		return filepath.Abs(dir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

// loadConfig returns the validated configuration and repository root.
func loadConfig() (*config.Config, string, error) {
	dir, err := repoDir()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, dir, nil
}

// dial returns a client for the running orchestrator's control socket.
func dial() (*control.Client, *config.Config, string, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, nil, "", err
	}
	return control.NewClient(cfg.Paths.ResolveSocketPath(dir)), cfg, dir, nil
}

// call sends one command to the running orchestrator.
func call(cmd *cobra.Command, command string, params, out any) error {
	client, _, dir, err := dial()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), control.DefaultConnTimeout+5*time.Second)
	defer cancel()
	if err := client.Call(ctx, command, params, out); err != nil {
		if errors.Is(err, control.ErrNotRunning) {
			return fmt.Errorf("no orchestrator is running in %s (start one with 'autobuild run')", dir)
		}
		return errors.New(control.Describe(err))
	}
	return nil
}
