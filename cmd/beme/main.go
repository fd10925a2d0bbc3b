package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petems/beme/internal/config"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

type rootOptions struct {
	settingsPath string
}

func (o *rootOptions) path() string {
	if o.settingsPath != "" {
		return o.settingsPath
	}
	return config.Path()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	runOpts := &runOptions{}

	root := &cobra.Command{
		Use:           "beme",
		Short:         "Next-best-action suggestions from what is on your screen and what you hear",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, opts, runOpts)
		},
	}
	root.PersistentFlags().StringVar(&opts.settingsPath, "config", "", "settings file (default: per-user config dir)")
	addRunFlags(root, runOpts)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tray app (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, opts, runOpts)
		},
	}
	addRunFlags(runCmd, runOpts)

	root.AddCommand(runCmd, newMonitorsCmd(), newDevicesCmd(), newConfigCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
