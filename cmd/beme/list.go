package main

import (
	"fmt"
	"text/tabwriter"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/screen"
)

func newMonitorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitors",
		Short: "List monitors that can be observed",
		RunE: func(cmd *cobra.Command, args []string) error {
			monitors, err := screen.NewDisplayCapturer().ListMonitors()
			if err != nil {
				return err
			}
			return printMonitors(cmd, monitors)
		},
	}
}

func printMonitors(cmd *cobra.Command, monitors []screen.Monitor) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tORIGIN\tPRIMARY")
	for _, m := range monitors {
		fmt.Fprintf(w, "%d\t%s\t%dx%d\t%d,%d\t%t\n", m.ID, m.Name, m.Width, m.Height, m.X, m.Y, m.IsPrimary)
	}
	return w.Flush()
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			capture, err := audio.New()
			if err != nil {
				return err
			}
			defer capture.Close()

			devices, err := capture.ListDevices()
			if err != nil {
				return err
			}
			return printDevices(cmd, devices)
		},
	}
}

func printDevices(cmd *cobra.Command, devices []audio.AudioDevice) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDEFAULT")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%t\n", d.Name, d.Default)
	}
	return w.Flush()
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect settings",
	}
	cfgCmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the settings file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), opts.path())
				return err
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print effective settings (file, .env and environment), API key redacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := loadSettings(opts.path())
				if s == nil {
					return err
				}
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
				}
				if s.APIKey != "" {
					s.APIKey = "********"
				}
				out, err := toml.Marshal(s)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
	)
	return cfgCmd
}
