package main

import (
	"fmt"

	"github.com/code-100-precent/carevoice/pkg/audio"
	"github.com/code-100-precent/carevoice/pkg/logger"
	"github.com/spf13/cobra"
)

func newDevicesCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := audio.NewMalgoSystem(logger.L())
			if err != nil {
				return err
			}
			defer sys.Close()

			capture, err := sys.CaptureDevices()
			if err != nil {
				return err
			}
			playback, err := sys.PlaybackDevices()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string][]audio.DeviceInfo{
					"capture":  capture,
					"playback": playback,
				})
			}
			out := cmd.OutOrStdout()
			for _, group := range []struct {
				title   string
				devices []audio.DeviceInfo
			}{{"Capture", capture}, {"Playback", playback}} {
				fmt.Fprintf(out, "%s devices:\n", group.title)
				if len(group.devices) == 0 {
					fmt.Fprintln(out, "  (none)")
				}
				for _, d := range group.devices {
					mark := " "
					if d.Default {
						mark = "*"
					}
					fmt.Fprintf(out, " %s %d: %s\n", mark, d.Index, d.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
