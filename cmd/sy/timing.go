package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/schedule"
)

func newTimingCmd() *cobra.Command {
	var configPath, messageType string

	cmd := &cobra.Command{
		Use:   "timing <device-id>",
		Short: "Show a device's best send hours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mt, err := schedule.ParseMessageType(messageType)
			if err != nil {
				return err
			}
			cfg, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			opt := schedule.NewOptimizer(gormDB, schedule.Options{Location: cfg.Location()})
			t, err := opt.CalculateOptimalTiming(cmd.Context(), args[0], mt)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			hours := make([]string, len(t.Hours))
			for i, h := range t.Hours {
				hours[i] = fmt.Sprintf("%02d:00", h)
			}
			fmt.Fprintf(out, "Device %s (%s): %s\n", t.DeviceID, t.MessageType, strings.Join(hours, ", "))
			source := "history"
			if t.UsedDefaults {
				source = "defaults"
			}
			fmt.Fprintf(out, "Confidence %s from %d data points (%s)\n", t.Confidence, t.DataPoints, source)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&messageType, "type", "t", "business", "message type: business, personal, international")
	return cmd
}
