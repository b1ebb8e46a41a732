package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/health"
	"github.com/zulandar/switchyard/internal/logging"
)

func newHealthCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		heal       bool
	)

	cmd := &cobra.Command{
		Use:   "health [device-id]",
		Short: "Show a device's health report, or a user's fleet summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && userID == "" {
				return fmt.Errorf("pass a device id or --user")
			}
			cfg, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			defer log.Sync()
			scorer := health.NewScorer(gormDB, health.Options{Logger: log})
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				r, err := scorer.ComputeHealthScore(ctx, args[0])
				if err != nil {
					return err
				}
				printReport(cmd, r)
				if heal {
					res, err := scorer.AutoHeal(ctx, args[0])
					if err != nil {
						return err
					}
					if !res.Acted() {
						fmt.Fprintln(out, "Auto-heal: nothing to do")
					}
					if res.Restart != nil {
						fmt.Fprintf(out, "Auto-heal: queued RESTART (command %d)\n", *res.Restart)
					}
					if res.Sync != nil {
						fmt.Fprintf(out, "Auto-heal: queued SYNC_STATUS (command %d)\n", *res.Sync)
					}
				}
				return nil
			}

			s, err := scorer.GetHealthSummary(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "User %s: %d devices, average score %.1f, %d critical, %d offline\n",
				s.UserID, s.DeviceCount, s.AverageScore, s.Critical, s.Offline)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tSCORE\tSTATUS")
			c := newColorizer(out)
			for _, r := range s.Devices {
				fmt.Fprintf(w, "%s\t%d\t%s\n", r.DeviceID, r.Score, c.wrap(statusColor(r.Status), string(r.Status)))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&userID, "user", "u", "", "show the fleet summary for this user")
	cmd.Flags().BoolVar(&heal, "heal", false, "enqueue corrective commands for the device")
	return cmd
}

func statusColor(s health.Status) string {
	switch s {
	case health.StatusExcellent, health.StatusGood:
		return colorGreen
	case health.StatusFair, health.StatusPoor:
		return colorYellow
	default:
		return colorRed
	}
}

func printReport(cmd *cobra.Command, r health.Report) {
	out := cmd.OutOrStdout()
	c := newColorizer(out)
	fmt.Fprintf(out, "Device %s: score %d (%s)\n", r.DeviceID, r.Score, c.wrap(statusColor(r.Status), string(r.Status)))
	fmt.Fprintf(out, "  failure rate:     %.1f%%\n", r.FailureRate*100)
	fmt.Fprintf(out, "  avg response:     %.1fs\n", r.AvgResponseSec)
	fmt.Fprintf(out, "  consecutive fail: %d\n", r.ConsecutiveFailures)
	if r.BatteryLevel != nil {
		fmt.Fprintf(out, "  battery:          %d%%\n", *r.BatteryLevel)
	}
	fmt.Fprintf(out, "  online:           %t\n", r.IsOnline)
	for _, rec := range r.Recommendations {
		fmt.Fprintf(out, "  - %s\n", rec)
	}
}
