package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/device"
	"github.com/zulandar/switchyard/internal/models"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device management commands",
	}

	cmd.AddCommand(newDeviceRegisterCmd())
	cmd.AddCommand(newDeviceListCmd())
	cmd.AddCommand(newDeviceStageCmd())
	cmd.AddCommand(newDeviceDeactivateCmd())
	return cmd
}

func newDeviceRegisterCmd() *cobra.Command {
	var (
		configPath string
		opts       device.RegisterOpts
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a device and print its connection token",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			dev, err := device.Register(gormDB, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Registered device %s (stage %d, daily limit %d)\n", dev.ID, dev.WarmupStage, dev.DailyLimit)
			fmt.Fprintf(out, "Token: %s\n", dev.Token)
			fmt.Fprintf(out, "The token is shown only once.\n")
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "owning user ID (required)")
	cmd.Flags().StringVarP(&opts.Name, "name", "n", "", "display name")
	cmd.Flags().StringVar(&opts.PhoneNumber, "phone", "", "SIM phone number")
	cmd.Flags().IntVar(&opts.WarmupStage, "stage", 1, "warm-up stage (1-4)")
	cmd.Flags().IntVar(&opts.DailyLimit, "limit", 0, "daily limit override (default: stage limit)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newDeviceListCmd() *cobra.Command {
	var configPath, userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			devices, err := device.List(gormDB, userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No devices.")
				return nil
			}
			printDevices(cmd, devices, time.Now())
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&userID, "user", "u", "", "only list this user's devices")
	return cmd
}

func printDevices(cmd *cobra.Command, devices []models.Device, now time.Time) {
	out := cmd.OutOrStdout()
	c := newColorizer(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tNAME\tSTATE\tSTAGE\tTODAY\tBATTERY\tLAST SEEN")
	for _, d := range devices {
		state := c.wrap(colorGray, "offline")
		switch {
		case !d.IsActive:
			state = c.wrap(colorRed, "inactive")
		case d.IsOnline:
			state = c.wrap(colorGreen, "online")
		}
		battery := "-"
		if d.BatteryLevel != nil {
			battery = strconv.Itoa(*d.BatteryLevel) + "%"
			if *d.BatteryLevel < 20 {
				battery = c.wrap(colorYellow, battery)
			}
		}
		seen := "never"
		if d.LastSeen != nil {
			seen = now.Sub(*d.LastSeen).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			d.ID, d.UserID, d.Name, state, d.WarmupStage, d.MessagesSentToday, d.DailyLimit, battery, seen)
	}
	w.Flush()
}

func newDeviceStageCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stage <device-id> <stage>",
		Short: "Move a device to a warm-up stage and reset its daily limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("stage must be a number: %q", args[1])
			}
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			if err := device.SetWarmupStage(gormDB, args[0], stage); err != nil {
				return err
			}
			limit, _ := device.StageLimit(stage)
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s moved to stage %d (daily limit %d)\n", args[0], stage, limit)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newDeviceDeactivateCmd() *cobra.Command {
	var configPath string
	var enable bool

	cmd := &cobra.Command{
		Use:   "deactivate <device-id>",
		Short: "Exclude a device from selection (or re-enable it with --enable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			if err := device.SetActive(gormDB, args[0], enable); err != nil {
				return err
			}
			state := "deactivated"
			if enable {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s %s\n", args[0], state)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&enable, "enable", false, "re-enable the device instead")
	return cmd
}
