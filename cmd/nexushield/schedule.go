package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	scheduleRegion string
	scheduleStart  string
	scheduleEnd    string
	scheduleDays   []int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring connection windows",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list OWNER",
	Short: "List an owner's schedules",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleList,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create OWNER",
	Short: "Create a schedule for an owner",
	Long: `Create a connection window. Days are 0 (Sunday) to 6 (Saturday); with no
days the schedule runs once at the next window and then deactivates. An end
time at or before the start time makes the window cross midnight.`,
	Example: `  nexushield schedule create --region DE --start 09:00 --end 17:00 --days 1,2,3,4,5 user-42
  nexushield schedule create --region any --start 22:00 --end 02:00 user-42`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleCreate,
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete OWNER ID",
	Short: "Delete one of an owner's schedules",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleDelete,
}

func init() {
	scheduleCreateCmd.Flags().StringVar(&scheduleRegion, "region", "any", "Region code, or \"any\"")
	scheduleCreateCmd.Flags().StringVar(&scheduleStart, "start", "", "Window start time (HH:MM, required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleEnd, "end", "", "Window end time (HH:MM, required)")
	scheduleCreateCmd.Flags().IntSliceVar(&scheduleDays, "days", nil, "Weekdays the window opens on (0=Sunday)")
	_ = scheduleCreateCmd.MarkFlagRequired("start")
	_ = scheduleCreateCmd.MarkFlagRequired("end")

	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		schedules, err := svc.schedules.List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list schedules failed: %w", err)
		}
		if len(schedules) == 0 {
			fmt.Printf("No schedules for %s\n", args[0])
			return nil
		}

		cyan := color.New(color.FgCyan, color.Bold)
		green := color.New(color.FgGreen)
		red := color.New(color.FgRed)

		_, _ = cyan.Printf("%-36s  %-6s  %-11s  %-20s  %-8s  %s\n", "ID", "REGION", "WINDOW", "DAYS", "ACTIVE", "LAST FIRED")
		for _, s := range schedules {
			fmt.Printf("%-36s  %-6s  %-11s  %-20s  ", s.ID, s.Region, s.Start+"-"+s.End, formatDays(s.Weekdays))
			if s.Active {
				_, _ = green.Printf("%-8s", "yes")
			} else {
				_, _ = red.Printf("%-8s", "no")
			}
			fmt.Printf("  %s", formatFiring(s.LastFired))
			if s.LastError != "" {
				_, _ = red.Printf("  (%s)", s.LastError)
			}
			fmt.Println()
		}
		return nil
	})
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		created, err := svc.schedules.Create(ctx, args[0], scheduleRegion, scheduleStart, scheduleEnd, scheduleDays)
		if err != nil {
			return fmt.Errorf("create schedule failed: %w", err)
		}

		_, _ = color.New(color.FgGreen, color.Bold).Printf("✅ Schedule %s created\n", created.ID)
		fmt.Printf("   %s %s-%s on %s\n", created.Region, created.Start, created.End, formatDays(created.Weekdays))
		return nil
	})
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		if err := svc.schedules.Delete(ctx, args[1], args[0]); err != nil {
			return fmt.Errorf("delete schedule failed: %w", err)
		}
		_, _ = color.New(color.FgGreen, color.Bold).Printf("✅ Schedule %s deleted\n", args[1])
		return nil
	})
}

func formatDays(days []time.Weekday) string {
	if len(days) == 0 {
		return "once"
	}
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, d.String()[:3])
	}
	return strings.Join(names, ",")
}

func formatFiring(f storage.Firing) string {
	if f.IsZero() {
		return "never"
	}
	return f.Date + " " + string(f.Edge)
}
