package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/allocator"
	"github.com/Utitofon-Udoekong/nexushield/internal/clock"
	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List regions offered by the allocator",
	Args:  cobra.NoArgs,
	RunE:  runRegions,
}

func init() {
	rootCmd.AddCommand(regionsCmd)
}

func runRegions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	client, err := allocator.New(cfg.Allocator, clock.RealClock{}, quietLogger())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	regions, err := client.Regions(ctx)
	if err != nil {
		_, _ = color.New(color.FgRed, color.Bold).Printf("❌ Allocator %s unavailable: %v\n", cfg.Allocator.BaseURL, err)
		return err
	}

	_, _ = color.New(color.FgCyan, color.Bold).Printf("%d region(s) from %s\n", len(regions), cfg.Allocator.BaseURL)
	for _, region := range regions {
		fmt.Printf("  %s\n", region)
	}
	return nil
}
