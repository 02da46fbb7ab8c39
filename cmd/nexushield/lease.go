package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/allocator"
	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/Utitofon-Udoekong/nexushield/internal/lifecycle"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	leaseRegion  string
	leaseMinutes int
	leaseLimit   int
	leaseShowCfg bool
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Inspect and manage leases",
	Long:  `Connect, disconnect, renew and inspect owner leases directly against the configured store and allocator.`,
}

var leaseConnectCmd = &cobra.Command{
	Use:     "connect OWNER",
	Short:   "Allocate a new lease for an owner",
	Example: `  nexushield lease connect --region DE --minutes 30 user-42`,
	Args:    cobra.ExactArgs(1),
	RunE:    runLeaseConnect,
}

var leaseDisconnectCmd = &cobra.Command{
	Use:   "disconnect OWNER",
	Short: "Revoke an owner's live lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeaseDisconnect,
}

var leaseStatusCmd = &cobra.Command{
	Use:   "status OWNER",
	Short: "Show an owner's live lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeaseStatus,
}

var leaseRenewCmd = &cobra.Command{
	Use:   "renew OWNER",
	Short: "Replace an owner's lease with a fresh one in the same region",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeaseRenew,
}

var leaseReconcileCmd = &cobra.Command{
	Use:   "reconcile [OWNER]",
	Short: "Bring leases in line with the clock",
	Long:  `Reconcile one owner, or sweep every lease that is expiring or overdue when no owner is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLeaseReconcile,
}

var leaseHistoryCmd = &cobra.Command{
	Use:   "history OWNER",
	Short: "List an owner's past leases",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeaseHistory,
}

func init() {
	leaseConnectCmd.Flags().StringVar(&leaseRegion, "region", allocator.AnyRegion, "Region code, or \"any\"")
	leaseConnectCmd.Flags().IntVar(&leaseMinutes, "minutes", 0, "Lease duration in minutes (default from allocator.default_lease_minutes)")
	leaseConnectCmd.Flags().BoolVar(&leaseShowCfg, "show-config", false, "Print the WireGuard peer configuration")
	leaseRenewCmd.Flags().IntVar(&leaseMinutes, "minutes", 0, "Lease duration in minutes (default from allocator.default_lease_minutes)")
	leaseRenewCmd.Flags().BoolVar(&leaseShowCfg, "show-config", false, "Print the WireGuard peer configuration")
	leaseHistoryCmd.Flags().IntVar(&leaseLimit, "limit", 20, "Maximum number of leases to list")

	leaseCmd.AddCommand(leaseConnectCmd)
	leaseCmd.AddCommand(leaseDisconnectCmd)
	leaseCmd.AddCommand(leaseStatusCmd)
	leaseCmd.AddCommand(leaseRenewCmd)
	leaseCmd.AddCommand(leaseReconcileCmd)
	leaseCmd.AddCommand(leaseHistoryCmd)
	rootCmd.AddCommand(leaseCmd)
}

// withServices loads configuration and runs fn against freshly opened services.
func withServices(fn func(ctx context.Context, svc *services) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	svc, err := openServices(ctx, cfg, quietLogger())
	if err != nil {
		return err
	}
	defer svc.Close()

	return fn(ctx, svc)
}

func runLeaseConnect(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		lease, err := svc.manager.Connect(ctx, args[0], leaseRegion, leaseMinutes)
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		printLease("LEASE CONNECTED", lease, leaseShowCfg)
		return nil
	})
}

func runLeaseDisconnect(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		err := svc.manager.Disconnect(ctx, args[0])
		if errors.Is(err, lifecycle.ErrNotConnected) {
			_, _ = color.New(color.FgYellow).Printf("%s is not connected\n", args[0])
			return nil
		}
		if err != nil {
			return fmt.Errorf("disconnect failed: %w", err)
		}
		_, _ = color.New(color.FgGreen, color.Bold).Printf("✅ %s disconnected\n", args[0])
		return nil
	})
}

func runLeaseStatus(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		lease, err := svc.manager.GetStatus(ctx, args[0])
		if errors.Is(err, lifecycle.ErrNotConnected) {
			_, _ = color.New(color.FgYellow).Printf("%s is not connected\n", args[0])
			return nil
		}
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		printLease("LEASE STATUS", lease, false)
		return nil
	})
}

func runLeaseRenew(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		lease, err := svc.manager.Renew(ctx, args[0], leaseMinutes)
		if err != nil {
			return fmt.Errorf("renew failed: %w", err)
		}
		printLease("LEASE RENEWED", lease, leaseShowCfg)
		return nil
	})
}

func runLeaseReconcile(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		green := color.New(color.FgGreen, color.Bold)

		if len(args) == 1 {
			if err := svc.manager.Reconcile(ctx, args[0]); err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}
			_, _ = green.Printf("✅ %s reconciled\n", args[0])
			return nil
		}

		n, err := svc.manager.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		_, _ = green.Printf("✅ Swept %d lease(s)\n", n)
		return nil
	})
}

func runLeaseHistory(cmd *cobra.Command, args []string) error {
	return withServices(func(ctx context.Context, svc *services) error {
		leases, err := svc.manager.History(ctx, args[0], leaseLimit)
		if err != nil {
			return fmt.Errorf("history failed: %w", err)
		}
		if len(leases) == 0 {
			fmt.Printf("No leases for %s\n", args[0])
			return nil
		}

		cyan := color.New(color.FgCyan, color.Bold)
		_, _ = cyan.Printf("%-36s  %-6s  %-9s  %-20s  %-20s\n", "ID", "REGION", "STATE", "CREATED", "EXPIRES")
		for _, lease := range leases {
			fmt.Printf("%-36s  %-6s  ", lease.ID, lease.Region)
			_, _ = stateColor(lease.State).Printf("%-9s", lease.State)
			fmt.Printf("  %-20s  %-20s\n",
				lease.CreatedAt.Local().Format(time.DateTime),
				lease.ExpiresAt.Local().Format(time.DateTime))
		}
		return nil
	})
}

// printLease prints one lease with colors
func printLease(title string, lease *storage.Lease, showConfig bool) {
	cyan := color.New(color.FgCyan, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println(title)
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Owner:      %s\n", lease.Owner)
	fmt.Printf("Lease ID:   %s\n", lease.ID)
	fmt.Printf("Region:     %s\n", lease.Region)
	fmt.Print("State:      ")
	_, _ = stateColor(lease.State).Println(lease.State)
	fmt.Printf("Created:    %s\n", lease.CreatedAt.Local().Format(time.RFC1123))
	fmt.Printf("Expires:    %s (in %s)\n",
		lease.ExpiresAt.Local().Format(time.RFC1123),
		lease.Remaining(time.Now()).Round(time.Second))

	if showConfig && lease.PeerMaterial != "" {
		fmt.Println()
		_, _ = cyan.Println("Peer configuration:")
		fmt.Println(lease.PeerMaterial)
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func stateColor(state storage.LeaseState) *color.Color {
	switch state {
	case storage.StateActive:
		return color.New(color.FgGreen, color.Bold)
	case storage.StateExpiring, storage.StatePending:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed)
	}
}
