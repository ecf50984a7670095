package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for devices advertising the Secure DFU service",
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	adapter := gatt.NewRealAdapter()
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	timeout := time.Duration(cfg.Adapter.ScanTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, gatt.DFUServiceUUID)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("no DFU targets found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s  %s  rssi=%d\n", d.ID, d.Name, d.RSSI)
	}
	return nil
}
