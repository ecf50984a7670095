package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nordicsemi/go-secure-dfu/internal/dfu"
	"github.com/nordicsemi/go-secure-dfu/internal/dfu/dfupkg"
	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

var updateDeviceID string

var updateCmd = &cobra.Command{
	Use:   "update <package.zip>",
	Short: "Push an update package to a connected DFU target",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

func init() {
	updateCmd.Flags().StringVarP(&updateDeviceID, "device", "d", "", "target device ID (address or CoreBluetooth UUID); scans and picks the first match if omitted")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	pkg, err := dfupkg.Open(args[0])
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}

	adapter := gatt.NewRealAdapter()
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	deviceID := updateDeviceID
	if deviceID == "" {
		scanCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Adapter.ScanTimeoutSeconds)*time.Second)
		devices, err := adapter.Scan(scanCtx, gatt.DFUServiceUUID)
		cancel()
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if len(devices) == 0 {
			return fmt.Errorf("no DFU targets found")
		}
		deviceID = devices[0].ID
		fmt.Printf("connecting to %s (%s)\n", devices[0].Name, deviceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nabort requested, finishing current packet...")
		cancel()
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, time.Duration(cfg.Adapter.ConnectTimeoutSeconds)*time.Second)
	conn, err := adapter.Connect(connectCtx, deviceID)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Disconnect()

	packetSize, err := negotiateMTU(conn, cfg.Transfer.MTU)
	if err != nil {
		return fmt.Errorf("negotiate MTU: %w", err)
	}

	transport := dfu.NewDfuTransport(conn,
		dfu.WithMaxAttempts(cfg.Transfer.MaxAttempts),
		dfu.WithNotificationTimeout(time.Duration(cfg.Transfer.NotificationTimeoutSecs)*time.Second),
	)
	transport.SetMTU(packetSize)
	defer transport.Close()

	if cfg.Transfer.PRNInterval > 0 {
		if err := transport.SetPRN(ctx, cfg.Transfer.PRNInterval); err != nil {
			return fmt.Errorf("set PRN: %w", err)
		}
	}

	controller := dfu.NewDfuController(transport, printProgress)
	if err := controller.Run(ctx, pkg); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	fmt.Println("update complete")
	return nil
}

// attHeaderOverhead is the ATT write-command header (opcode + handle)
// subtracted from a negotiated ATT MTU to get the usable packet payload
// size (the default ATT MTU of 23 leaves 20-byte packets).
const attHeaderOverhead = 3

// negotiateMTU asks the peripheral for an ATT MTU large enough to carry
// wantPacketSize-byte packet writes, then returns the packet size the
// granted MTU actually allows. The granted MTU may be smaller than
// requested, in which case the writer must be clamped down to match.
func negotiateMTU(conn gatt.Connection, wantPacketSize int) (int, error) {
	granted, err := conn.RequestMTU(wantPacketSize + attHeaderOverhead)
	if err != nil {
		return 0, err
	}
	packetSize := granted - attHeaderOverhead
	if packetSize > wantPacketSize {
		packetSize = wantPacketSize
	}
	if packetSize <= 0 {
		return 0, fmt.Errorf("peripheral granted an MTU too small for any packet payload: %d", granted)
	}
	return packetSize, nil
}

func printProgress(u dfu.ProgressUpdate) {
	fmt.Printf("%-60s offset=%d\n", u.Stage, u.Offset)
}
