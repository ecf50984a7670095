package dfu

import (
	"context"
	"fmt"
	"log/slog"
)

// SlotName identifies one of the four fixed update slots a package may
// carry, per spec.md §5.
type SlotName string

const (
	SlotSoftdevice           SlotName = "softdevice"
	SlotBootloader           SlotName = "bootloader"
	SlotSoftdeviceBootloader SlotName = "softdevice_bootloader"
	SlotApplication          SlotName = "application"
)

// slotOrder is the fixed sequence spec.md §5 requires: softdevice and/or
// bootloader (possibly combined) before application.
var slotOrder = []SlotName{
	SlotSoftdevice,
	SlotBootloader,
	SlotSoftdeviceBootloader,
	SlotApplication,
}

// Update is one slot's payload: an init packet (signed manifest) and the
// firmware image it describes.
type Update struct {
	InitPacket []byte
	Firmware   []byte
}

// Package is the read side of an update archive: an ordered set of Updates
// keyed by slot. DfuController only looks at the slots present.
type Package interface {
	Slot(name SlotName) (Update, bool)
}

// DfuController drives one DfuTransport through every present slot of a
// Package, in the fixed order spec.md §5 requires, forwarding progress and
// stopping at the first fatal error.
type DfuController struct {
	transport  *DfuTransport
	onProgress ProgressFunc
}

// NewDfuController builds a controller bound to transport. If onProgress is
// non-nil it receives every ProgressUpdate the transport emits, tagged with
// the slot currently in flight.
func NewDfuController(transport *DfuTransport, onProgress ProgressFunc) *DfuController {
	return &DfuController{transport: transport, onProgress: onProgress}
}

// Abort forwards to the underlying transport.
func (c *DfuController) Abort() {
	c.transport.Abort()
}

// Run sends every slot present in pkg, in spec.md §5's fixed order:
// softdevice, bootloader, softdevice_bootloader, application. It returns on
// the first slot that fails.
func (c *DfuController) Run(ctx context.Context, pkg Package) error {
	for _, slot := range slotOrder {
		update, ok := pkg.Slot(slot)
		if !ok {
			continue
		}
		if err := c.runSlot(ctx, slot, update); err != nil {
			return fmt.Errorf("dfu: slot %s: %w", slot, err)
		}
	}
	return nil
}

func (c *DfuController) runSlot(ctx context.Context, slot SlotName, update Update) error {
	slog.Info("dfu: starting slot", "slot", slot)
	c.transport.SetProgress(c.wrapProgress(slot))
	defer c.transport.SetProgress(nil)

	if _, _, err := c.transport.SendInitPacket(ctx, update.InitPacket); err != nil {
		return fmt.Errorf("send init packet: %w", err)
	}
	if _, _, err := c.transport.SendFirmware(ctx, update.Firmware); err != nil {
		return fmt.Errorf("send firmware: %w", err)
	}
	slog.Info("dfu: slot complete", "slot", slot)
	return nil
}

func (c *DfuController) wrapProgress(slot SlotName) ProgressFunc {
	if c.onProgress == nil {
		return nil
	}
	return func(u ProgressUpdate) {
		u.Stage = string(slot) + ": " + u.Stage
		c.onProgress(u)
	}
}
