package gatt

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// RealAdapter wraps tinygo.org/x/bluetooth's system adapter. Device
// addresses are whatever the host OS exposes for a peripheral (a MAC
// address on Linux, a CoreBluetooth UUID on macOS); RealAdapter treats
// both as an opaque string.
type RealAdapter struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	connections map[string]*realConnection // keyed by device ID
}

// NewRealAdapter creates a BLE adapter backed by the host's default radio.
func NewRealAdapter() *RealAdapter {
	return &RealAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*realConnection),
	}
}

func (a *RealAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("gatt: enable adapter: %w", err)
	}

	// Fires with connected=false on unexpected link loss; we key connections
	// by device ID so the right OnDisconnect callback runs.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *RealAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("gatt: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		id := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[id] {
			return
		}
		seen[id] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			ID:   id,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("gatt: scan: %w", err)
	}
	return devices, nil
}

func (a *RealAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect keeps running; we just stop waiting on it.
		return nil, fmt.Errorf("gatt: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("gatt: connect to %s: %w", id, result.err)
		}
		conn := &realConnection{device: &result.device}
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

var _ Adapter = (*RealAdapter)(nil)

type realConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *realConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("gatt: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("gatt: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("gatt: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("gatt: characteristic %s not found", charUUID)
	}

	return &realCharacteristic{char: &chars[0]}, nil
}

// RequestMTU asks the peripheral to raise the ATT MTU above the 23-byte
// default, letting the object writer use packets larger than 20 bytes.
func (c *realConnection) RequestMTU(mtu int) (int, error) {
	granted, err := c.device.RequestMTU(mtu)
	if err != nil {
		return 0, fmt.Errorf("gatt: request MTU: %w", err)
	}
	return int(granted), nil
}

func (c *realConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *realConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type realCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *realCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *realCharacteristic) EnableNotifications(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *realCharacteristic) DisableNotifications() error {
	return c.char.EnableNotifications(nil)
}

var _ Characteristic = (*realCharacteristic)(nil)
