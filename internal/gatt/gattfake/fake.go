// Package gattfake provides an in-memory gatt.Adapter for tests: it records
// writes, lets the test script notifications and disconnects, and never
// touches real BLE hardware.
package gattfake

import (
	"context"
	"fmt"
	"sync"

	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

// Characteristic records writes and lets tests simulate notifications.
type Characteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
}

func NewCharacteristic() *Characteristic {
	return &Characteristic{}
}

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *Characteristic) EnableNotifications(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *Characteristic) DisableNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

// Writes returns a copy of every write recorded so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Notify delivers data to the currently registered subscriber, if any.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Connection simulates a connected BLE peripheral exposing a fixed set of
// characteristics, keyed by "serviceUUID/charUUID".
type Connection struct {
	mu             sync.Mutex
	chars          map[string]*Characteristic
	disconnectCb   func()
	disconnected   bool
	grantedMTU     int
	mtuErr         error
	discoverErrFor map[string]error
}

func NewConnection() *Connection {
	return &Connection{
		chars:      make(map[string]*Characteristic),
		grantedMTU: 23,
	}
}

// WithCharacteristic registers a characteristic for a service/char UUID
// pair and returns the fake connection for chaining.
func (c *Connection) WithCharacteristic(serviceUUID, charUUID string, ch *Characteristic) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chars[key(serviceUUID, charUUID)] = ch
	return c
}

// FailDiscoveryFor makes DiscoverCharacteristic return err for the given pair.
func (c *Connection) FailDiscoveryFor(serviceUUID, charUUID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErrFor == nil {
		c.discoverErrFor = make(map[string]error)
	}
	c.discoverErrFor[key(serviceUUID, charUUID)] = err
}

// SetGrantedMTU controls what RequestMTU reports back.
func (c *Connection) SetGrantedMTU(mtu int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grantedMTU = mtu
	c.mtuErr = err
}

func key(serviceUUID, charUUID string) string {
	return serviceUUID + "/" + charUUID
}

func (c *Connection) DiscoverCharacteristic(serviceUUID, charUUID string) (gatt.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.discoverErrFor[key(serviceUUID, charUUID)]; ok {
		return nil, err
	}
	ch, ok := c.chars[key(serviceUUID, charUUID)]
	if !ok {
		return nil, fmt.Errorf("gattfake: unknown characteristic %s/%s", serviceUUID, charUUID)
	}
	return ch, nil
}

func (c *Connection) RequestMTU(_ int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grantedMTU, c.mtuErr
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect fires the registered disconnect callback, as a real
// adapter would after a link loss.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	c.disconnected = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Connection) IsDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Adapter is a scriptable gatt.Adapter backed by a single connection.
type Adapter struct {
	mu         sync.Mutex
	devices    []gatt.Device
	connection *Connection
	connectErr error
}

// NewAdapter creates a fake adapter that reports devices on Scan and hands
// out conn on Connect.
func NewAdapter(devices []gatt.Device, conn *Connection) *Adapter {
	if conn == nil {
		conn = NewConnection()
	}
	return &Adapter{devices: devices, connection: conn}
}

func (a *Adapter) Enable() error { return nil }

func (a *Adapter) Scan(_ context.Context, _ string) ([]gatt.Device, error) {
	return a.devices, nil
}

// FailConnect makes every later Connect call return err.
func (a *Adapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

func (a *Adapter) Connect(_ context.Context, _ string) (gatt.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return a.connection, nil
}

// LatestConnection returns the connection handed out by Connect.
func (a *Adapter) LatestConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

var (
	_ gatt.Adapter        = (*Adapter)(nil)
	_ gatt.Connection     = (*Connection)(nil)
	_ gatt.Characteristic = (*Characteristic)(nil)
)
