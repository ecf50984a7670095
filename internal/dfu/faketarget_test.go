package dfu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

// fakeTarget simulates just enough of a Nordic Secure DFU bootloader to
// exercise ControlPointService, ObjectWriter, DfuTransport and
// DfuController against: it answers control-point requests, tracks a
// resumable (offset, crc32) per object type, and can be scripted to fail
// CREATE a fixed number of times or space out PRN notifications.
type fakeTarget struct {
	mu sync.Mutex

	control *controlChar
	packet  *packetChar

	maxSize map[ObjectType]uint32

	// executedOffset/executedCRC is the true last-EXECUTEd boundary for
	// each type; CREATE always discards any uncommitted object back to
	// this point. A Command CREATE begins a new update and first resets
	// the progress of both types to zero.
	executedOffset map[ObjectType]uint32
	executedCRC    map[ObjectType]uint32

	// pendingOffset/pendingCRC is what SELECT and CALCULATE_CRC currently
	// report: the executed boundary plus whatever has been written to an
	// open (possibly not yet executed) object since.
	pendingOffset map[ObjectType]uint32
	pendingCRC    map[ObjectType]uint32
	active        ObjectType

	prn      int
	sincePRN int

	failCreateTimes int
}

func newFakeTarget(maxCommand, maxData uint32) *fakeTarget {
	ft := &fakeTarget{
		maxSize:        map[ObjectType]uint32{ObjectCommand: maxCommand, ObjectData: maxData},
		executedOffset: map[ObjectType]uint32{},
		executedCRC:    map[ObjectType]uint32{},
		pendingOffset:  map[ObjectType]uint32{},
		pendingCRC:     map[ObjectType]uint32{},
	}
	ft.control = &controlChar{ft: ft}
	ft.packet = &packetChar{ft: ft}
	return ft
}

// seed pre-populates what SELECT/CALCULATE_CRC currently report for type
// t, as if an object had already been partially (or fully) written in a
// previous session — used to test resume and rollback.
func (ft *fakeTarget) seed(t ObjectType, offset, crc uint32) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.pendingOffset[t] = offset
	ft.pendingCRC[t] = crc
}

// seedExecuted sets the true last-EXECUTEd boundary a fresh CREATE for
// type t discards back to. Independent of seed, which only affects what
// the target currently reports before any CREATE runs.
func (ft *fakeTarget) seedExecuted(t ObjectType, offset, crc uint32) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.executedOffset[t] = offset
	ft.executedCRC[t] = crc
}

// failNextCreates makes the next n CREATE requests fail with
// ResultOperationFailed before succeeding.
func (ft *fakeTarget) failNextCreates(n int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.failCreateTimes = n
}

func (ft *fakeTarget) conn() gatt.Connection {
	return &fakeConn{control: ft.control, packet: ft.packet}
}

func (ft *fakeTarget) handleControlWrite(data []byte) {
	if len(data) == 0 {
		return
	}
	op := Opcode(data[0])
	switch op {
	case OpCreate:
		ft.handleCreate(data)
	case OpSetPRN:
		ft.handleSetPRN(data)
	case OpCalculateCRC:
		ft.handleCalculateCRC()
	case OpExecute:
		ft.handleExecute()
	case OpSelect:
		ft.handleSelect(data)
	}
}

func (ft *fakeTarget) handleCreate(data []byte) {
	t := ObjectType(data[1])

	ft.mu.Lock()
	if ft.failCreateTimes > 0 {
		ft.failCreateTimes--
		ft.mu.Unlock()
		ft.control.notify(responseFrame(OpCreate, ResultOperationFailed, nil))
		return
	}
	ft.active = t
	if t == ObjectCommand {
		for _, typ := range []ObjectType{ObjectCommand, ObjectData} {
			ft.executedOffset[typ], ft.executedCRC[typ] = 0, 0
			ft.pendingOffset[typ], ft.pendingCRC[typ] = 0, 0
		}
	}
	ft.pendingOffset[t] = ft.executedOffset[t]
	ft.pendingCRC[t] = ft.executedCRC[t]
	ft.sincePRN = 0
	ft.mu.Unlock()

	ft.control.notify(responseFrame(OpCreate, ResultSuccess, nil))
}

func (ft *fakeTarget) handleSetPRN(data []byte) {
	value := binary.LittleEndian.Uint16(data[1:3])
	ft.mu.Lock()
	ft.prn = int(value)
	ft.sincePRN = 0
	ft.mu.Unlock()
	ft.control.notify(responseFrame(OpSetPRN, ResultSuccess, nil))
}

func (ft *fakeTarget) handleCalculateCRC() {
	ft.mu.Lock()
	body := crcBody(ft.pendingOffset[ft.active], ft.pendingCRC[ft.active])
	ft.mu.Unlock()
	ft.control.notify(responseFrame(OpCalculateCRC, ResultSuccess, body))
}

func (ft *fakeTarget) handleExecute() {
	ft.mu.Lock()
	t := ft.active
	ft.executedOffset[t] = ft.pendingOffset[t]
	ft.executedCRC[t] = ft.pendingCRC[t]
	ft.mu.Unlock()
	ft.control.notify(responseFrame(OpExecute, ResultSuccess, nil))
}

func (ft *fakeTarget) handleSelect(data []byte) {
	t := ObjectType(data[1])
	ft.mu.Lock()
	ft.active = t
	body := selectBody(ft.maxSize[t], ft.pendingOffset[t], ft.pendingCRC[t])
	ft.mu.Unlock()
	ft.control.notify(responseFrame(OpSelect, ResultSuccess, body))
}

func (ft *fakeTarget) handlePacketWrite(chunk []byte) {
	ft.mu.Lock()
	t := ft.active
	ft.pendingOffset[t] += uint32(len(chunk))
	ft.pendingCRC[t] = crc32Update(ft.pendingCRC[t], chunk)

	notify := false
	var body []byte
	if ft.prn > 0 {
		ft.sincePRN++
		if ft.sincePRN == ft.prn {
			ft.sincePRN = 0
			notify = true
			body = crcBody(ft.pendingOffset[t], ft.pendingCRC[t])
		}
	}
	ft.mu.Unlock()

	if notify {
		ft.control.notify(responseFrame(OpCalculateCRC, ResultSuccess, body))
	}
}

func responseFrame(op Opcode, result ResultCode, body []byte) []byte {
	frame := make([]byte, 3+len(body))
	frame[0] = byte(OpResponse)
	frame[1] = byte(op)
	frame[2] = byte(result)
	copy(frame[3:], body)
	return frame
}

func crcBody(offset, crc uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], offset)
	binary.LittleEndian.PutUint32(buf[4:8], crc)
	return buf
}

func selectBody(maxSize, offset, crc uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], maxSize)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf
}

// controlChar is the control-point characteristic side of fakeTarget: it
// forwards writes to the target and delivers notifications synchronously
// to whichever callback ControlPointService currently has registered.
type controlChar struct {
	ft *fakeTarget

	mu sync.Mutex
	cb func([]byte)
}

func (c *controlChar) Write(data []byte) error {
	c.ft.handleControlWrite(data)
	return nil
}

func (c *controlChar) EnableNotifications(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return nil
}

func (c *controlChar) DisableNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = nil
	return nil
}

func (c *controlChar) notify(frame []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

// packetChar is the packet characteristic side of fakeTarget.
type packetChar struct {
	ft *fakeTarget
}

func (p *packetChar) Write(data []byte) error {
	p.ft.handlePacketWrite(data)
	return nil
}

func (p *packetChar) EnableNotifications(func([]byte)) error { return nil }
func (p *packetChar) DisableNotifications() error { return nil }

// fakeConn is a minimal gatt.Connection exposing exactly the two DFU
// characteristics at their standard UUIDs.
type fakeConn struct {
	control gatt.Characteristic
	packet  gatt.Characteristic
}

func (c *fakeConn) DiscoverCharacteristic(_, charUUID string) (gatt.Characteristic, error) {
	switch charUUID {
	case gatt.ControlPointCharUUID:
		return c.control, nil
	case gatt.PacketCharUUID:
		return c.packet, nil
	default:
		return nil, fmt.Errorf("fakeConn: unknown characteristic %s", charUUID)
	}
}

func (c *fakeConn) RequestMTU(mtu int) (int, error) { return mtu, nil }
func (c *fakeConn) Disconnect() error               { return nil }
func (c *fakeConn) OnDisconnect(func())             {}

var _ gatt.Connection = (*fakeConn)(nil)
