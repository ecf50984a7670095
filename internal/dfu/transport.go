package dfu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

type transportState int

const (
	stateClosed transportState = iota
	stateOpen
)

// DfuTransport executes the DFU protocol for one payload of a given object
// type on one connected device, per spec.md §4.3. It owns an ObjectWriter
// and a ControlPointService, lazily opening them on first use and
// returning to Closed on Close.
type DfuTransport struct {
	conn        gatt.Connection
	serviceUUID string
	controlUUID string
	packetUUID  string

	mtuSize     int
	prn         int
	maxAttempts int
	timeout     time.Duration
	onProgress  ProgressFunc

	mu     sync.Mutex
	state  transportState
	cp     *ControlPointService
	writer *ObjectWriter
}

// Option configures a DfuTransport at construction time.
type Option func(*DfuTransport)

// WithProgress registers the callback that receives ProgressUpdate events.
func WithProgress(fn ProgressFunc) Option {
	return func(t *DfuTransport) { t.onProgress = fn }
}

// WithMaxAttempts overrides the retry budget for create-and-write (default 3).
func WithMaxAttempts(n int) Option {
	return func(t *DfuTransport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithNotificationTimeout overrides the control-point and PRN wait timeout.
func WithNotificationTimeout(d time.Duration) Option {
	return func(t *DfuTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithServiceUUID overrides the GATT service UUID (default the Nordic
// Secure DFU service).
func WithServiceUUID(uuid string) Option {
	return func(t *DfuTransport) { t.serviceUUID = uuid }
}

// WithCharacteristics overrides the control-point and packet characteristic
// UUIDs (default the Nordic Secure DFU ones).
func WithCharacteristics(controlUUID, packetUUID string) Option {
	return func(t *DfuTransport) {
		t.controlUUID = controlUUID
		t.packetUUID = packetUUID
	}
}

// NewDfuTransport builds a transport bound to conn. It starts Closed; the
// first call that needs notifications (SetPRN, SendInitPacket,
// SendFirmware) opens it.
func NewDfuTransport(conn gatt.Connection, opts ...Option) *DfuTransport {
	t := &DfuTransport{
		conn:        conn,
		serviceUUID: gatt.DFUServiceUUID,
		controlUUID: gatt.ControlPointCharUUID,
		packetUUID:  gatt.PacketCharUUID,
		mtuSize:     DefaultMTUSize,
		maxAttempts: 3,
		timeout:     DefaultNotificationTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *DfuTransport) open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateOpen {
		return nil
	}

	cpChar, err := t.conn.DiscoverCharacteristic(t.serviceUUID, t.controlUUID)
	if err != nil {
		return fmt.Errorf("dfu: discover control-point characteristic: %w", err)
	}
	pktChar, err := t.conn.DiscoverCharacteristic(t.serviceUUID, t.packetUUID)
	if err != nil {
		return fmt.Errorf("dfu: discover packet characteristic: %w", err)
	}

	cp := NewControlPointService(cpChar)
	cp.SetTimeout(t.timeout)

	writer := NewObjectWriter(pktChar)
	writer.SetMTU(t.mtuSize)
	writer.SetPRN(t.prn)
	writer.SetTimeout(t.timeout)
	cp.SetPRNSink(writer.HandlePRN)

	if err := cp.Start(); err != nil {
		return err
	}

	t.cp = cp
	t.writer = writer
	t.state = stateOpen
	return nil
}

// SetPRN opens the transport if needed and sets the PRN period both on the
// target and on the local writer.
func (t *DfuTransport) SetPRN(ctx context.Context, n int) error {
	if err := t.open(ctx); err != nil {
		return err
	}
	if err := t.cp.SetPRN(ctx, uint16(n)); err != nil {
		return err
	}
	t.prn = n
	t.writer.SetPRN(n)
	return nil
}

// SetMTU configures the writer's packet size. Purely local; does not touch
// the target.
func (t *DfuTransport) SetMTU(size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mtuSize = size
	if t.writer != nil {
		t.writer.SetMTU(size)
	}
}

// Abort sets the abort flag on the writer. The next packet boundary raises
// ErrAborted. A no-op if the transport has never been opened.
func (t *DfuTransport) Abort() {
	t.mu.Lock()
	w := t.writer
	t.mu.Unlock()
	if w != nil {
		w.Abort()
	}
}

// Close stops control-point notifications and returns the transport to
// Closed. Idempotent.
func (t *DfuTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return nil
	}
	err := t.cp.Stop()
	t.state = stateClosed
	return err
}

// SetProgress replaces the progress callback. Safe to call between
// operations, e.g. by DfuController to tag events with the slot in flight.
func (t *DfuTransport) SetProgress(fn ProgressFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onProgress = fn
}

func (t *DfuTransport) emitProgress(stage string, offset uint32) {
	t.mu.Lock()
	fn := t.onProgress
	t.mu.Unlock()
	if fn != nil {
		fn(ProgressUpdate{Stage: stage, Offset: offset})
	}
}

// SendInitPacket runs the Command flow of spec.md §4.3: select the current
// Command object state, resume it if the target's reported CRC matches, or
// create and write a fresh one.
func (t *DfuTransport) SendInitPacket(ctx context.Context, initPacket []byte) (uint32, uint32, error) {
	if err := t.open(ctx); err != nil {
		return 0, 0, err
	}
	t.writer.ResetAbort()

	sel, err := t.cp.Select(ctx, ObjectCommand)
	if err != nil {
		return 0, 0, err
	}

	if uint32(len(initPacket)) > sel.MaximumSize {
		return 0, 0, ErrInitPacketTooLarge
	}

	if sel.Offset > 0 && sel.Offset <= uint32(len(initPacket)) &&
		sel.CRC32 == crc32Whole(initPacket[:sel.Offset]) {
		t.emitProgress(resumingStage(ObjectCommand), sel.Offset)
		return t.writeObject(ctx, initPacket[sel.Offset:], ObjectCommand, sel.Offset, sel.CRC32)
	}

	t.emitProgress(initializingStage(ObjectCommand), 0)
	return t.createAndWrite(ctx, ObjectCommand, initPacket, 0, 0)
}

// SendFirmware runs the Data flow of spec.md §4.3: compute the resumable
// firmware state, then create-and-write each remaining max_size-sized
// object in sequence.
func (t *DfuTransport) SendFirmware(ctx context.Context, firmware []byte) (uint32, uint32, error) {
	if err := t.open(ctx); err != nil {
		return 0, 0, err
	}
	t.writer.ResetAbort()

	sel, err := t.cp.Select(ctx, ObjectData)
	if err != nil {
		return 0, 0, err
	}
	if sel.MaximumSize == 0 {
		return 0, 0, fmt.Errorf("dfu: target reported zero maximum object size for firmware")
	}

	startOffset, startCRC, partial := firmwareResumeState(firmware, sel)

	var offset, crc uint32
	if len(partial) > 0 {
		t.emitProgress(resumingStage(ObjectData), startOffset)
		offset, crc, err = t.writeObject(ctx, partial, ObjectData, startOffset, startCRC)
		if err != nil {
			return offset, crc, err
		}
	} else {
		offset, crc = startOffset, startCRC
		if offset == 0 {
			t.emitProgress(initializingStage(ObjectData), 0)
		}
	}

	remaining := firmware[startOffset+uint32(len(partial)):]
	for _, obj := range splitObjects(remaining, sel.MaximumSize) {
		offset, crc, err = t.createAndWrite(ctx, ObjectData, obj, offset, crc)
		if err != nil {
			return offset, crc, err
		}
	}

	return offset, crc, nil
}

// firmwareResumeState implements the "compute firmware state" algorithm of
// spec.md §4.3 step 2: it decides whether a partially-written object can
// be resumed, or must be rolled back to its last committed boundary.
func firmwareResumeState(firmware []byte, sel SelectResponse) (startOffset, startCRC uint32, partial []byte) {
	offset := sel.Offset
	maxSize := sel.MaximumSize
	remainder := offset % maxSize

	if offset != 0 && offset != uint32(len(firmware)) && remainder != 0 {
		end := offset + maxSize - remainder
		if end > uint32(len(firmware)) {
			end = uint32(len(firmware))
		}
		partial = firmware[offset:end]
	}

	if len(partial) > 0 && sel.CRC32 != crc32Whole(firmware[:offset]) {
		// Cannot resume the currently open object: roll back to the last
		// object boundary and re-create it from scratch. Computed from
		// remainder directly, not from len(partial), which may be
		// shortened by the end-of-firmware clamp above for a short final
		// object.
		startOffset = offset - remainder
		startCRC = crc32Whole(firmware[:startOffset])
		partial = nil
	} else {
		startOffset = offset
		startCRC = sel.CRC32
	}
	return startOffset, startCRC, partial
}

// splitObjects partitions data into chunks of at most maxSize bytes, per
// spec.md §3's Object invariant.
func splitObjects(data []byte, maxSize uint32) [][]byte {
	if maxSize == 0 {
		return nil
	}
	var out [][]byte
	for uint32(len(data)) > 0 {
		n := maxSize
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// createAndWrite implements spec.md §4.3's "Create-and-write with retry":
// CREATE followed by the write-object procedure, attempted at most
// t.maxAttempts times in all, and not attempted again after a failure that
// is ABORTED or a notification timeout.
func (t *DfuTransport) createAndWrite(ctx context.Context, typ ObjectType, bytes []byte, offsetIn, crcIn uint32) (uint32, uint32, error) {
	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if err := t.cp.Create(ctx, typ, uint32(len(bytes))); err != nil {
			lastErr = err
			if !IsRetriable(err) {
				return offsetIn, crcIn, err
			}
			slog.Warn("dfu: CREATE failed, retrying", "type", typ, "attempt", attempt, "error", err)
			continue
		}

		t.emitProgress(transferringStage(typ), offsetIn)
		offset, crc, err := t.writeObject(ctx, bytes, typ, offsetIn, crcIn)
		if err == nil {
			return offset, crc, nil
		}
		lastErr = err
		if !IsRetriable(err) {
			return offset, crc, err
		}
		slog.Warn("dfu: object write failed, retrying", "type", typ, "attempt", attempt, "error", err)
	}
	return offsetIn, crcIn, lastErr
}

// writeObject implements the shared "Write-object procedure" of spec.md
// §4.3: stream bytes, validate the resulting CRC against the target, then
// execute.
func (t *DfuTransport) writeObject(ctx context.Context, bytes []byte, typ ObjectType, offsetIn, crcIn uint32) (uint32, uint32, error) {
	offset, crc, err := t.writer.Write(ctx, bytes, typ, offsetIn, crcIn)
	if err != nil {
		return offset, crc, err
	}

	resp, err := t.cp.CalculateCRC(ctx)
	if err != nil {
		return offset, crc, err
	}
	if resp.Offset != offset {
		return offset, crc, ErrInvalidOffset
	}
	if resp.CRC32 != crc {
		return offset, crc, ErrInvalidCRC
	}

	if err := t.cp.Execute(ctx); err != nil {
		return offset, crc, err
	}

	return offset, crc, nil
}
