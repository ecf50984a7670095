package dfu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

// DefaultMTUSize is the packet-characteristic write size used when no MTU
// has been negotiated, per spec.md §4.2.
const DefaultMTUSize = 20

// ObjectWriter streams the bytes of one DFU object to the packet
// characteristic, per spec.md §4.2: it chunks by MTU, paces itself against
// PRN notifications when enabled, and tracks a rolling (offset, crc32).
type ObjectWriter struct {
	packetChar gatt.Characteristic
	mtuSize    int
	prn        int
	timeout    time.Duration

	onPacket func(PacketWritten)
	aborted  atomic.Bool

	mu         sync.Mutex
	pendingPRN chan CRCResponse
}

// NewObjectWriter builds a writer bound to the packet characteristic, with
// the default MTU and PRN disabled.
func NewObjectWriter(packetChar gatt.Characteristic) *ObjectWriter {
	return &ObjectWriter{
		packetChar: packetChar,
		mtuSize:    DefaultMTUSize,
		timeout:    DefaultNotificationTimeout,
	}
}

// SetMTU overrides the number of bytes written per packet.
func (w *ObjectWriter) SetMTU(size int) {
	if size > 0 {
		w.mtuSize = size
	}
}

// SetPRN sets the Packet Receipt Notification period. 0 disables PRN.
func (w *ObjectWriter) SetPRN(n int) {
	w.prn = n
}

// SetTimeout overrides the PRN wait timeout.
func (w *ObjectWriter) SetTimeout(d time.Duration) {
	if d > 0 {
		w.timeout = d
	}
}

// OnPacketWritten registers the callback fired after every packet write.
func (w *ObjectWriter) OnPacketWritten(fn func(PacketWritten)) {
	w.onPacket = fn
}

// Abort sets the abort flag; the next packet boundary fails with
// ErrAborted. Sticky until ResetAbort is called.
func (w *ObjectWriter) Abort() {
	w.aborted.Store(true)
}

// ResetAbort clears a previously set abort flag. Called by DfuTransport
// when the transport is reused for a fresh operation.
func (w *ObjectWriter) ResetAbort() {
	w.aborted.Store(false)
}

// IsAborted reports whether Abort has been called since the last
// ResetAbort.
func (w *ObjectWriter) IsAborted() bool {
	return w.aborted.Load()
}

// HandlePRN is wired as the ControlPointService's PRN sink: it decodes a
// CALCULATE_CRC-shaped notification not requested by ControlPointService
// and delivers it to whichever Write call is currently waiting on PRN.
func (w *ObjectWriter) HandlePRN(frame []byte) {
	w.mu.Lock()
	ch := w.pendingPRN
	w.mu.Unlock()
	if ch == nil {
		return
	}
	respOp, result, body, err := decodeResponse(frame)
	if err != nil || respOp != OpCalculateCRC || result != ResultSuccess {
		return
	}
	resp, err := decodeCRCResponse(body)
	if err != nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// armPRN registers the channel a subsequent PRN notification is delivered
// to. Must be called before the packet write that completes the PRN
// interval, since a target may notify synchronously from within that write
// (see HandlePRN).
func (w *ObjectWriter) armPRN() chan CRCResponse {
	ch := make(chan CRCResponse, 1)
	w.mu.Lock()
	w.pendingPRN = ch
	w.mu.Unlock()
	return ch
}

func (w *ObjectWriter) awaitPRN(ctx context.Context, ch chan CRCResponse) (CRCResponse, error) {
	defer func() {
		w.mu.Lock()
		w.pendingPRN = nil
		w.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return CRCResponse{}, ctx.Err()
	case <-time.After(w.timeout):
		return CRCResponse{}, ErrNotificationTimeout
	case resp := <-ch:
		return resp, nil
	}
}

// Write streams data as MTU-sized packets, starting from (offsetIn, crcIn),
// and returns the resulting (offset, crc32) once every packet has been
// accepted and any pending PRN validated. Implements spec.md §4.2's
// algorithm.
func (w *ObjectWriter) Write(ctx context.Context, data []byte, t ObjectType, offsetIn, crcIn uint32) (uint32, uint32, error) {
	offset := offsetIn
	crc := crcIn
	sincePRN := 0

	for len(data) > 0 {
		if w.aborted.Load() {
			return offset, crc, ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return offset, crc, err
		}

		n := w.mtuSize
		if n > len(data) {
			n = len(data)
		}
		packet := data[:n]
		data = data[n:]

		completesPRN := w.prn > 0 && sincePRN+1 == w.prn
		var prnCh chan CRCResponse
		if completesPRN {
			// Arm before writing: a target may deliver the PRN
			// notification synchronously from within Write below.
			prnCh = w.armPRN()
		}

		if err := w.packetChar.Write(packet); err != nil {
			return offset, crc, fmt.Errorf("dfu: write packet: %w", err)
		}

		offset += uint32(n)
		crc = crc32Update(crc, packet)
		if w.onPacket != nil {
			w.onPacket(PacketWritten{Offset: offset, Type: t})
		}

		if completesPRN {
			sincePRN = 0
			resp, err := w.awaitPRN(ctx, prnCh)
			if err != nil {
				return offset, crc, err
			}
			if resp.Offset != offset {
				return offset, crc, ErrInvalidOffset
			}
			if resp.CRC32 != crc {
				return offset, crc, ErrInvalidCRC
			}
		} else if w.prn > 0 {
			sincePRN++
		}
	}

	return offset, crc, nil
}
