package dfu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

// DefaultNotificationTimeout is how long a control-point request waits for
// its matching RESPONSE before failing with ErrNotificationTimeout.
const DefaultNotificationTimeout = 20 * time.Second

// ControlPointService serializes control-point requests to the target and
// pairs each with its RESPONSE notification. It is a single-outstanding-
// request engine per spec.md §4.1: none of its request methods (Create,
// SetPRN, CalculateCRC, Execute, Select) may be called until the previous
// request call has returned.
//
// PRN notifications are CALCULATE_CRC-shaped but never requested by this
// service; ControlPointService only arms its pending slot while a request
// it issued is in flight, and forwards anything that arrives outside that
// window to prnSink so ObjectWriter can consume it instead.
type ControlPointService struct {
	char    gatt.Characteristic
	timeout time.Duration

	mu      sync.Mutex
	pending chan []byte // armed only while a request is outstanding
	armedOp Opcode

	prnSink func([]byte)
}

// NewControlPointService builds a service bound to the control-point
// characteristic. char must already be discovered by the caller.
func NewControlPointService(char gatt.Characteristic) *ControlPointService {
	return &ControlPointService{
		char:    char,
		timeout: DefaultNotificationTimeout,
	}
}

// SetTimeout overrides the default per-request notification timeout.
func (s *ControlPointService) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// SetPRNSink registers the callback that receives notifications arriving
// while no control-point request is pending — i.e. PRN notifications.
func (s *ControlPointService) SetPRNSink(sink func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prnSink = sink
}

// Start subscribes to control-point notifications, routing them to
// HandleNotification. Must be called before any request.
func (s *ControlPointService) Start() error {
	if err := s.char.EnableNotifications(s.HandleNotification); err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationStart, err)
	}
	return nil
}

// Stop disables control-point notifications. Idempotent.
func (s *ControlPointService) Stop() error {
	if err := s.char.DisableNotifications(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationStop, err)
	}
	return nil
}

// HandleNotification demultiplexes an incoming control-point notification:
// if a request is pending it is delivered there, otherwise it is routed to
// the PRN sink. Notifications that match neither are discarded, per
// spec.md §4.1.
func (s *ControlPointService) HandleNotification(data []byte) {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	if pending != nil {
		select {
		case pending <- data:
		default:
			// A response already arrived for this request (shouldn't
			// happen with a well-behaved target); drop the duplicate.
		}
		return
	}

	s.mu.Lock()
	sink := s.prnSink
	s.mu.Unlock()
	if sink != nil {
		sink(data)
	} else {
		slog.Debug("dfu: discarding unmatched control-point notification", "bytes", len(data))
	}
}

// do arms the pending slot, writes req, waits for the matching RESPONSE,
// validates its result code, and returns the response body.
func (s *ControlPointService) do(ctx context.Context, op Opcode, req []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	s.mu.Lock()
	s.pending = ch
	s.armedOp = op
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	if err := s.char.Write(req); err != nil {
		return nil, fmt.Errorf("dfu: write %s request: %w", op, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.timeout):
		return nil, ErrNotificationTimeout
	case frame := <-ch:
		respOp, result, body, err := decodeResponse(frame)
		if err != nil {
			return nil, err
		}
		if respOp != op {
			return nil, fmt.Errorf("dfu: response opcode %s does not match pending request %s", respOp, op)
		}
		if result != ResultSuccess {
			return nil, &TargetError{Opcode: op, Result: result}
		}
		return body, nil
	}
}

// Create issues CREATE for an object of the given type and size.
func (s *ControlPointService) Create(ctx context.Context, t ObjectType, size uint32) error {
	_, err := s.do(ctx, OpCreate, encodeCreate(t, size))
	return err
}

// SetPRN configures the PRN interval on the target. 0 disables PRN.
func (s *ControlPointService) SetPRN(ctx context.Context, value uint16) error {
	_, err := s.do(ctx, OpSetPRN, encodeSetPRN(value))
	return err
}

// CalculateCRC asks the target for the cumulative offset/CRC of the object
// currently open.
func (s *ControlPointService) CalculateCRC(ctx context.Context) (CRCResponse, error) {
	body, err := s.do(ctx, OpCalculateCRC, encodeCalculateCRC())
	if err != nil {
		return CRCResponse{}, err
	}
	return decodeCRCResponse(body)
}

// Execute commits the object currently open.
func (s *ControlPointService) Execute(ctx context.Context) error {
	_, err := s.do(ctx, OpExecute, encodeExecute())
	return err
}

// Select asks the target for the state of the last object of type t.
func (s *ControlPointService) Select(ctx context.Context, t ObjectType) (SelectResponse, error) {
	body, err := s.do(ctx, OpSelect, encodeSelect(t))
	if err != nil {
		return SelectResponse{}, err
	}
	return decodeSelectResponse(body)
}
