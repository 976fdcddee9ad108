package transport

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/ring"
)

// ErrLinkDown reports that the underlying bus or device is not usable.
// Drivers wrap it so callers can detect a lost link with errors.Is.
var ErrLinkDown = errors.New("transport: link down")

// Link is what the protocol engine needs from a CAN transport: send one
// frame in wire form, and take the next received frame without blocking.
type Link interface {
	Send(wire string) error
	Receive() (string, bool)
}

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(cbus.Frame) error
}

// Endpoint adapts a frame-oriented device (serial GridConnect adapter,
// SocketCAN interface) to a Link. A single reader goroutine delivers frames
// into a receive ring; transmissions are handed to a FrameSink, usually an
// AsyncTx.
type Endpoint struct {
	rx       *ring.Ring[cbus.Frame]
	tx       FrameSink
	down     atomic.Bool
	reported atomic.Uint64
}

// NewEndpoint creates an endpoint with a receive ring of rxCap frames.
func NewEndpoint(rxCap int, tx FrameSink) *Endpoint {
	return &Endpoint{rx: ring.New[cbus.Frame](rxCap), tx: tx}
}

// Deliver queues a received frame. Only one goroutine may call Deliver.
func (e *Endpoint) Deliver(f cbus.Frame) {
	e.rx.Push(f)
	metrics.IncCANRx()
}

// Send validates wire and queues it for transmission.
func (e *Endpoint) Send(wire string) error {
	f, err := cbus.Decode(wire)
	if err != nil {
		return err
	}
	return e.SendFrame(f)
}

// SendFrame queues f for transmission.
func (e *Endpoint) SendFrame(f cbus.Frame) error {
	if e.down.Load() {
		return fmt.Errorf("send %s: %w", cbus.Encode(f), ErrLinkDown)
	}
	return e.tx.SendFrame(f)
}

// Receive returns the oldest retained frame in wire form.
func (e *Endpoint) Receive() (string, bool) {
	f, ok := e.ReceiveFrame()
	if !ok {
		return "", false
	}
	return cbus.Encode(f), true
}

// ReceiveFrame is Receive without the wire encoding.
func (e *Endpoint) ReceiveFrame() (cbus.Frame, bool) {
	f, ok := e.rx.Pop()
	if d := e.rx.Dropped(); d > e.reported.Load() {
		metrics.AddRxOverruns(d - e.reported.Swap(d))
	}
	return f, ok
}

// Available reports how many received frames are waiting.
func (e *Endpoint) Available() int { return e.rx.Len() }

// SetDown marks the link unusable (true) or usable again (false).
func (e *Endpoint) SetDown(down bool) { e.down.Store(down) }

// Down reports whether the link is marked unusable.
func (e *Endpoint) Down() bool { return e.down.Load() }

// Compile-time assertions.
var (
	_ Link      = (*Endpoint)(nil)
	_ FrameSink = (*Endpoint)(nil)
	_ FrameSink = (*AsyncTx)(nil)
)
