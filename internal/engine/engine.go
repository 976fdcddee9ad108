// Package engine is the CBUS protocol engine: it polls a transport for
// frames, dispatches them by opcode against the node state, and originates
// the node's own accessory events.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/logging"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/nodestate"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

// ErrInboxFull is returned by Submit when locally injected frames back up.
var ErrInboxFull = errors.New("engine: inbox full")

const (
	DefaultPollInterval = 5 * time.Millisecond
	inboxSize           = 64
)

// Mode is the engine state.
type Mode int

const (
	ModeNormal Mode = iota
	ModeLearn
)

func (m Mode) String() string {
	if m == ModeLearn {
		return "learn"
	}
	return "normal"
}

// AccessoryEvent is delivered to the application when a taught event fires.
// Variables is indexed from 1; element 0 is unused.
type AccessoryEvent struct {
	Task      string // "on" or "off"
	EventID   string
	Variables []byte
}

// Direction tells a tap whether a frame was received or sent.
type Direction int

const (
	Received Direction = iota
	Sent
)

func (d Direction) String() string {
	if d == Sent {
		return "tx"
	}
	return "rx"
}

// Stats are counters since New.
type Stats struct {
	Messages   uint64
	Unknown    uint64
	Malformed  uint64
	SendErrors uint64
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithEventHandler sets the application callback for accessory events.
func WithEventHandler(fn func(AccessoryEvent)) Option { return func(e *Engine) { e.onEvent = fn } }

// WithFallback receives messages whose opcode the engine does not handle.
func WithFallback(fn func(cbus.Frame)) Option { return func(e *Engine) { e.fallback = fn } }

// WithTap observes every frame taken from or written to the link.
func WithTap(fn func(Direction, string)) Option { return func(e *Engine) { e.tap = fn } }

// WithHeader sets the priorities (and, for links without a CAN id of their
// own, the CAN id) of outgoing frames. Default is major 2, minor 3.
func WithHeader(h cbus.Header) Option { return func(e *Engine) { e.header = h } }

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.poll = d
		}
	}
}

type canIDer interface{ CANID() uint8 }

type Engine struct {
	link     transport.Link
	log      *slog.Logger
	onEvent  func(AccessoryEvent)
	fallback func(cbus.Frame)
	tap      func(Direction, string)
	header   cbus.Header
	poll     time.Duration
	inbox    chan string

	mu      sync.Mutex
	st      *nodestate.State
	mode    Mode
	pending []AccessoryEvent

	degraded     chan struct{}
	degradedOnce sync.Once

	messages   atomic.Uint64
	unknown    atomic.Uint64
	malformed  atomic.Uint64
	sendErrors atomic.Uint64
}

// New builds an engine over link. The engine owns st from here on.
func New(link transport.Link, st *nodestate.State, opts ...Option) *Engine {
	e := &Engine{
		link:     link,
		st:       st,
		log:      logging.L(),
		header:   cbus.Header{MajorPriority: 2, MinorPriority: 3},
		poll:     DefaultPollInterval,
		inbox:    make(chan string, inboxSize),
		degraded: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	metrics.SetNodeNumber(st.NodeID())
	metrics.SetStoredEvents(st.EventCount())
	metrics.SetLearnMode(false)
	return e
}

// Run polls the link until ctx is cancelled. Frames passed to Submit are
// processed between polls.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.poll)
	defer t.Stop()
	for {
		e.ProcessIncoming()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-e.inbox:
			e.handle(w)
		case <-t.C:
		}
	}
}

// ProcessIncoming handles every frame currently buffered by the link.
func (e *Engine) ProcessIncoming() int {
	n := 0
	for {
		w, ok := e.link.Receive()
		if !ok {
			return n
		}
		n++
		if e.tap != nil {
			e.tap(Received, w)
		}
		e.handle(w)
	}
}

// Submit queues a frame from a local source (a configuration tool on the
// GridConnect server) as though it had been received.
func (e *Engine) Submit(wire string) error {
	select {
	case e.inbox <- wire:
		return nil
	default:
		return ErrInboxFull
	}
}

// HandleWire processes one frame synchronously.
func (e *Engine) HandleWire(wire string) { e.handle(wire) }

func (e *Engine) handle(wire string) {
	f, err := cbus.Decode(wire)
	if err != nil {
		e.malformed.Add(1)
		metrics.IncMalformed()
		e.log.Debug("cbus_decode_failed", "frame", wire, "error", err)
		return
	}
	op, ok := f.Opcode()
	if !ok {
		return
	}
	if int(f.Len) < 1+op.DataLen() {
		e.malformed.Add(1)
		metrics.IncMalformed()
		e.log.Debug("cbus_short_message", "frame", wire, "opcode", op.String())
		return
	}
	e.messages.Add(1)
	metrics.IncMessage()
	h, ok := handlers[op]
	if !ok {
		e.unknown.Add(1)
		metrics.IncUnknownOpcode()
		if e.fallback != nil {
			e.fallback(f)
		}
		return
	}
	e.log.Debug("cbus_rx", "opcode", op.String(), "frame", wire)
	e.mu.Lock()
	h(e, f)
	fire := e.pending
	e.pending = nil
	e.mu.Unlock()
	e.deliver(fire)
}

func (e *Engine) deliver(evs []AccessoryEvent) {
	for _, ev := range evs {
		metrics.IncAccessory(ev.Task)
		if e.onEvent != nil {
			e.onEvent(ev)
		}
	}
}

// Mode reports whether the engine is in learn mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// NodeNumber is the committed node number (0 while unconfigured).
func (e *Engine) NodeNumber() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.NodeID()
}

// Degraded is closed once the link reports it is down.
func (e *Engine) Degraded() <-chan struct{} { return e.degraded }

func (e *Engine) Stats() Stats {
	return Stats{
		Messages:   e.messages.Load(),
		Unknown:    e.unknown.Load(),
		Malformed:  e.malformed.Load(),
		SendErrors: e.sendErrors.Load(),
	}
}

// setMode runs with e.mu held.
func (e *Engine) setMode(m Mode) {
	if e.mode == m {
		return
	}
	e.mode = m
	metrics.SetLearnMode(m == ModeLearn)
	e.log.Info("mode_changed", "mode", m.String(), "node", e.st.NodeID())
}

func (e *Engine) learning() bool { return e.mode == ModeLearn }

func (e *Engine) outHeader() cbus.Header {
	h := e.header
	if c, ok := e.link.(canIDer); ok {
		h.CANID = c.CANID()
	}
	return h
}

// send runs with e.mu held.
func (e *Engine) send(op cbus.Opcode, args ...byte) {
	w := cbus.Encode(cbus.NewMessage(e.outHeader(), op, args...))
	if err := e.link.Send(w); err != nil {
		e.sendErrors.Add(1)
		if errors.Is(err, transport.ErrLinkDown) {
			e.degradedOnce.Do(func() {
				e.log.Error("link_down", "error", err)
				close(e.degraded)
			})
			return
		}
		metrics.IncError(metrics.ErrEngineSend)
		e.log.Warn("cbus_send_failed", "opcode", op.String(), "error", err)
		return
	}
	if e.tap != nil {
		e.tap(Sent, w)
	}
}

// reply sends op with the node number ahead of args.
func (e *Engine) reply(op cbus.Opcode, args ...byte) {
	nn := e.st.NodeID()
	e.send(op, append([]byte{byte(nn >> 8), byte(nn)}, args...)...)
}

func (e *Engine) cmdErr(code cbus.ErrorCode) { e.reply(cbus.OpCMDERR, byte(code)) }

// persisted logs a state write failure; the in-memory change stands.
func (e *Engine) persisted(err error) {
	if err != nil && errors.Is(err, nodestate.ErrPersist) {
		metrics.IncError(metrics.ErrPersist)
		e.log.Warn("state_persist_failed", "error", err)
	}
}
