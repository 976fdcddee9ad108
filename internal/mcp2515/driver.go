// Package mcp2515 drives a Microchip MCP2515 CAN controller over SPI as a
// CBUS transport: interrupt-driven reception into a ring buffer, transmit
// with major-priority escalation, and self-enumeration of the CAN id when
// another node is seen using ours.
package mcp2515

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/logging"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/ring"
	"github.com/kstaniek/go-cbus-node/internal/storage"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

var (
	// ErrControllerNotPresent wraps transport.ErrLinkDown.
	ErrControllerNotPresent  = fmt.Errorf("mcp2515: controller not present: %w", transport.ErrLinkDown)
	ErrTransmitTimeout       = errors.New("mcp2515: transmit timeout")
	ErrTxBufferBusy          = errors.New("mcp2515: transmit buffer busy")
	ErrModeTimeout           = errors.New("mcp2515: mode change timeout")
	ErrUnsupportedOscillator = errors.New("mcp2515: unsupported oscillator frequency")
)

const (
	// DefaultCANID is adopted when no CAN id has been persisted yet.
	DefaultCANID = 12
	// CANIDKey is the storage key of the persisted CAN id.
	CANIDKey = "can_id"

	DefaultRxCapacity   = 50
	DefaultOscillatorHz = 16_000_000
	txAttemptTimeout    = 100 * time.Millisecond
	modeChangeTimeout   = 100 * time.Millisecond
	enumerationWindow   = 100 * time.Millisecond
	maxCANID            = 127
	maxSeenIDs          = maxCANID + 1
)

// Mode is the controller operating mode (REQOP/OPMOD value).
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeSleep
	ModeLoopback
	ModeListenOnly
	ModeConfiguration
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSleep:
		return "sleep"
	case ModeLoopback:
		return "loopback"
	case ModeListenOnly:
		return "listen-only"
	case ModeConfiguration:
		return "configuration"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode accepts the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	for m := ModeNormal; m <= ModeConfiguration; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("mcp2515: unknown mode %q", s)
}

type Config struct {
	SPI SPI
	// ChipSelect is driven low around each transfer. Leave nil when the SPI
	// device asserts chip select itself.
	ChipSelect Pin
	// Interrupt, when set, gets HandleInterrupt registered on its falling edge.
	Interrupt    Interrupt
	OscillatorHz int
	Clock        Clock
	Store        storage.Store
	Logger       *slog.Logger
	RxCapacity   int
	Mode         Mode
}

// record is one receive buffer image as read from RXB0SIDH onwards.
type record [recordLen]byte

type idPair struct{ hi, lo byte }

func sidOf(id uint8) idPair { return idPair{hi: id >> 3, lo: id << 5} }

// Driver is an opened controller. Send, HandleInterrupt and RunEnumeration
// are serialized on one lock so the poll loop and the interrupt path are
// never mid-transaction on the bus together. Receive is lock free.
type Driver struct {
	spi   SPI
	cs    Pin
	clk   Clock
	store storage.Store
	log   *slog.Logger

	mu          sync.Mutex
	wbuf        [2 + recordLen]byte
	rbuf        [2 + recordLen]byte
	sid         idPair
	enumerating bool
	seen        []idPair
	timer       Timer

	canID     atomic.Uint32
	absent    atomic.Bool
	exhausted atomic.Bool
	reported  atomic.Uint64
	rx        *ring.Ring[record]
}

// Open resets and configures the controller: bit timing for the oscillator,
// filters off, receive interrupt on, then the requested mode.
func Open(cfg Config) (*Driver, error) {
	if cfg.OscillatorHz == 0 {
		cfg.OscillatorHz = DefaultOscillatorHz
	}
	cnf, ok := bitTiming[cfg.OscillatorHz]
	if !ok {
		return nil, fmt.Errorf("%w: %d Hz", ErrUnsupportedOscillator, cfg.OscillatorHz)
	}
	if cfg.RxCapacity <= 0 {
		cfg.RxCapacity = DefaultRxCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	d := &Driver{
		spi:   cfg.SPI,
		cs:    cfg.ChipSelect,
		clk:   cfg.Clock,
		store: cfg.Store,
		log:   cfg.Logger,
		seen:  make([]idPair, 0, maxSeenIDs),
		rx:    ring.New[record](cfg.RxCapacity),
	}
	if d.cs != nil {
		if err := d.cs.Set(true); err != nil {
			return nil, fmt.Errorf("mcp2515: chip select: %w", err)
		}
	}

	d.mu.Lock()
	err := d.reset()
	var ctrl byte
	if err == nil {
		ctrl, err = d.readReg(regCANCTRL)
	}
	if err == nil && ctrl&ctrlCLKPRE != ctrlCLKPRE {
		err = ErrControllerNotPresent
	}
	if err == nil {
		d.setCANID(d.loadCANID())
		for _, w := range [...]struct{ reg, val byte }{
			{regCNF1, cnf[0]},
			{regCNF2, cnf[1]},
			{regCNF3, cnf[2]},
			{regRXB0CTRL, rxbAnyMsg},
			{regRXB1CTRL, rxbAnyMsg},
			{regCANINTE, intRX0},
		} {
			if err = d.writeReg(w.reg, w.val); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = d.changeMode(cfg.Mode)
	}
	d.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrControllerNotPresent) {
			metrics.IncError(metrics.ErrControllerAbsent)
		}
		return nil, fmt.Errorf("mcp2515: init: %w", err)
	}

	if cfg.Interrupt != nil {
		if err := cfg.Interrupt.OnFalling(d.HandleInterrupt); err != nil {
			return nil, fmt.Errorf("mcp2515: register interrupt: %w", err)
		}
	}
	d.log.Info("mcp2515_ready", "can_id", d.CANID(), "osc_hz", cfg.OscillatorHz, "mode", cfg.Mode.String())
	return d, nil
}

// CANID returns the self-assigned CAN id placed in every standard frame.
func (d *Driver) CANID() uint8 { return uint8(d.canID.Load()) }

func (d *Driver) setCANID(id uint8) {
	d.canID.Store(uint32(id))
	d.sid = sidOf(id)
}

func (d *Driver) loadCANID() uint8 {
	b, err := d.store.Load(CANIDKey)
	if err == nil {
		if v, perr := strconv.Atoi(strings.TrimSpace(string(b))); perr == nil && v > 0 && v <= maxCANID {
			return uint8(v)
		}
		d.log.Warn("can_id_invalid", "value", string(b))
	} else if !errors.Is(err, storage.ErrNotFound) {
		d.log.Warn("can_id_load_failed", "error", err)
	}
	d.saveCANID(DefaultCANID)
	return DefaultCANID
}

func (d *Driver) saveCANID(id uint8) {
	if err := d.store.Save(CANIDKey, []byte(strconv.Itoa(int(id)))); err != nil {
		metrics.IncError(metrics.ErrPersist)
		d.log.Warn("can_id_save_failed", "can_id", id, "error", err)
	}
}

// SetMode requests an operating mode and waits for the controller to report it.
func (d *Driver) SetMode(m Mode) error {
	if d.absent.Load() {
		return ErrControllerNotPresent
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changeMode(m)
}

func (d *Driver) changeMode(m Mode) error {
	if err := d.writeReg(regCANCTRL, byte(m)<<5); err != nil {
		return err
	}
	start := d.clk.Now()
	for {
		st, err := d.readReg(regCANSTAT)
		if err != nil {
			return err
		}
		if Mode(st>>5) == m {
			return nil
		}
		if d.clk.Now().Sub(start) > modeChangeTimeout {
			d.log.Warn("mcp2515_mode_timeout", "mode", m.String(), "canstat", st)
			return fmt.Errorf("%w: %s", ErrModeTimeout, m)
		}
	}
}

// Available reports how many received frames are waiting.
func (d *Driver) Available() int { return d.rx.Len() }

// Receive returns the oldest buffered frame in wire form.
func (d *Driver) Receive() (string, bool) {
	f, ok := d.ReceiveFrame()
	if !ok {
		return "", false
	}
	return cbus.Encode(f), true
}

// ReceiveFrame is Receive without the wire encoding.
func (d *Driver) ReceiveFrame() (cbus.Frame, bool) {
	rec, ok := d.rx.Pop()
	if n := d.rx.Dropped(); n > d.reported.Load() {
		metrics.AddRxOverruns(n - d.reported.Swap(n))
	}
	if !ok {
		return cbus.Frame{}, false
	}
	metrics.IncCANRx()
	return rec.frame(), true
}

func (r *record) extended() bool { return r[1]&sidlIDE != 0 }

func (r *record) dataLen() uint8 {
	n := r[4] & dlcMask
	if n > cbus.MaxPayload {
		n = cbus.MaxPayload
	}
	return n
}

// id returns the standard identifier bits of the record without priority.
func (r *record) id() idPair { return idPair{hi: r[0] & 0x0F, lo: r[1] & sidlSID} }

func (r *record) frame() cbus.Frame {
	var f cbus.Frame
	if r.extended() {
		f.Extended = true
		f.ID = uint32(r[0])<<24 | uint32(r[1]&0xE3)<<16 | uint32(r[2])<<8 | uint32(r[3])
		f.Remote = r[4]&dlcRTR != 0
	} else {
		f.ID = uint32(r[0])<<8 | uint32(r[1]&sidlSID)
		f.Remote = r[1]&sidlSRR != 0
	}
	f.Len = r.dataLen()
	copy(f.Data[:], r[5:5+f.Len])
	return f
}

// Close cancels a pending enumeration.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.enumerating = false
	return nil
}

func (d *Driver) markAbsent() {
	if d.absent.Swap(true) {
		return
	}
	metrics.IncError(metrics.ErrControllerAbsent)
	d.log.Error("mcp2515_absent", "error", ErrControllerNotPresent)
}

// Present reports whether the controller still answers.
func (d *Driver) Present() bool { return !d.absent.Load() }

// Healthy reports whether the controller answers and the last enumeration
// found a free CAN id.
func (d *Driver) Healthy() bool { return d.Present() && !d.exhausted.Load() }

var (
	_ transport.Link      = (*Driver)(nil)
	_ transport.FrameSink = (*Driver)(nil)
)
