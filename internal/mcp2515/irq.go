package mcp2515

import (
	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
)

// enumerationRequest is the remote frame sent when another node is seen
// using our CAN id. Every node answers it with a zero length frame.
var enumerationRequest = cbus.Frame{ID: 0xB020, Remote: true}

// HandleInterrupt drains RXB0 and is the only producer of the receive ring.
//
// A standard remote frame carrying our CAN id is a scan for that id and is
// answered at once with our own zero length frame instead of being queued.
// While enumerating, zero length frames are collected as ids in use. A
// queued frame bearing our own CAN id starts enumeration.
func (d *Driver) HandleInterrupt() {
	if d.absent.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var rec record
	if err := d.readRegs(regRXB0SIDH, rec[:]); err != nil {
		d.log.Warn("rx_read_failed", "error", err)
		return
	}
	std := !rec.extended()
	switch {
	case std && rec[1]&sidlSRR != 0 && rec.id() == d.sid:
		d.clearRx()
		if err := d.transmit(cbus.Frame{ID: uint32(d.sid.hi)<<8 | uint32(d.sid.lo)}); err != nil {
			d.log.Warn("enumeration_reply_failed", "error", err)
		}
		return
	case std && d.enumerating && rec.dataLen() == 0:
		if len(d.seen) < cap(d.seen) {
			d.seen = append(d.seen, rec.id())
		}
		d.clearRx()
		return
	}
	d.rx.Push(rec)
	d.clearRx()
	if std && !d.enumerating && rec.id() == d.sid {
		d.startEnumeration()
	}
}

func (d *Driver) clearRx() {
	if err := d.modifyReg(regCANINTF, intRX0, 0); err != nil {
		d.log.Warn("rx_flag_clear_failed", "error", err)
	}
}

// startEnumeration runs with d.mu held.
func (d *Driver) startEnumeration() {
	metrics.IncCollision()
	d.log.Info("can_id_collision", "can_id", d.CANID())
	d.enumerating = true
	d.seen = d.seen[:0]
	if err := d.transmit(enumerationRequest); err != nil {
		d.log.Warn("enumeration_request_failed", "error", err)
	}
	d.timer = d.clk.AfterFunc(enumerationWindow, d.RunEnumeration)
}

// RunEnumeration ends the enumeration window: the lowest CAN id not seen
// in use is adopted and persisted. Ids whose low three bits are zero are
// never adopted. When every id is taken the current one is kept and the
// driver reports itself unhealthy until a later run succeeds.
func (d *Driver) RunEnumeration() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumerating = false
	d.timer = nil
	defer func() { d.seen = d.seen[:0] }()

	for id := 1; id <= maxCANID; id++ {
		if id&0x07 == 0 {
			continue
		}
		if !d.idSeen(sidOf(uint8(id))) {
			prev := d.CANID()
			d.setCANID(uint8(id))
			d.saveCANID(uint8(id))
			d.exhausted.Store(false)
			metrics.IncEnumeration()
			d.log.Info("can_id_enumerated", "can_id", id, "previous", prev, "seen", len(d.seen))
			return
		}
	}
	d.exhausted.Store(true)
	metrics.IncError(metrics.ErrCANIDExhausted)
	d.log.Error("can_id_exhausted", "can_id", d.CANID())
}

func (d *Driver) idSeen(p idPair) bool {
	for _, s := range d.seen {
		if s == p {
			return true
		}
	}
	return false
}

// Enumerating reports whether an enumeration window is open.
func (d *Driver) Enumerating() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enumerating
}
