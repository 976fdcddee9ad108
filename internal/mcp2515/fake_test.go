package mcp2515

import (
	"sync"
	"time"
)

// fakeChip models the MCP2515 register file behind the SPI interface.
type fakeChip struct {
	mu        sync.Mutex
	regs      [128]byte
	absent    bool
	stuckTx   bool
	stuckMode bool
	stuckFor  int // number of transmit requests that never complete
	ops       int
	requests  []byte   // TXB0SIDH priority bits at each transmit request
	sent      []record // transmitted buffer images
}

func newFakeChip() *fakeChip { return &fakeChip{} }

func (c *fakeChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops++
	if c.absent {
		clear(r)
		return nil
	}
	switch w[0] {
	case cmdReset:
		c.regs = [128]byte{}
		c.regs[regCANCTRL] = 0x87
		c.regs[regCANSTAT] = 0x80
	case cmdRead:
		for i := 2; i < len(w); i++ {
			r[i] = c.regs[mirror(int(w[1])+i-2)]
		}
	case cmdWrite:
		for i, b := range w[2:] {
			c.write(int(w[1])+i, b)
		}
	case cmdBitModify:
		a := int(w[1])
		c.write(a, c.regs[a]&^w[2]|w[3]&w[2])
	}
	return nil
}

func (c *fakeChip) write(a int, v byte) {
	a &= 0x7F
	c.regs[a] = v
	switch a {
	case regCANCTRL:
		if !c.stuckMode {
			c.regs[regCANSTAT] = v&0xE0 | c.regs[regCANSTAT]&0x1F
		}
	case regTXB0CTRL:
		if v&txbTXREQ == 0 {
			return
		}
		c.requests = append(c.requests, c.regs[regTXB0SIDH]&sidhPrio)
		if c.stuckTx || len(c.requests) <= c.stuckFor {
			return
		}
		var img record
		copy(img[:], c.regs[regTXB0SIDH:regTXB0SIDH+recordLen])
		c.sent = append(c.sent, img)
		c.regs[regTXB0CTRL] &^= txbTXREQ
		c.regs[regCANINTF] |= intTX0
	}
}

// mirror maps the CANSTAT/CANCTRL copies present at xE/xF in every bank.
func mirror(a int) int {
	a &= 0x7F
	switch a & 0x0F {
	case 0x0E:
		return regCANSTAT
	case 0x0F:
		return regCANCTRL
	}
	return a
}

// inject places img in RXB0 and raises RX0IF.
func (c *fakeChip) inject(img record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.regs[regRXB0SIDH:], img[:])
	c.regs[regCANINTF] |= intRX0
}

func (c *fakeChip) opCount() int { c.mu.Lock(); defer c.mu.Unlock(); return c.ops }

func (c *fakeChip) sentFrames() []record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record(nil), c.sent...)
}

func (c *fakeChip) set(fn func(c *fakeChip)) { c.mu.Lock(); fn(c); c.mu.Unlock() }

// fakeClock advances one millisecond on every read.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every pending timer.
func (c *fakeClock) fire() int {
	c.mu.Lock()
	ts := c.timers
	c.timers = nil
	c.mu.Unlock()
	n := 0
	for _, t := range ts {
		if !t.stopped {
			n++
			t.fn()
		}
	}
	return n
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool { was := !t.stopped; t.stopped = true; return was }

type fakeInterrupt struct{ fn func() }

func (i *fakeInterrupt) OnFalling(fn func()) error { i.fn = fn; return nil }

type recordPin struct{ levels []bool }

func (p *recordPin) Set(high bool) error { p.levels = append(p.levels, high); return nil }
