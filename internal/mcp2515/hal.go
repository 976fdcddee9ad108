package mcp2515

import "time"

// SPI performs one full-duplex transfer. r is either nil or the same length
// as w and receives the bytes clocked in while w is clocked out.
type SPI interface {
	Tx(w, r []byte) error
}

// Pin is a digital output. The driver uses it as the active-low chip select.
type Pin interface {
	Set(high bool) error
}

// Interrupt registers a callback for the falling edge of the controller's
// INT line.
type Interrupt interface {
	OnFalling(fn func()) error
}

// Clock supplies monotonic time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
