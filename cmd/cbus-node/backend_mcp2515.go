package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/kstaniek/go-cbus-node/internal/board"
	"github.com/kstaniek/go-cbus-node/internal/mcp2515"
	"github.com/kstaniek/go-cbus-node/internal/storage"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

// initMCP2515Backend binds the controller to spidev and sysfs GPIO. The
// driver answers its own interrupts, so no receive goroutine is started.
func initMCP2515Backend(cfg *appConfig, st storage.Store, l *slog.Logger) (transport.Link, func(), error) {
	mode, err := mcp2515.ParseMode(cfg.mcpMode)
	if err != nil {
		return nil, func() {}, err
	}
	var closers []io.Closer
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}
	spi, err := board.OpenSPI(cfg.spiDev, uint32(cfg.spiSpeed), cfg.csGPIO >= 0)
	if err != nil {
		return nil, func() {}, fmt.Errorf("spi open %s: %w", cfg.spiDev, err)
	}
	closers = append(closers, spi)

	var cs mcp2515.Pin = board.NopPin{}
	if cfg.csGPIO >= 0 {
		pin, err := board.OpenOutput(cfg.csGPIO)
		if err != nil {
			release()
			return nil, func() {}, fmt.Errorf("chip select gpio%d: %w", cfg.csGPIO, err)
		}
		closers = append(closers, pin)
		cs = pin
	}
	irq, err := board.OpenInterrupt(cfg.intGPIO)
	if err != nil {
		release()
		return nil, func() {}, fmt.Errorf("interrupt gpio%d: %w", cfg.intGPIO, err)
	}
	closers = append(closers, irq)

	drv, err := mcp2515.Open(mcp2515.Config{
		SPI:          spi,
		ChipSelect:   cs,
		Interrupt:    irq,
		OscillatorHz: cfg.oscHz,
		Store:        st,
		Logger:       l,
		RxCapacity:   rxCapacity,
		Mode:         mode,
	})
	if err != nil {
		release()
		return nil, func() {}, err
	}
	if diag, err := drv.Diagnostics(); err == nil {
		l.Debug("mcp2515_open", "spi", cfg.spiDev, "int_gpio", cfg.intGPIO, "diag", diag)
	}
	return drv, func() { _ = drv.Close(); release() }, nil
}
