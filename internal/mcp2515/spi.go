package mcp2515

import (
	"fmt"

	"github.com/kstaniek/go-cbus-node/internal/metrics"
)

// Register access. Callers hold d.mu; the scratch buffers make each
// transaction allocation free.

func (d *Driver) xfer(n int, read bool) error {
	if d.cs != nil {
		if err := d.cs.Set(false); err != nil {
			return fmt.Errorf("mcp2515: chip select: %w", err)
		}
	}
	var r []byte
	if read {
		r = d.rbuf[:n]
		clear(r)
	}
	err := d.spi.Tx(d.wbuf[:n], r)
	if d.cs != nil {
		if cerr := d.cs.Set(true); err == nil && cerr != nil {
			err = fmt.Errorf("mcp2515: chip select: %w", cerr)
		}
	}
	if err != nil {
		metrics.IncError(metrics.ErrSPI)
		return fmt.Errorf("mcp2515: spi: %w", err)
	}
	return nil
}

func (d *Driver) reset() error {
	d.wbuf[0] = cmdReset
	return d.xfer(1, false)
}

func (d *Driver) writeReg(reg, v byte) error {
	d.wbuf[0], d.wbuf[1], d.wbuf[2] = cmdWrite, reg, v
	return d.xfer(3, false)
}

func (d *Driver) writeRegs(reg byte, data []byte) error {
	d.wbuf[0], d.wbuf[1] = cmdWrite, reg
	n := copy(d.wbuf[2:], data)
	return d.xfer(2+n, false)
}

func (d *Driver) readReg(reg byte) (byte, error) {
	d.wbuf[0], d.wbuf[1], d.wbuf[2] = cmdRead, reg, 0
	if err := d.xfer(3, true); err != nil {
		return 0, err
	}
	return d.rbuf[2], nil
}

// readRegs fills out with consecutive registers starting at reg.
func (d *Driver) readRegs(reg byte, out []byte) error {
	d.wbuf[0], d.wbuf[1] = cmdRead, reg
	n := len(out)
	if n > recordLen {
		n = recordLen
	}
	clear(d.wbuf[2 : 2+n])
	if err := d.xfer(2+n, true); err != nil {
		return err
	}
	copy(out, d.rbuf[2:2+n])
	return nil
}

func (d *Driver) modifyReg(reg, mask, v byte) error {
	d.wbuf[0], d.wbuf[1], d.wbuf[2], d.wbuf[3] = cmdBitModify, reg, mask, v
	return d.xfer(4, false)
}
