package mcp2515

import (
	"errors"
	"fmt"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
)

// txPriorities are the major priority bits tried in turn for a standard
// frame: normal, then one step higher.
var txPriorities = [...]byte{0x80, 0x40}

// Send validates wire and transmits it. Malformed input is rejected before
// any bus access.
func (d *Driver) Send(wire string) error {
	f, err := cbus.Decode(wire)
	if err != nil {
		return err
	}
	return d.SendFrame(f)
}

// SendFrame transmits f through TXB0. A standard frame carries the driver's
// CAN id and the minor priority of f; an extended frame is sent with its id
// unchanged. Each attempt waits up to 100ms for the controller to clear the
// request before aborting it.
func (d *Driver) SendFrame(f cbus.Frame) error {
	if d.absent.Load() {
		return ErrControllerNotPresent
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transmit(f)
}

func (d *Driver) txImage(f cbus.Frame) (img record) {
	if f.Extended {
		img[0] = byte(f.ID >> 24)
		img[1] = byte(f.ID>>16) | sidlIDE
		img[2] = byte(f.ID >> 8)
		img[3] = byte(f.ID)
	} else {
		id := d.CANID()
		img[0] = id>>3 | byte(f.ID>>8)&sidhMinor
		img[1] = id << 5
	}
	n := f.Len
	if n > cbus.MaxPayload {
		n = cbus.MaxPayload
	}
	img[4] = n
	if f.Remote {
		img[4] |= dlcRTR
	}
	copy(img[5:], f.Data[:n])
	return img
}

// transmit runs with d.mu held.
func (d *Driver) transmit(f cbus.Frame) error {
	img := d.txImage(f)
	if err := d.writeRegs(regTXB0SIDH, img[:]); err != nil {
		return err
	}
	if err := d.writeReg(regTXB0CTRL, txbTXP); err != nil {
		return err
	}
	ctrl, err := d.readReg(regTXB0CTRL)
	if err != nil {
		return err
	}
	if ctrl&txbTXP != txbTXP {
		d.markAbsent()
		return ErrControllerNotPresent
	}

	attempt := 0
	err = retry.Do(func() error {
		prio := txPriorities[attempt]
		attempt++
		if f.Extended {
			prio = img[0] & sidhPrio
		}
		return d.attemptTx(prio)
	},
		retry.Attempts(uint(len(txPriorities))),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTransmitTimeout) }),
		retry.OnRetry(func(n uint, err error) {
			if int(n)+1 < len(txPriorities) {
				metrics.IncTxRetry()
				d.log.Debug("tx_priority_retry", "attempt", n+1, "frame", cbus.Encode(f))
			}
		}),
	)
	if err != nil {
		if errors.Is(err, ErrTransmitTimeout) {
			metrics.IncTxTimeout()
			d.log.Warn("tx_timeout", "frame", cbus.Encode(f), "attempts", attempt)
		}
		return err
	}
	if err := d.modifyReg(regCANINTF, intTX0, 0); err != nil {
		return err
	}
	metrics.IncCANTx()
	return nil
}

// attemptTx requests one transmission at major priority prio and polls for
// completion, aborting the request on timeout.
func (d *Driver) attemptTx(prio byte) error {
	ctrl, err := d.readReg(regTXB0CTRL)
	if err != nil {
		return err
	}
	if ctrl&txbTXREQ != 0 {
		metrics.IncError(metrics.ErrTxBusy)
		return ErrTxBufferBusy
	}
	if err := d.modifyReg(regTXB0SIDH, sidhPrio, prio); err != nil {
		return err
	}
	if err := d.modifyReg(regTXB0CTRL, txbTXREQ, txbTXREQ); err != nil {
		return err
	}
	start := d.clk.Now()
	for {
		ctrl, err := d.readReg(regTXB0CTRL)
		if err != nil {
			return err
		}
		if ctrl&txbTXREQ == 0 {
			return nil
		}
		if d.clk.Now().Sub(start) > txAttemptTimeout {
			if err := d.modifyReg(regTXB0CTRL, txbTXREQ, 0); err != nil {
				return fmt.Errorf("abort after timeout: %w", err)
			}
			return ErrTransmitTimeout
		}
	}
}
