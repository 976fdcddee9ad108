//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
)

var errUnsupported = errors.New("socketcan unsupported on this platform")

// Device exists on non-linux builds so callers compile; Open always fails.
type Device struct{}

func Open(iface string) (*Device, error) { return nil, errUnsupported }

func (d *Device) Close() error                { return errUnsupported }
func (d *Device) ReadFrame(*cbus.Frame) error { return errUnsupported }
func (d *Device) WriteFrame(cbus.Frame) error { return errUnsupported }

func isDeviceGone(error) bool { return false }
