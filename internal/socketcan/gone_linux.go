//go:build linux

package socketcan

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isDeviceGone reports read errors after which the interface will not recover.
func isDeviceGone(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.EBADF)
}
