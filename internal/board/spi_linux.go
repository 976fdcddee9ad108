//go:build linux

package board

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl requests from <linux/spi/spidev.h>.
const (
	spiIOCWrMode        = 0x40016B01
	spiIOCWrBitsPerWord = 0x40016B03
	spiIOCWrMaxSpeedHz  = 0x40046B04
	spiIOCMessage1      = 0x40206B00 // SPI_IOC_MESSAGE(1)

	spiNoCS = 0x40
)

// spiIOCTransfer mirrors struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// SPIDev is a spidev character device in mode 0, 8 bits per word.
type SPIDev struct {
	fd    int
	speed uint32
}

// OpenSPI opens path (e.g. /dev/spidev0.0). With externalCS the controller
// leaves chip select alone and a GPIO pin drives it.
func OpenSPI(path string, speedHz uint32, externalCS bool) (*SPIDev, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	mode := uint8(0)
	if externalCS {
		mode |= spiNoCS
	}
	bits := uint8(8)
	for _, op := range []struct {
		req uintptr
		arg unsafe.Pointer
	}{
		{spiIOCWrMode, unsafe.Pointer(&mode)},
		{spiIOCWrBitsPerWord, unsafe.Pointer(&bits)},
		{spiIOCWrMaxSpeedHz, unsafe.Pointer(&speedHz)},
	} {
		if err := ioctl(fd, op.req, op.arg); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("configure %s: %w", path, err)
		}
	}
	return &SPIDev{fd: fd, speed: speedHz}, nil
}

// Tx clocks w out and, when r is not nil, len(w) bytes into r.
func (d *SPIDev) Tx(w, r []byte) error {
	if len(w) == 0 {
		return nil
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("spi: read buffer %d bytes, write %d", len(r), len(w))
	}
	x := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&w[0]))),
		length:      uint32(len(w)),
		speedHz:     d.speed,
		bitsPerWord: 8,
	}
	if r != nil {
		x.rxBuf = uint64(uintptr(unsafe.Pointer(&r[0])))
	}
	err := ioctl(d.fd, spiIOCMessage1, unsafe.Pointer(&x))
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	return err
}

func (d *SPIDev) Close() error { return unix.Close(d.fd) }

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}
