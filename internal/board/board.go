// Package board binds the MCP2515 driver to Linux userspace interfaces:
// spidev for the SPI bus and sysfs GPIO for chip select and the INT line.
package board

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrUnsupported is returned on platforms without spidev and sysfs GPIO.
var ErrUnsupported = errors.New("board: unsupported platform")

// sysfsRoot is the sysfs GPIO class directory, overridden in tests.
var sysfsRoot = "/sys/class/gpio"

const exportSettle = 100 * time.Millisecond

// NopPin is a chip select left to the SPI controller.
type NopPin struct{}

func (NopPin) Set(bool) error { return nil }

func gpioDir(n int) string { return filepath.Join(sysfsRoot, "gpio"+strconv.Itoa(n)) }

// export makes gpio n available and applies direction (and edge, if set).
func export(n int, direction, edge string) error {
	dir := gpioDir(n)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(sysfsRoot, "export"), []byte(strconv.Itoa(n)), 0o200); err != nil {
			return fmt.Errorf("export gpio%d: %w", n, err)
		}
		// udev needs a moment to fix permissions on the new node.
		deadline := time.Now().Add(exportSettle)
		for {
			if _, err := os.Stat(filepath.Join(dir, "value")); err == nil || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte(direction), 0o644); err != nil {
		return fmt.Errorf("gpio%d direction: %w", n, err)
	}
	if edge != "" {
		if err := os.WriteFile(filepath.Join(dir, "edge"), []byte(edge), 0o644); err != nil {
			return fmt.Errorf("gpio%d edge: %w", n, err)
		}
	}
	return nil
}
