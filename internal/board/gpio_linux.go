//go:build linux

package board

import (
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-cbus-node/internal/logging"
)

// OutputPin is a sysfs GPIO output.
type OutputPin struct {
	n  int
	fd int
}

// OpenOutput exports gpio n as an output driven high (chip select idle).
func OpenOutput(n int) (*OutputPin, error) {
	if err := export(n, "high", ""); err != nil {
		return nil, err
	}
	fd, err := unix.Open(filepath.Join(gpioDir(n), "value"), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio%d value: %w", n, err)
	}
	return &OutputPin{n: n, fd: fd}, nil
}

var levels = [2][]byte{[]byte("0"), []byte("1")}

func (p *OutputPin) Set(high bool) error {
	v := levels[0]
	if high {
		v = levels[1]
	}
	if _, err := unix.Pwrite(p.fd, v, 0); err != nil {
		return fmt.Errorf("gpio%d write: %w", p.n, err)
	}
	return nil
}

func (p *OutputPin) Close() error { return unix.Close(p.fd) }

// EdgeInterrupt waits for falling edges on a sysfs GPIO input.
type EdgeInterrupt struct {
	n    int
	fd   int
	stop chan struct{}
	wg   sync.WaitGroup
}

// pollTimeoutMs bounds each poll so Close is noticed.
const pollTimeoutMs = 100

// maxRetrigger bounds callback repeats while the active-low line stays low.
const maxRetrigger = 16

func OpenInterrupt(n int) (*EdgeInterrupt, error) {
	if err := export(n, "in", "falling"); err != nil {
		return nil, err
	}
	fd, err := unix.Open(filepath.Join(gpioDir(n), "value"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio%d value: %w", n, err)
	}
	return &EdgeInterrupt{n: n, fd: fd, stop: make(chan struct{})}, nil
}

// OnFalling starts a goroutine that calls fn for each falling edge, and
// again while the line is still asserted after fn returns.
func (i *EdgeInterrupt) OnFalling(fn func()) error {
	// Clear the initial POLLPRI condition.
	if _, err := i.level(); err != nil {
		return err
	}
	i.wg.Add(1)
	go i.loop(fn)
	return nil
}

func (i *EdgeInterrupt) loop(fn func()) {
	defer i.wg.Done()
	l := logging.L()
	fds := []unix.PollFd{{Fd: int32(i.fd), Events: unix.POLLPRI | unix.POLLERR}}
	for {
		select {
		case <-i.stop:
			return
		default:
		}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.Error("gpio_poll_failed", "gpio", i.n, "error", err)
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLPRI == 0 {
			continue
		}
		for k := 0; k < maxRetrigger; k++ {
			low, err := i.level()
			if err != nil {
				l.Error("gpio_read_failed", "gpio", i.n, "error", err)
				return
			}
			if k > 0 && !low {
				break
			}
			fn()
		}
	}
}

// level reads the line, reporting true while it is low.
func (i *EdgeInterrupt) level() (bool, error) {
	var b [2]byte
	if _, err := unix.Pread(i.fd, b[:], 0); err != nil {
		return false, fmt.Errorf("gpio%d read: %w", i.n, err)
	}
	return b[0] == '0', nil
}

func (i *EdgeInterrupt) Close() error {
	close(i.stop)
	i.wg.Wait()
	return unix.Close(i.fd)
}
