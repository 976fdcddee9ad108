//go:build linux

package board

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"unsafe"
)

func TestTransferLayout(t *testing.T) {
	if sz := unsafe.Sizeof(spiIOCTransfer{}); sz != 32 {
		t.Fatalf("spi_ioc_transfer is %d bytes, want 32", sz)
	}
}

func fakeSysfs(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	old := sysfsRoot
	sysfsRoot = root
	t.Cleanup(func() { sysfsRoot = old })
	dir := filepath.Join(root, "gpio"+strconv.Itoa(n))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "value"), []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestOutputPin(t *testing.T) {
	dir := fakeSysfs(t, 25)
	p, err := OpenOutput(25)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()
	if b, _ := os.ReadFile(filepath.Join(dir, "direction")); string(b) != "high" {
		t.Fatalf("direction %q", b)
	}
	if err := p.Set(false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "value")); b[0] != '0' {
		t.Fatalf("value %q", b)
	}
}

func TestInterruptConfiguresFallingEdge(t *testing.T) {
	dir := fakeSysfs(t, 24)
	i, err := OpenInterrupt(24)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer i.Close()
	if b, _ := os.ReadFile(filepath.Join(dir, "edge")); string(b) != "falling" {
		t.Fatalf("edge %q", b)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "direction")); string(b) != "in" {
		t.Fatalf("direction %q", b)
	}
	low, err := i.level()
	if err != nil || low {
		t.Fatalf("level low=%v err=%v", low, err)
	}
}

func TestExportMissingRoot(t *testing.T) {
	old := sysfsRoot
	sysfsRoot = filepath.Join(t.TempDir(), "absent")
	defer func() { sysfsRoot = old }()
	if _, err := OpenOutput(7); err == nil {
		t.Fatalf("expected export failure")
	}
}
