package mcp2515

import "log/slog"

// Diagnostics is a register snapshot.
type Diagnostics struct {
	CNF1, CNF2, CNF3 byte
	IntEnable        byte // CANINTE
	IntFlags         byte // CANINTF
	ErrorFlags       byte // EFLG
	Status           byte // CANSTAT
	Control          byte // CANCTRL
	TxErrors         byte // TEC
	RxErrors         byte // REC
}

// Mode is the operating mode reported in CANSTAT.
func (g Diagnostics) Mode() Mode { return Mode((g.Status & 0xE0) >> 5) }

// ICOD is the interrupt flag code reported in CANSTAT.
func (g Diagnostics) ICOD() byte { return (g.Status & 0x0E) >> 1 }

func (g Diagnostics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("timing", []byte{g.CNF1, g.CNF2, g.CNF3}),
		slog.String("mode", g.Mode().String()),
		slog.Int("eflg", int(g.ErrorFlags)),
		slog.Int("inte", int(g.IntEnable)),
		slog.Int("intf", int(g.IntFlags)),
		slog.Int("icod", int(g.ICOD())),
		slog.Int("canctrl", int(g.Control)),
		slog.Int("tec", int(g.TxErrors)),
		slog.Int("rec", int(g.RxErrors)),
	)
}

// Diagnostics reads CNF3 through CANCTRL (0x28..0x2F, where 0x2E and 0x2F
// mirror CANSTAT and CANCTRL) plus the error counters.
func (d *Driver) Diagnostics() (Diagnostics, error) {
	if d.absent.Load() {
		return Diagnostics{}, ErrControllerNotPresent
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var b [8]byte
	if err := d.readRegs(regCNF3, b[:]); err != nil {
		return Diagnostics{}, err
	}
	var ec [2]byte
	if err := d.readRegs(regTEC, ec[:]); err != nil {
		return Diagnostics{}, err
	}
	return Diagnostics{
		CNF3: b[0], CNF2: b[1], CNF1: b[2],
		IntEnable: b[3], IntFlags: b[4], ErrorFlags: b[5],
		Status: b[6], Control: b[7],
		TxErrors: ec[0], RxErrors: ec[1],
	}, nil
}
