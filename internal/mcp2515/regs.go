package mcp2515

// Register addresses.
const (
	regCANSTAT  = 0x0E
	regCANCTRL  = 0x0F
	regTEC      = 0x1C
	regREC      = 0x1D
	regCNF3     = 0x28
	regCNF2     = 0x29
	regCNF1     = 0x2A
	regCANINTE  = 0x2B
	regCANINTF  = 0x2C
	regEFLG     = 0x2D
	regTXB0CTRL = 0x30
	regTXB0SIDH = 0x31
	regRXB0CTRL = 0x60
	regRXB0SIDH = 0x61
	regRXB1CTRL = 0x70
)

// SPI instructions.
const (
	cmdWrite      = 0x02
	cmdRead       = 0x03
	cmdBitModify  = 0x05
	cmdReadStatus = 0xA0
	cmdRxStatus   = 0xB0
	cmdReset      = 0xC0
)

// Bit masks.
const (
	txbTXREQ   = 0x08 // TXBnCTRL: transmit request pending
	txbTXP     = 0x03 // TXBnCTRL: buffer priority bits
	sidlSRR    = 0x10 // RXBnSIDL: standard frame remote request
	sidlIDE    = 0x08 // xXBnSIDL: extended identifier
	sidlSID    = 0xE0
	sidhPrio   = 0xC0 // TXBnSIDH: major priority bits of a CBUS header
	sidhMinor  = 0x30 // TXBnSIDH: minor priority bits of a CBUS header
	dlcRTR     = 0x40 // xXBnDLC: remote transmission request
	dlcMask    = 0x0F
	intRX0     = 0x01 // CANINTF/CANINTE: receive buffer 0 full
	intTX0     = 0x04 // CANINTF: transmit buffer 0 empty
	ctrlCLKPRE = 0x07 // CANCTRL: clock prescaler, all set after reset
	rxbAnyMsg  = 0x60 // RXBnCTRL: filters and masks off
)

// recordLen is the size of one receive or transmit buffer image:
// SIDH, SIDL, EID8, EID0, DLC and eight data bytes.
const recordLen = 13

// bitTiming maps oscillator frequency to CNF1, CNF2, CNF3 for 125 kbit/s.
var bitTiming = map[int][3]byte{
	8_000_000:  {0x01, 0xB1, 0x85},
	16_000_000: {0x03, 0xF0, 0x06},
}
