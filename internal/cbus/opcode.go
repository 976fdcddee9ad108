package cbus

import "fmt"

// Opcode identifies the semantic type of a CBUS message.
type Opcode byte

// Opcodes handled or produced by the node.
const (
	OpQNN    Opcode = 0x0D // query node number
	OpRQNP   Opcode = 0x10 // request node parameters
	OpSNN    Opcode = 0x42 // set node number
	OpRQNN   Opcode = 0x50 // request node number
	OpNNACK  Opcode = 0x52 // node number acknowledge
	OpNNLRN  Opcode = 0x53 // enter learn mode
	OpNNULN  Opcode = 0x54 // exit learn mode
	OpNERD   Opcode = 0x57 // read back all events
	OpRQEVN  Opcode = 0x58 // request number of stored events
	OpWRACK  Opcode = 0x59 // write acknowledge
	OpCMDERR Opcode = 0x6F // command error
	OpNVRD   Opcode = 0x71 // read node variable
	OpRQNPN  Opcode = 0x73 // read one node parameter
	OpNUMEV  Opcode = 0x74 // number of stored events
	OpACON   Opcode = 0x90 // accessory on, long event
	OpACOF   Opcode = 0x91 // accessory off, long event
	OpEVULN  Opcode = 0x95 // unlearn event
	OpNVSET  Opcode = 0x96 // set node variable
	OpNVANS  Opcode = 0x97 // node variable answer
	OpASON   Opcode = 0x98 // accessory on, short event
	OpASOF   Opcode = 0x99 // accessory off, short event
	OpPARAN  Opcode = 0x9B // parameter answer
	OpREVAL  Opcode = 0x9C // read event variable by index
	OpNEVAL  Opcode = 0xB5 // event variable answer
	OpPNN    Opcode = 0xB6 // presence of node
	OpEVLRN  Opcode = 0xD2 // teach event variable
	OpPLOC   Opcode = 0xE1 // engine report (session info)
	OpPARAMS Opcode = 0xEF // first seven parameters
	OpENRSP  Opcode = 0xF2 // stored event response
)

var opNames = map[Opcode]string{
	OpQNN: "QNN", OpRQNP: "RQNP", OpSNN: "SNN", OpRQNN: "RQNN", OpNNACK: "NNACK",
	OpNNLRN: "NNLRN", OpNNULN: "NNULN", OpNERD: "NERD", OpRQEVN: "RQEVN", OpWRACK: "WRACK",
	OpCMDERR: "CMDERR", OpNVRD: "NVRD", OpRQNPN: "RQNPN", OpNUMEV: "NUMEV", OpACON: "ACON",
	OpACOF: "ACOF", OpEVULN: "EVULN", OpNVSET: "NVSET", OpNVANS: "NVANS", OpASON: "ASON",
	OpASOF: "ASOF", OpPARAN: "PARAN", OpREVAL: "REVAL", OpNEVAL: "NEVAL", OpPNN: "PNN",
	OpEVLRN: "EVLRN", OpPLOC: "PLOC", OpPARAMS: "PARAMS", OpENRSP: "ENRSP",
}

func (o Opcode) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("%02X", byte(o))
}

// DataLen is the number of data bytes following the opcode, encoded in
// the opcode's top three bits.
func (o Opcode) DataLen() int { return int(o >> 5) }

// ErrorCode is the numeric reason carried by a CMDERR message.
type ErrorCode byte

const (
	ErrCodeTooManyEvents  ErrorCode = 4
	ErrCodeInvalidEVIndex ErrorCode = 6
	ErrCodeInvalidEvent   ErrorCode = 7
	ErrCodeInvalidParam   ErrorCode = 9
	ErrCodeInvalidNVIndex ErrorCode = 10
)
