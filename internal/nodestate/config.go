package nodestate

// Parameter block positions.
const (
	ParamCount           = 0
	ParamManufacturer    = 1
	ParamMinorVersion    = 2
	ParamModuleID        = 3
	ParamMaxEvents       = 4
	ParamEventVariables  = 5
	ParamNodeVariables   = 6
	ParamMajorVersion    = 7
	ParamFlags           = 8
	ParamCPUID           = 9
	ParamInterface       = 10
	ParamCPUManufacturer = 19
	ParamBeta            = 20

	// NumParameters is the number of parameters after the count byte.
	NumParameters = 20
)

// Capability flag bits reported in parameter 8 and PNN.
const (
	FlagConsumer   = 0x01
	FlagProducer   = 0x02
	FlagFLiM       = 0x04
	FlagBootloader = 0x08
	FlagCOE        = 0x10
	FlagLearn      = 0x20
)

// Interface types for parameter 10.
const (
	InterfaceCAN      = 1
	InterfaceEthernet = 2
)

const DefaultMaxEvents = 255

// Config is the identity a fresh node is initialised with.
type Config struct {
	ManufacturerID    byte
	CPUManufacturerID byte
	ModuleID          byte
	Name              string
	MajorVersion      byte
	MinorVersion      byte // a letter, 'A' for version 1A
	Beta              byte

	Consumer         bool
	Producer         bool
	FLiM             bool
	Bootloader       bool
	ConsumeOwnEvents bool

	NodeVariables  int
	EventVariables int
	MaxEvents      int  // defaults to 255
	Interface      byte // defaults to InterfaceCAN
}

func (c *Config) applyDefaults() {
	if c.MaxEvents <= 0 || c.MaxEvents > DefaultMaxEvents {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.Interface == 0 {
		c.Interface = InterfaceCAN
	}
	if c.NodeVariables < 0 {
		c.NodeVariables = 0
	}
	if c.EventVariables < 0 {
		c.EventVariables = 0
	}
	if c.NodeVariables > 255 {
		c.NodeVariables = 255
	}
	if c.EventVariables > 255 {
		c.EventVariables = 255
	}
}
