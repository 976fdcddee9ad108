package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/logging"
	"github.com/kstaniek/go-cbus-node/internal/mcp2515"
	"github.com/kstaniek/go-cbus-node/internal/nodestate"
)

type appConfig struct {
	backend      string
	spiDev       string
	spiSpeed     int
	csGPIO       int
	intGPIO      int
	oscHz        int
	mcpMode      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	canIf        string
	canID        int
	dataDir      string
	pollInterval time.Duration

	listenAddr   string
	maxClients   int
	hubBuffer    int
	hubPolicy    string
	clientReadTO time.Duration
	mdnsEnable   bool
	mdnsName     string

	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration

	manufacturer    int
	cpuManufacturer int
	module          int
	name            string
	majorVersion    int
	minorVersion    string
	beta            int
	consumer        bool
	producer        bool
	consumeOwn      bool
	nodeVariables   int
	eventVariables  int
}

func defaultConfig() *appConfig {
	return &appConfig{
		backend:         "mcp2515",
		spiDev:          "/dev/spidev0.0",
		spiSpeed:        10_000_000,
		csGPIO:          -1,
		intGPIO:         25,
		oscHz:           mcp2515.DefaultOscillatorHz,
		mcpMode:         "normal",
		serialDev:       "/dev/ttyACM0",
		baud:            115200,
		serialReadTO:    50 * time.Millisecond,
		canIf:           "can0",
		canID:           mcp2515.DefaultCANID,
		dataDir:         "/var/lib/cbus-node",
		pollInterval:    5 * time.Millisecond,
		listenAddr:      ":5550",
		hubBuffer:       512,
		hubPolicy:       "drop",
		clientReadTO:    60 * time.Second,
		logFormat:       "text",
		logLevel:        "info",
		manufacturer:    165,
		cpuManufacturer: 3,
		module:          58,
		name:            "TEST",
		majorVersion:    1,
		minorVersion:    "A",
		beta:            1,
		consumer:        true,
		producer:        true,
		nodeVariables:   8,
		eventVariables:  8,
	}
}

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := defaultConfig()
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "CAN transport: mcp2515|gridconnect|socketcan")
	fs.StringVar(&cfg.spiDev, "spi-dev", cfg.spiDev, "spidev device of the MCP2515")
	fs.IntVar(&cfg.spiSpeed, "spi-speed", cfg.spiSpeed, "SPI clock in Hz")
	fs.IntVar(&cfg.csGPIO, "cs-gpio", cfg.csGPIO, "GPIO driving MCP2515 chip select (-1 = spidev hardware CS)")
	fs.IntVar(&cfg.intGPIO, "int-gpio", cfg.intGPIO, "GPIO wired to the MCP2515 INT pin")
	fs.IntVar(&cfg.oscHz, "osc", cfg.oscHz, "MCP2515 crystal frequency in Hz (8000000|16000000)")
	fs.StringVar(&cfg.mcpMode, "mcp-mode", cfg.mcpMode, "MCP2515 operating mode: normal|loopback|listen-only")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "GridConnect serial adapter device")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when -backend=socketcan)")
	fs.IntVar(&cfg.canID, "can-id", cfg.canID, "CAN id for backends without self-enumeration (1..127)")
	fs.StringVar(&cfg.dataDir, "data-dir", cfg.dataDir, "Directory for persisted node state")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", cfg.pollInterval, "Engine poll interval")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "GridConnect TCP listen address; empty disables")
	fs.IntVar(&cfg.maxClients, "max-clients", cfg.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", cfg.mdnsEnable, "Advertise the GridConnect service over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", cfg.mdnsName, "mDNS instance name (default cbus-node-<hostname>)")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.manufacturer, "manufacturer", cfg.manufacturer, "Manufacturer id (parameter 1)")
	fs.IntVar(&cfg.cpuManufacturer, "cpu-manufacturer", cfg.cpuManufacturer, "CPU manufacturer id (parameter 19)")
	fs.IntVar(&cfg.module, "module", cfg.module, "Module id (parameter 3)")
	fs.StringVar(&cfg.name, "name", cfg.name, "Module name")
	fs.IntVar(&cfg.majorVersion, "major-version", cfg.majorVersion, "Firmware major version")
	fs.StringVar(&cfg.minorVersion, "minor-version", cfg.minorVersion, "Firmware minor version letter")
	fs.IntVar(&cfg.beta, "beta", cfg.beta, "Beta number (0 = release)")
	fs.BoolVar(&cfg.consumer, "consumer", cfg.consumer, "Node consumes events")
	fs.BoolVar(&cfg.producer, "producer", cfg.producer, "Node produces events")
	fs.BoolVar(&cfg.consumeOwn, "consume-own-events", cfg.consumeOwn, "Advertise consume-own-events in the flags parameter")
	fs.IntVar(&cfg.nodeVariables, "node-variables", cfg.nodeVariables, "Number of node variables")
	fs.IntVar(&cfg.eventVariables, "event-variables", cfg.eventVariables, "Number of variables per event")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}

	// Explicitly set flags take precedence over the environment.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges; it does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case backendMCP2515:
		if c.spiDev == "" {
			return errors.New("spi-dev required for mcp2515 backend")
		}
		if c.spiSpeed <= 0 {
			return fmt.Errorf("spi-speed must be > 0 (got %d)", c.spiSpeed)
		}
		if c.intGPIO < 0 {
			return fmt.Errorf("int-gpio must be >= 0 (got %d)", c.intGPIO)
		}
		if c.oscHz != 8_000_000 && c.oscHz != 16_000_000 {
			return fmt.Errorf("osc must be 8000000 or 16000000 (got %d)", c.oscHz)
		}
		if _, err := mcp2515.ParseMode(c.mcpMode); err != nil {
			return err
		}
	case backendGridConnect:
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	case backendSocketCAN:
		if c.canIf == "" {
			return errors.New("can-if required for socketcan backend")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.canID < 1 || c.canID > 127 {
		return fmt.Errorf("can-id must be 1..127 (got %d)", c.canID)
	}
	if c.dataDir == "" {
		return errors.New("data-dir required")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	for name, v := range map[string]int{
		"manufacturer": c.manufacturer, "cpu-manufacturer": c.cpuManufacturer, "module": c.module,
		"major-version": c.majorVersion, "beta": c.beta,
		"node-variables": c.nodeVariables, "event-variables": c.eventVariables,
	} {
		if v < 0 || v > 255 {
			return fmt.Errorf("%s must be 0..255 (got %d)", name, v)
		}
	}
	if len(c.minorVersion) != 1 {
		return fmt.Errorf("minor-version must be one character (got %q)", c.minorVersion)
	}
	return nil
}

// nodeConfig is the identity of a freshly initialised node.
func (c *appConfig) nodeConfig() nodestate.Config {
	return nodestate.Config{
		ManufacturerID:    byte(c.manufacturer),
		CPUManufacturerID: byte(c.cpuManufacturer),
		ModuleID:          byte(c.module),
		Name:              c.name,
		MajorVersion:      byte(c.majorVersion),
		MinorVersion:      c.minorVersion[0],
		Beta:              byte(c.beta),
		Consumer:          c.consumer,
		Producer:          c.producer,
		FLiM:              true,
		ConsumeOwnEvents:  c.consumeOwn,
		NodeVariables:     c.nodeVariables,
		EventVariables:    c.eventVariables,
	}
}

// applyEnvOverrides maps CBUS_NODE_* environment variables to config fields
// unless the corresponding flag was set explicitly. Empty values are ignored.
// The first parse error is returned after all variables are applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	lookup := func(flagName string) (string, string, bool) {
		if _, ok := set[flagName]; ok {
			return "", "", false
		}
		key := "CBUS_NODE_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return key, v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(flagName string, dst *string) {
		if _, v, ok := lookup(flagName); ok {
			*dst = v
		}
	}
	num := func(flagName string, dst *int) {
		if key, v, ok := lookup(flagName); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName string, dst *time.Duration) {
		if key, v, ok := lookup(flagName); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName string, dst *bool) {
		if key, v, ok := lookup(flagName); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", &c.backend)
	str("spi-dev", &c.spiDev)
	num("spi-speed", &c.spiSpeed)
	num("cs-gpio", &c.csGPIO)
	num("int-gpio", &c.intGPIO)
	num("osc", &c.oscHz)
	str("mcp-mode", &c.mcpMode)
	str("serial", &c.serialDev)
	num("baud", &c.baud)
	dur("serial-read-timeout", &c.serialReadTO)
	str("can-if", &c.canIf)
	num("can-id", &c.canID)
	str("data-dir", &c.dataDir)
	dur("poll-interval", &c.pollInterval)
	// An empty CBUS_NODE_LISTEN disables the server, so it bypasses lookup.
	if _, ok := set["listen"]; !ok {
		if v, ok := os.LookupEnv("CBUS_NODE_LISTEN"); ok {
			c.listenAddr = strings.TrimSpace(v)
		}
	}
	num("max-clients", &c.maxClients)
	num("hub-buffer", &c.hubBuffer)
	str("hub-policy", &c.hubPolicy)
	dur("client-read-timeout", &c.clientReadTO)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	str("metrics-addr", &c.metricsAddr)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	dur("log-metrics-interval", &c.logMetricsEvery)
	num("manufacturer", &c.manufacturer)
	num("cpu-manufacturer", &c.cpuManufacturer)
	num("module", &c.module)
	str("name", &c.name)
	num("major-version", &c.majorVersion)
	str("minor-version", &c.minorVersion)
	num("beta", &c.beta)
	boolean("consumer", &c.consumer)
	boolean("producer", &c.producer)
	boolean("consume-own-events", &c.consumeOwn)
	num("node-variables", &c.nodeVariables)
	num("event-variables", &c.eventVariables)
	return firstErr
}
