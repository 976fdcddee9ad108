package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-cbus-node/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames taken off the link by the transport.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames transmitted successfully.",
	})
	CANTxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_priority_retries_total",
		Help: "Transmissions retried at the next major priority after a timeout.",
	})
	CANTxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_timeouts_total",
		Help: "Transmissions abandoned after every priority attempt timed out.",
	})
	CANIDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_id_collisions_total",
		Help: "Frames seen on the bus carrying this node's own CAN id.",
	})
	Enumerations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_id_enumerations_total",
		Help: "Completed self-enumeration runs that adopted a new CAN id.",
	})
	RxOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_ring_overruns_total",
		Help: "Received frames overwritten in the RX ring before being consumed.",
	})
	CBUSMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbus_messages_total",
		Help: "Total CBUS messages decoded by the protocol engine.",
	})
	UnknownOpcodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbus_unknown_opcodes_total",
		Help: "Messages whose opcode has no handler.",
	})
	AccessoryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbus_accessory_events_total",
		Help: "Accessory events delivered to the application, by task.",
	}, []string{"task"})
	LearnMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cbus_learn_mode",
		Help: "1 while the node is in learn mode.",
	})
	StoredEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cbus_stored_events",
		Help: "Number of events in the node's event table.",
	})
	NodeNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cbus_node_number",
		Help: "Current node number (0 while unconfigured).",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridconnect_tcp_rx_frames_total",
		Help: "Total frames received from GridConnect TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridconnect_tcp_tx_frames_total",
		Help: "Total frames sent to GridConnect TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by the hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Currently connected GridConnect TCP clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted by the last broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Max per-client queue depth observed at last broadcast.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Average per-client queue depth observed at last broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad wire syntax, short CBUS messages).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSPI              = "spi"
	ErrControllerAbsent = "controller_absent"
	ErrTxBusy           = "tx_busy"
	ErrPersist          = "persist"
	ErrSerialRead       = "serial_read"
	ErrSerialWrite      = "serial_write"
	ErrSerialOverflow   = "serial_tx_overflow"
	ErrSocketCANRead    = "socketcan_read"
	ErrSocketCANWrite   = "socketcan_write"
	ErrSocketCANOver    = "socketcan_tx_overflow"
	ErrTCPRead          = "tcp_read"
	ErrTCPWrite         = "tcp_write"
	ErrEngineSend       = "engine_send"
	ErrBackendTx        = "backend_tx"
	ErrContext          = "context"
	ErrOther            = "other"
	ErrCANIDExhausted   = "can_id_exhausted"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx      uint64
	localCANTx      uint64
	localTxRetries  uint64
	localTxTimeouts uint64
	localCollisions uint64
	localEnumerated uint64
	localOverruns   uint64
	localMessages   uint64
	localUnknown    uint64
	localAccessory  uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localFanout     uint64
	localQDMax      uint64
	localQDAvg      uint64
	localErrors     uint64
	localMalformed  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx        uint64
	CANTx        uint64
	TxRetries    uint64
	TxTimeouts   uint64
	Collisions   uint64
	Enumerations uint64
	RxOverruns   uint64
	Messages     uint64
	Unknown      uint64
	Accessory    uint64
	TCPRx        uint64
	TCPTx        uint64
	HubDrops     uint64
	HubKicks     uint64
	HubRejects   uint64
	HubClients   uint64
	Fanout       uint64
	QueueMax     uint64
	QueueAvg     uint64
	Errors       uint64 // sum across error labels
	Malformed    uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:        atomic.LoadUint64(&localCANRx),
		CANTx:        atomic.LoadUint64(&localCANTx),
		TxRetries:    atomic.LoadUint64(&localTxRetries),
		TxTimeouts:   atomic.LoadUint64(&localTxTimeouts),
		Collisions:   atomic.LoadUint64(&localCollisions),
		Enumerations: atomic.LoadUint64(&localEnumerated),
		RxOverruns:   atomic.LoadUint64(&localOverruns),
		Messages:     atomic.LoadUint64(&localMessages),
		Unknown:      atomic.LoadUint64(&localUnknown),
		Accessory:    atomic.LoadUint64(&localAccessory),
		TCPRx:        atomic.LoadUint64(&localTCPRx),
		TCPTx:        atomic.LoadUint64(&localTCPTx),
		HubDrops:     atomic.LoadUint64(&localHubDrop),
		HubKicks:     atomic.LoadUint64(&localHubKick),
		HubRejects:   atomic.LoadUint64(&localHubReject),
		HubClients:   atomic.LoadUint64(&localHubClients),
		Fanout:       atomic.LoadUint64(&localFanout),
		QueueMax:     atomic.LoadUint64(&localQDMax),
		QueueAvg:     atomic.LoadUint64(&localQDAvg),
		Errors:       atomic.LoadUint64(&localErrors),
		Malformed:    atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncTxRetry() {
	CANTxRetries.Inc()
	atomic.AddUint64(&localTxRetries, 1)
}

func IncTxTimeout() {
	CANTxTimeouts.Inc()
	atomic.AddUint64(&localTxTimeouts, 1)
}

func IncCollision() {
	CANIDCollisions.Inc()
	atomic.AddUint64(&localCollisions, 1)
}

func IncEnumeration() {
	Enumerations.Inc()
	atomic.AddUint64(&localEnumerated, 1)
}

// AddRxOverruns records frames lost to ring overwrites.
func AddRxOverruns(n uint64) {
	if n == 0 {
		return
	}
	RxOverruns.Add(float64(n))
	atomic.AddUint64(&localOverruns, n)
}

func IncMessage() {
	CBUSMessages.Inc()
	atomic.AddUint64(&localMessages, 1)
}

func IncUnknownOpcode() {
	UnknownOpcodes.Inc()
	atomic.AddUint64(&localUnknown, 1)
}

func IncAccessory(task string) {
	AccessoryEvents.WithLabelValues(task).Inc()
	atomic.AddUint64(&localAccessory, 1)
}

func SetLearnMode(on bool) {
	if on {
		LearnMode.Set(1)
		return
	}
	LearnMode.Set(0)
}

func SetStoredEvents(n int) { StoredEvents.Set(float64(n)) }

func SetNodeNumber(nn uint16) { NodeNumber.Set(float64(nn)) }

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSPI, ErrControllerAbsent, ErrTxBusy, ErrPersist,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrSocketCANRead, ErrSocketCANWrite, ErrSocketCANOver,
		ErrTCPRead, ErrTCPWrite, ErrEngineSend,
		ErrBackendTx, ErrContext, ErrOther, ErrCANIDExhausted,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, task := range []string{"on", "off"} {
		AccessoryEvents.WithLabelValues(task).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
