package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Error reasons used as the "reason" label.
const (
	ReasonMalformed     = "malformed"
	ReasonIntegrity     = "integrity"
	ReasonUnknownSender = "unknown_sender"
	ReasonRegistryFull  = "registry_full"
	ReasonAddrCollision = "address_collision"
	ReasonLateReply     = "late_reply"
	ReasonMismatch      = "mismatch"
	ReasonOutOfRange    = "out_of_range"
	ReasonNotMaster     = "not_master"
	ReasonSendFailed    = "send_failed"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmsnet",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Protocol frames by role, direction and kind.",
		},
		[]string{"node", "role", "direction", "kind"},
	)
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmsnet",
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Dropped or rejected protocol input by reason.",
		},
		[]string{"node", "role", "reason"},
	)
	registryPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bmsnet",
			Subsystem: "registry",
			Name:      "peers",
			Help:      "Occupied registry slots.",
		},
		[]string{"node"},
	)
	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bmsnet",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Peers evicted for exceeding the liveness TTL.",
		},
		[]string{"node"},
	)
	syncOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bmsnet",
			Subsystem: "sync",
			Name:      "offset_microseconds",
			Help:      "Offset applied by a peer in its last completed round.",
		},
		[]string{"peer"},
	)
	syncRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bmsnet",
			Subsystem: "sync",
			Name:      "round_trip_seconds",
			Help:      "Round trip estimated by completed sync rounds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2},
		},
		[]string{"peer"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, errorsTotal, registryPeers, evictionsTotal, syncOffset, syncRoundTrip)
	})
}

// Recorder labels every observation with the local node and its role.
type Recorder struct {
	node string
	role string
}

func NewRecorder(node, role string) *Recorder {
	RegisterMetrics()
	return &Recorder{node: node, role: role}
}

func (r *Recorder) Frame(direction, kind string) {
	if r == nil {
		return
	}
	framesTotal.WithLabelValues(r.node, r.role, direction, kind).Inc()
}

func (r *Recorder) Error(reason string) {
	if r == nil {
		return
	}
	errorsTotal.WithLabelValues(r.node, r.role, reason).Inc()
}

func (r *Recorder) Peers(n int) {
	if r == nil {
		return
	}
	registryPeers.WithLabelValues(r.node).Set(float64(n))
}

func (r *Recorder) Evicted(n int) {
	if r == nil || n == 0 {
		return
	}
	evictionsTotal.WithLabelValues(r.node).Add(float64(n))
}

func (r *Recorder) Sync(peer string, offsetUS, roundTripUS int64) {
	if r == nil {
		return
	}
	syncOffset.WithLabelValues(peer).Set(float64(offsetUS))
	syncRoundTrip.WithLabelValues(peer).Observe((time.Duration(roundTripUS) * time.Microsecond).Seconds())
}
