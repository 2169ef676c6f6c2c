package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private prometheus registry so several relays can live in one test binary. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	frames    *prometheus.CounterVec
	malformed prometheus.Counter
	rejected  prometheus.Counter
	evicted   prometheus.Counter
	peers     prometheus.Gauge
	rooms     prometheus.Gauge
	backups   *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames received by source (peer or fanout) and kind",
		}, []string{"source", "kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they could not be decoded",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_deltas_total",
			Help:      "Document deltas that failed to merge and were not rebroadcast",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_peers_total",
			Help:      "Peers disconnected because their send queue was full",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected peers across all rooms",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms held in memory",
		}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_backups_total",
			Help:      "Room persistence attempts by result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.frames, m.malformed, m.rejected, m.evicted, m.peers, m.rooms, m.backups)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) frame(source, kind string) {
	if m != nil {
		m.frames.WithLabelValues(source, kind).Inc()
	}
}

func (m *Metrics) malformedFrame() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) rejectedDelta() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) evictedPeer() {
	if m != nil {
		m.evicted.Inc()
	}
}

func (m *Metrics) peerDelta(n float64) {
	if m != nil {
		m.peers.Add(n)
	}
}

func (m *Metrics) roomCreated() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) roomRemoved() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) backup(result string) {
	if m != nil {
		m.backups.WithLabelValues(result).Inc()
	}
}
