// Package metrics exports session cache, handshake and ticket key rotation
// events to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Mmx233/QResume/handshaker"
	"github.com/Mmx233/QResume/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// CacheObserver exports session cache events, labelled by cache name.
type CacheObserver struct {
	lookups   *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

// NewCacheObserver registers session cache metrics on the registry.
func NewCacheObserver(reg prometheus.Registerer) *CacheObserver {
	o := &CacheObserver{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qresume_session_cache_lookups_total",
			Help: "Session cache lookups by result.",
		}, []string{"cache", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qresume_session_cache_evictions_total",
			Help: "Sessions dropped from the cache by reason.",
		}, []string{"cache", "reason"}),
	}
	reg.MustRegister(o.lookups, o.evictions)
	return o
}

// For returns the observer to pass to session.WithObserver for the cache
// named name.
func (o *CacheObserver) For(name string) session.Observer {
	return cacheEvents{
		hit:     o.lookups.WithLabelValues(name, "hit"),
		miss:    o.lookups.WithLabelValues(name, "miss"),
		evict:   o.evictions.WithLabelValues(name, "capacity"),
		replace: o.evictions.WithLabelValues(name, "replaced"),
	}
}

// cacheEvents holds pre-resolved counters since cache callbacks run under
// the cache lock.
type cacheEvents struct {
	hit, miss, evict, replace prometheus.Counter
}

func (e cacheEvents) Hit()     { e.hit.Inc() }
func (e cacheEvents) Miss()    { e.miss.Inc() }
func (e cacheEvents) Evict()   { e.evict.Inc() }
func (e cacheEvents) Replace() { e.replace.Inc() }

// RegisterCacheSize exports the current entry count of cache.
func RegisterCacheSize(reg prometheus.Registerer, name string, cache *session.Cache) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "qresume_session_cache_entries",
		Help:        "Current number of cached sessions.",
		ConstLabels: prometheus.Labels{"cache": name},
	}, func() float64 {
		return float64(cache.Size())
	}))
}

// HandshakeObserver exports handshake outcomes.
type HandshakeObserver struct {
	handshakes  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	newSessions *prometheus.CounterVec
}

// NewHandshakeObserver registers handshake metrics on the registry.
func NewHandshakeObserver(reg prometheus.Registerer) *HandshakeObserver {
	o := &HandshakeObserver{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qresume_handshakes_total",
			Help: "TLS handshakes by side, result and resumption.",
		}, []string{"side", "result", "resumed"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qresume_handshake_duration_seconds",
			Help:    "TLS handshake duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"side", "resumed"}),
		newSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qresume_new_sessions_total",
			Help: "Sessions issued by servers, by whether they were cached.",
		}, []string{"result"}),
	}
	reg.MustRegister(o.handshakes, o.latency, o.newSessions)
	return o
}

var _ handshaker.Observer = (*HandshakeObserver)(nil)

func (o *HandshakeObserver) Handshake(side handshaker.Side, resumed bool, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r := strconv.FormatBool(resumed)
	o.handshakes.WithLabelValues(string(side), result, r).Inc()
	if err == nil {
		o.latency.WithLabelValues(string(side), r).Observe(d.Seconds())
	}
}

func (o *HandshakeObserver) NewSession(stored bool) {
	if stored {
		o.newSessions.WithLabelValues("stored").Inc()
		return
	}
	o.newSessions.WithLabelValues("discarded").Inc()
}

// TicketKeyObserver exports session ticket key rotations.
type TicketKeyObserver struct {
	rotations prometheus.Counter
	keys      prometheus.Gauge
}

// NewTicketKeyObserver registers ticket key metrics on the registry.
func NewTicketKeyObserver(reg prometheus.Registerer) *TicketKeyObserver {
	o := &TicketKeyObserver{
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qresume_ticket_key_rotations_total",
			Help: "Session ticket key rotations.",
		}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qresume_ticket_keys",
			Help: "Session ticket keys currently accepted.",
		}),
	}
	reg.MustRegister(o.rotations, o.keys)
	return o
}

// Rotated matches the stek rotation hook.
func (o *TicketKeyObserver) Rotated(total int) {
	o.rotations.Inc()
	o.keys.Set(float64(total))
}
