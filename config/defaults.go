package config

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxIdleTimeout is the default QUIC connection idle timeout
	DefaultMaxIdleTimeout = 30 * time.Second

	// DefaultALPN is offered when no ALPN protocol is configured
	DefaultALPN = "qresume"

	// DefaultSessionCacheCapacity is the number of server names a session
	// cache remembers
	DefaultSessionCacheCapacity = 256

	// DefaultProbeCount is the number of handshakes per target; the second
	// one is the first that can resume
	DefaultProbeCount = 2

	// DefaultProbeInterval is the pause between two handshakes to the same target
	DefaultProbeInterval = 100 * time.Millisecond

	// DefaultProbeTimeout bounds a single dial, handshake and exchange
	DefaultProbeTimeout = 10 * time.Second

	// DefaultTicketKeyRotationOverlap is the number of ticket keys accepted
	// while rotating
	DefaultTicketKeyRotationOverlap = 3

	// DefaultMetricsPath is where Prometheus metrics are served
	DefaultMetricsPath = "/metrics"
)

// Probe transports
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

// GenerateClientID generates a new UUID for use as a client identifier.
// This is useful for K8s deployments where multiple pods share the same ConfigMap.
func GenerateClientID() string {
	return uuid.New().String()
}
