package carrier

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

type config struct {
	processID        string
	logHandler       slog.Handler
	msink            metrics.MetricSink
	metricLabels     []metrics.Label
	boot             Bootstrapper
	bindAddr         string
	handshakeTimeout time.Duration
	carriers         []Carrier
	elections        *Elections
	resolver         Resolver

	// zero keeps the carrier default.
	broadcastWriteTimeout time.Duration

	// gossip directory, only started when gossip is set.
	gossip     bool
	mlCfg      *memberlist.Config
	neighbours []string
}

// Option to pass to `New`
type Option func(*config) error

// WithProcessID overrides the identifier used to detect handshakes
// looping back into this process.
func WithProcessID(id string) Option {
	return func(c *config) error {
		if id != "" {
			c.processID = id
		}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still emits with the armon flavour.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithBootstrap sets how carriers bootstrap their data channels,
// defaults to plain TCP.
func WithBootstrap(boot Bootstrapper) Option {
	return func(c *config) error {
		c.boot = boot
		return nil
	}
}

// WithTlsConfig bootstraps data channels on QUIC secured by tlsConf.
// It is REALLY important that you use mTLS in production.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.boot = &QUICBootstrap{TlsConfig: tlsConf.Clone()}
		return nil
	}
}

// WithBindAddr is the IP bootstrap listeners are allocated on.
func WithBindAddr(addr string) Option {
	return func(c *config) error {
		c.bindAddr = addr
		return nil
	}
}

// WithHandshakeTimeout bounds handshakes whose context has no deadline.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("negative handshake timeout %s", timeout)
		}
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithBroadcastWriteTimeout bounds every frame a broadcast group writes
// to one of its receivers, slower receivers are dropped.
func WithBroadcastWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("negative broadcast write timeout %s", timeout)
		}
		c.broadcastWriteTimeout = timeout
		return nil
	}
}

// WithCarrier registers an additional carrier.
func WithCarrier(carrier Carrier) Option {
	return func(c *config) error {
		c.carriers = append(c.carriers, carrier)
		return nil
	}
}

// WithElections shares an election registry between several nodes.
func WithElections(elections *Elections) Option {
	return func(c *config) error {
		c.elections = elections
		return nil
	}
}

// WithResolver sets how port names are resolved when the gossip
// directory is disabled.
func WithResolver(resolver Resolver) Option {
	return func(c *config) error {
		c.resolver = resolver
		return nil
	}
}

// WithListenOn enables the gossip directory on the given interface.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.gossip = true
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithHostname specifies which hostname should be exposed to other
// peers when joining the cluster. For a well-behaving cluster, the name
// MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.mlCfg.Name = hostname
		}
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.gossip = true
		c.neighbours = neighbours
		return nil
	}
}
