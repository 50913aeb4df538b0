package common

import (
	"fmt"
	"net"
	"time"
)

// DiagnosticsConfig configures the read-only status server in
// pkg/diagnostics. Adapted from be_cluster's WebServerConfig.
type DiagnosticsConfig struct {
	Enable      bool   `help:"Enable the diagnostics HTTP server" name:"enable" default:"true"`
	Addr        string `help:"Address for the diagnostics server to listen on" name:"addr" default:":7080"`
	EnablePprof bool   `help:"Enable pprof routes under /debug/pprof" name:"pprof" default:"true"`
}

// MetricsConfig configures pkg/metrics. democlient reads only Enable and
// always builds an in-memory collector; SinkType and Namespace are parsed
// but not read anywhere. Adapted from be_cluster's MetricsConfig.
type MetricsConfig struct {
	Enable    bool   `help:"Enable metrics collection" name:"enable" default:"false"`
	SinkType  string `help:"Metrics sink type: prometheus or memory" name:"sink" default:"prometheus"`
	Namespace string `help:"Metric name prefix" name:"namespace" default:"shardconn"`
}

// TimerConfig carries flags named after the backendconn tiered-timer
// constants. Nothing in this module reads these fields: backendconn always
// runs on its own fixed BackendAliveTimeout, RequestTimeout,
// NoProgressTimeout and MaxDelay constants, whatever the flags are set to.
type TimerConfig struct {
	BackendAliveTimeout time.Duration `help:"How long a connection may go without any response before it is considered dead and reconnected" name:"backend-alive-timeout" default:"30s"`
	RequestTimeout      time.Duration `help:"How long a single request may remain unanswered before it is failed" name:"request-timeout" default:"2m"`
	NoProgressTimeout   time.Duration `help:"How long a connection may keep failing to make progress across reconnects before it is poisoned" name:"no-progress-timeout" default:"15m"`
	MaxDelay            time.Duration `help:"Ceiling on the backpressure delay sendRequest will sleep for" name:"max-delay" default:"5s"`
}

// ClientConfig is the top-level kong-tagged configuration for a shardconn
// client process. Adapted from be_cluster's ProxyConfig: pool-less (this
// core keeps exactly one live Connection per backend, no pool sizing to
// configure) and with the gnet/TLS/service-listener concerns that belonged
// to an inbound proxy dropped entirely.
type ClientConfig struct {
	NodeID      string            `help:"Identity of this client node, used in logs and diagnostics" name:"node-id" default:"local-client"`
	Timers      TimerConfig       `embed:"" prefix:"timers."`
	Diagnostics DiagnosticsConfig `embed:"" prefix:"diagnostics."`
	Metrics     MetricsConfig     `embed:"" prefix:"metrics."`
}

func (c *ClientConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node-id must not be empty")
	}
	if c.Diagnostics.Enable {
		if _, _, err := net.SplitHostPort(c.Diagnostics.Addr); err != nil {
			return fmt.Errorf("invalid diagnostics address %q: %w", c.Diagnostics.Addr, err)
		}
	}
	return nil
}
