// Package config provides configuration loading and validation for bldr.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bldr-io/bldr/internal/routing"
	"github.com/bldr-io/bldr/internal/server"
	"github.com/bldr-io/bldr/internal/wire"
)

// Config holds all configuration for bldr processes. Each subcommand reads
// the sections it needs.
type Config struct {
	Cluster       ClusterConfig       `yaml:"cluster"`
	Router        RouterConfig        `yaml:"router"`
	Client        ClientConfig        `yaml:"client"`
	Service       ServiceConfig       `yaml:"service"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ClusterConfig struct {
	ID     string `yaml:"id" env:"BLDR_CLUSTER_ID"`
	ZoneID string `yaml:"zoneId" env:"BLDR_ZONE_ID"`
}

type RouterConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"BLDR_ROUTER_LISTEN_ADDR"`

	// AdvertiseAddr is published in discovery. Empty uses ListenAddr.
	AdvertiseAddr      string `yaml:"advertiseAddr" env:"BLDR_ROUTER_ADVERTISE_ADDR"`
	RouterID           string `yaml:"routerId" env:"BLDR_ROUTER_ID"`
	RequestTimeoutMs   int64  `yaml:"requestTimeoutMs" env:"BLDR_ROUTER_REQUEST_TIMEOUT_MS"`
	Policy             string `yaml:"policy" env:"BLDR_ROUTER_POLICY"`
	HandshakeTimeoutMs int64  `yaml:"handshakeTimeoutMs" env:"BLDR_ROUTER_HANDSHAKE_TIMEOUT_MS"`
	IdleTimeoutMs      int64  `yaml:"idleTimeoutMs" env:"BLDR_ROUTER_IDLE_TIMEOUT_MS"`
	PeerQueueSize      int    `yaml:"peerQueueSize" env:"BLDR_ROUTER_PEER_QUEUE_SIZE"`
	MaxFrameSize       int    `yaml:"maxFrameSize" env:"BLDR_MAX_FRAME_SIZE"`
	DrainTimeoutMs     int64  `yaml:"drainTimeoutMs" env:"BLDR_ROUTER_DRAIN_TIMEOUT_MS"`

	TLS server.TLSConfig `yaml:"tls"`
}

type ClientConfig struct {
	CallTimeoutMs        int64  `yaml:"callTimeoutMs" env:"BLDR_CALL_TIMEOUT_MS"`
	DialTimeoutMs        int64  `yaml:"dialTimeoutMs" env:"BLDR_DIAL_TIMEOUT_MS"`
	InitialBackoffMs     int64  `yaml:"initialBackoffMs" env:"BLDR_INITIAL_BACKOFF_MS"`
	MaxBackoffMs         int64  `yaml:"maxBackoffMs" env:"BLDR_MAX_BACKOFF_MS"`
	HeartbeatIntervalMs  int64  `yaml:"heartbeatIntervalMs" env:"BLDR_HEARTBEAT_INTERVAL_MS"`
	SendQueueSize        int    `yaml:"sendQueueSize" env:"BLDR_SEND_QUEUE_SIZE"`
	Compression          string `yaml:"compression" env:"BLDR_COMPRESSION"`
	CompressionThreshold int    `yaml:"compressionThreshold" env:"BLDR_COMPRESSION_THRESHOLD"`

	TLS server.TLSConfig `yaml:"tls"`
}

type ServiceConfig struct {
	// InstanceID identifies this process to routers. Empty generates one.
	InstanceID     string `yaml:"instanceId" env:"BLDR_INSTANCE_ID"`
	MaxConcurrent  int64  `yaml:"maxConcurrent" env:"BLDR_MAX_CONCURRENT"`
	DrainTimeoutMs int64  `yaml:"drainTimeoutMs" env:"BLDR_DRAIN_TIMEOUT_MS"`
}

// Discovery modes.
const (
	DiscoveryStatic = "static"
	DiscoveryOxia   = "oxia"
)

type DiscoveryConfig struct {
	// Mode is "static" (Routers) or "oxia" (router registrations).
	Mode         string   `yaml:"mode" env:"BLDR_DISCOVERY_MODE"`
	Routers      []string `yaml:"routers" env:"BLDR_ROUTERS"`
	OxiaEndpoint string   `yaml:"oxiaEndpoint" env:"BLDR_OXIA_ENDPOINT"`
	Namespace    string   `yaml:"namespace" env:"BLDR_OXIA_NAMESPACE"`
}

type GatewayConfig struct {
	ListenAddr     string `yaml:"listenAddr" env:"BLDR_GATEWAY_LISTEN_ADDR"`
	ReadTimeoutMs  int64  `yaml:"readTimeoutMs" env:"BLDR_GATEWAY_READ_TIMEOUT_MS"`
	WriteTimeoutMs int64  `yaml:"writeTimeoutMs" env:"BLDR_GATEWAY_WRITE_TIMEOUT_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"BLDR_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"BLDR_HEALTH_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"BLDR_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"BLDR_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			ID: "local",
		},
		Router: RouterConfig{
			ListenAddr:         ":7400",
			RequestTimeoutMs:   30000,
			Policy:             string(routing.PolicyRoundRobin),
			HandshakeTimeoutMs: 5000,
			IdleTimeoutMs:      30000,
			PeerQueueSize:      4096,
			MaxFrameSize:       wire.DefaultMaxFrameSize,
			DrainTimeoutMs:     10000,
		},
		Client: ClientConfig{
			CallTimeoutMs:        10000,
			DialTimeoutMs:        5000,
			InitialBackoffMs:     100,
			MaxBackoffMs:         5000,
			HeartbeatIntervalMs:  5000,
			SendQueueSize:        1024,
			Compression:          "none",
			CompressionThreshold: 4096,
		},
		Service: ServiceConfig{
			MaxConcurrent:  64,
			DrainTimeoutMs: 10000,
		},
		Discovery: DiscoveryConfig{
			Mode:         DiscoveryStatic,
			Routers:      []string{"localhost:7400"},
			OxiaEndpoint: "localhost:6648",
			Namespace:    "bldr",
		},
		Gateway: GatewayConfig{
			ListenAddr:     ":8080",
			ReadTimeoutMs:  10000,
			WriteTimeoutMs: 30000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cluster.ID == "" {
		errs = append(errs, errors.New("cluster.id is required"))
	}
	if _, err := routing.ParsePolicy(c.Router.Policy); err != nil {
		errs = append(errs, fmt.Errorf("router.policy: %w", err))
	}
	if c.Router.RequestTimeoutMs <= 0 {
		errs = append(errs, errors.New("router.requestTimeoutMs must be positive"))
	}
	if c.Client.CallTimeoutMs <= 0 {
		errs = append(errs, errors.New("client.callTimeoutMs must be positive"))
	}
	if c.Client.InitialBackoffMs <= 0 || c.Client.MaxBackoffMs < c.Client.InitialBackoffMs {
		errs = append(errs, errors.New("client backoff bounds must satisfy 0 < initialBackoffMs <= maxBackoffMs"))
	}
	if _, err := wire.ParseCompression(c.Client.Compression); err != nil {
		errs = append(errs, fmt.Errorf("client.compression: %w", err))
	}
	if c.Router.TLS.Enabled && (c.Router.TLS.CertFile == "" || c.Router.TLS.KeyFile == "") {
		errs = append(errs, errors.New("router.tls requires certFile and keyFile"))
	}
	switch c.Discovery.Mode {
	case DiscoveryStatic:
		if len(c.Discovery.Routers) == 0 {
			errs = append(errs, errors.New("discovery.routers is required in static mode"))
		}
	case DiscoveryOxia:
		if c.Discovery.OxiaEndpoint == "" {
			errs = append(errs, errors.New("discovery.oxiaEndpoint is required in oxia mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("discovery.mode must be %q or %q, got %q", DiscoveryStatic, DiscoveryOxia, c.Discovery.Mode))
	}
	return errors.Join(errs...)
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// RequestTimeout returns the router's request deadline.
func (c RouterConfig) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMs) }

// HandshakeTimeout returns the router's handshake deadline.
func (c RouterConfig) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMs) }

// IdleTimeout returns how long a silent peer is kept.
func (c RouterConfig) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMs) }

// DrainTimeout bounds how long shutdown waits for pending requests.
func (c RouterConfig) DrainTimeout() time.Duration { return ms(c.DrainTimeoutMs) }

// CallTimeout returns the default per-call budget.
func (c ClientConfig) CallTimeout() time.Duration { return ms(c.CallTimeoutMs) }

// DialTimeout returns the dial and handshake deadline.
func (c ClientConfig) DialTimeout() time.Duration { return ms(c.DialTimeoutMs) }

// InitialBackoff returns the first reconnect delay.
func (c ClientConfig) InitialBackoff() time.Duration { return ms(c.InitialBackoffMs) }

// MaxBackoff returns the reconnect delay cap.
func (c ClientConfig) MaxBackoff() time.Duration { return ms(c.MaxBackoffMs) }

// HeartbeatInterval returns the ping interval.
func (c ClientConfig) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }

// Compressor returns the payload compressor for the configured codec.
func (c ClientConfig) Compressor() (wire.PayloadCompressor, error) {
	codec, err := wire.ParseCompression(c.Compression)
	if err != nil {
		return wire.PayloadCompressor{}, err
	}
	return wire.PayloadCompressor{Codec: codec, Threshold: c.CompressionThreshold}, nil
}

// DrainTimeout bounds how long a service waits for in-flight handlers.
func (c ServiceConfig) DrainTimeout() time.Duration { return ms(c.DrainTimeoutMs) }

// ReadTimeout returns the gateway's HTTP read timeout.
func (c GatewayConfig) ReadTimeout() time.Duration { return ms(c.ReadTimeoutMs) }

// WriteTimeout returns the gateway's HTTP write timeout.
func (c GatewayConfig) WriteTimeout() time.Duration { return ms(c.WriteTimeoutMs) }
