// Package boltconfig owns URI parsing (§6) and the ambient DriverConfig
// that covers everything a connection URI does not carry: pool sizing,
// timeouts, TLS trust mode, and logging. Loading follows the same
// priority order HydraDNS used for its config: environment variables
// (HYDRABOLT_* prefix) over YAML file over hardcoded defaults.
package boltconfig

import (
	"time"

	"github.com/c2h5oh/datasize"
)

// TrustMode selects how a TLS-enabled URI scheme validates the server
// certificate.
type TrustMode int

const (
	// TrustNone means the URI used a bare scheme: plain TCP, no TLS.
	TrustNone TrustMode = iota
	// TrustSystemCAs is "+s": TLS verified against the system trust store.
	TrustSystemCAs
	// TrustAny is "+ssc": TLS negotiated but the peer certificate is not
	// validated against any CA (encrypted, not authenticated).
	TrustAny
)

func (m TrustMode) String() string {
	switch m {
	case TrustSystemCAs:
		return "system-ca"
	case TrustAny:
		return "any-cert"
	default:
		return "none"
	}
}

// PoolConfig sizes and times out connection acquisition (§4.3, §4.4).
type PoolConfig struct {
	MaxConnectionPoolSize int           `yaml:"max_connection_pool_size" mapstructure:"max_connection_pool_size" validate:"min=1"`
	ConnectionAcquisitionTimeout time.Duration `yaml:"connection_acquisition_timeout" mapstructure:"connection_acquisition_timeout" validate:"min=0"`
	MaxConnectionLifetime time.Duration `yaml:"max_connection_lifetime" mapstructure:"max_connection_lifetime" validate:"min=0"`
	LivenessCheckTimeout  time.Duration `yaml:"liveness_check_timeout" mapstructure:"liveness_check_timeout" validate:"min=0"`
}

// RoutingConfig controls routing-table freshness and resolution (§4.4).
type RoutingConfig struct {
	RoutingTableTTLOverride time.Duration `yaml:"routing_table_ttl_override" mapstructure:"routing_table_ttl_override"`
	ResolverCacheTTL        time.Duration `yaml:"resolver_cache_ttl" mapstructure:"resolver_cache_ttl" validate:"min=0"`
}

// RetryConfig parameterizes the managed-retry executor (§4.5, §9, P8).
type RetryConfig struct {
	MaxRetryTime    time.Duration `yaml:"max_retry_time" mapstructure:"max_retry_time" validate:"min=0"`
	InitialDelay    time.Duration `yaml:"initial_delay" mapstructure:"initial_delay" validate:"min=0"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier" validate:"min=1"`
	JitterFactor    float64       `yaml:"jitter_factor" mapstructure:"jitter_factor" validate:"min=0,max=1"`
}

// WireConfig carries the byte-size knobs of the framing/codec layer,
// typed as datasize.ByteSize so YAML can say "16KiB" instead of a raw
// integer of bytes.
type WireConfig struct {
	ChunkSize      datasize.ByteSize `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxMessageSize datasize.ByteSize `yaml:"max_message_size" mapstructure:"max_message_size"`
}

// LoggingConfig mirrors internal/driverlog.Config, duplicated here (not
// embedded) so boltconfig has no import-cycle dependency on driverlog;
// callers translate with driverlog.Config{Level: cfg.Logging.Level, ...}.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Structured bool   `yaml:"structured" mapstructure:"structured"`
}

// DriverConfig is the root ambient configuration structure, everything
// a connection URI does not itself express.
type DriverConfig struct {
	Pool    PoolConfig    `yaml:"pool" mapstructure:"pool"`
	Routing RoutingConfig `yaml:"routing" mapstructure:"routing"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Wire    WireConfig    `yaml:"wire" mapstructure:"wire"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	TrustAnyCertificate bool `yaml:"-" mapstructure:"-"` // set from the URI scheme, not from config
}
