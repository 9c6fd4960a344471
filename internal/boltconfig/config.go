package boltconfig

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// PoolKind selects which acquisition strategy a URI requests: a direct
// single-address pool, or one fronted by cluster routing.
type PoolKind int

const (
	PoolDirect PoolKind = iota
	PoolRouting
)

// ParsedURI is the result of parsing a connection URI (§6): scheme,
// target address, trust mode, and routing context.
type ParsedURI struct {
	Kind            PoolKind
	Trust           TrustMode
	Host            string
	Port            int
	RoutingContext  map[string]string
}

// ParseURI parses a Bolt/Neo4j connection URI. Supported schemes are
// bolt, bolt+s, bolt+ssc, neo4j, neo4j+s, neo4j+ssc. Username/password in
// the URI (userinfo) are rejected, as is any duplicate query key — both
// are rejected rather than silently taking the last value, since a
// silently-dropped credential or routing-context key is worse than a
// hard failure at dial time.
func ParseURI(raw string) (*ParsedURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("boltconfig: parse URI: %w", err)
	}
	if u.User != nil {
		return nil, fmt.Errorf("boltconfig: credentials must not appear in the URI")
	}

	scheme, trust, kind, err := splitScheme(u.Scheme)
	if err != nil {
		return nil, err
	}
	_ = scheme

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("boltconfig: URI has no host")
	}
	port := 7687
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("boltconfig: invalid port %q: %w", p, err)
		}
		port = n
	}

	rawQuery, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("boltconfig: parse query: %w", err)
	}
	ctx := make(map[string]string, len(rawQuery))
	for k, vs := range rawQuery {
		if len(vs) > 1 {
			return nil, fmt.Errorf("boltconfig: duplicate routing context key %q", k)
		}
		ctx[k] = vs[0]
	}

	return &ParsedURI{
		Kind:           kind,
		Trust:          trust,
		Host:           host,
		Port:           port,
		RoutingContext: ctx,
	}, nil
}

func splitScheme(scheme string) (base string, trust TrustMode, kind PoolKind, err error) {
	base = scheme
	switch {
	case strings.HasSuffix(scheme, "+s"):
		trust = TrustSystemCAs
		base = strings.TrimSuffix(scheme, "+s")
	case strings.HasSuffix(scheme, "+ssc"):
		trust = TrustAny
		base = strings.TrimSuffix(scheme, "+ssc")
	default:
		trust = TrustNone
	}
	switch base {
	case "bolt":
		kind = PoolDirect
	case "neo4j":
		kind = PoolRouting
	default:
		return "", 0, 0, fmt.Errorf("boltconfig: unsupported scheme %q", scheme)
	}
	return base, trust, kind, nil
}

// initViper sets up defaults, HYDRABOLT_ env binding, and an optional
// config file, the same layering internal/config used for HydraDNS.
func initViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HYDRABOLT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("boltconfig: read config file: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.max_connection_pool_size", 100)
	v.SetDefault("pool.connection_acquisition_timeout", 60*time.Second)
	v.SetDefault("pool.max_connection_lifetime", time.Hour)
	v.SetDefault("pool.liveness_check_timeout", 3*time.Second)

	v.SetDefault("routing.resolver_cache_ttl", 30*time.Second)

	v.SetDefault("retry.max_retry_time", 30*time.Second)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_factor", 0.2)

	v.SetDefault("wire.chunk_size", "16KiB")
	v.SetDefault("wire.max_message_size", "16MiB")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.structured", true)
}

// Load reads a DriverConfig from an optional YAML file plus HYDRABOLT_*
// environment overrides, validates it, and returns it. An empty
// configPath loads defaults and environment only.
func Load(configPath string) (*DriverConfig, error) {
	v, err := initViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*DriverConfig, error) {
	cfg := &DriverConfig{}
	cfg.Pool.MaxConnectionPoolSize = v.GetInt("pool.max_connection_pool_size")
	cfg.Pool.ConnectionAcquisitionTimeout = v.GetDuration("pool.connection_acquisition_timeout")
	cfg.Pool.MaxConnectionLifetime = v.GetDuration("pool.max_connection_lifetime")
	cfg.Pool.LivenessCheckTimeout = v.GetDuration("pool.liveness_check_timeout")

	cfg.Routing.RoutingTableTTLOverride = v.GetDuration("routing.routing_table_ttl_override")
	cfg.Routing.ResolverCacheTTL = v.GetDuration("routing.resolver_cache_ttl")

	cfg.Retry.MaxRetryTime = v.GetDuration("retry.max_retry_time")
	cfg.Retry.InitialDelay = v.GetDuration("retry.initial_delay")
	cfg.Retry.Multiplier = v.GetFloat64("retry.multiplier")
	cfg.Retry.JitterFactor = v.GetFloat64("retry.jitter_factor")

	var chunkSize, maxMsg datasize.ByteSize
	if err := chunkSize.UnmarshalText([]byte(v.GetString("wire.chunk_size"))); err != nil {
		return nil, fmt.Errorf("boltconfig: wire.chunk_size: %w", err)
	}
	if err := maxMsg.UnmarshalText([]byte(v.GetString("wire.max_message_size"))); err != nil {
		return nil, fmt.Errorf("boltconfig: wire.max_message_size: %w", err)
	}
	cfg.Wire.ChunkSize = chunkSize
	cfg.Wire.MaxMessageSize = maxMsg

	cfg.Logging.Level = strings.ToLower(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	return cfg, nil
}

var validate10 = validator.New()

func validate(cfg *DriverConfig) error {
	if err := validate10.Struct(cfg); err != nil {
		return fmt.Errorf("boltconfig: invalid configuration: %w", err)
	}
	return nil
}

// WatchFile reloads configPath each time it is written or created and
// calls onChange with the freshly reloaded config; a reload that fails
// to load is skipped. WatchFile applies nothing itself: onChange decides
// which settings take effect. Returns a stop function.
func WatchFile(configPath string, onChange func(*DriverConfig)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("boltconfig: start file watcher: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("boltconfig: watch %s: %w", configPath, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(configPath)
				if err != nil {
					continue
				}
				onChange(cfg)
			case <-watcher.Errors:
				continue
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
