// Package config loads tubestatusd's process configuration from a YAML file
// with environment-variable overrides, validating the result before it is
// handed to the rest of the process. Grounded on Iweisc-pxbin's
// internal/config/config.go load-then-validate shape; the teacher itself is a
// library with no bootstrap config of its own.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ClusterPeer is one other node this process gossips/replicates with.
type ClusterPeer struct {
	Address string `yaml:"address"`
}

// Config is the full set of recognized options from spec.md §6.
type Config struct {
	NodeID string `yaml:"nodeId"`

	RefreshInterval            time.Duration `yaml:"refreshInterval"`
	FreshEnoughThreshold       time.Duration `yaml:"freshEnoughThreshold"`
	BackgroundRefreshThreshold time.Duration `yaml:"backgroundRefreshThreshold"`

	CircuitBreaker struct {
		FailureThreshold int           `yaml:"failureThreshold"`
		OpenDuration     time.Duration `yaml:"openDuration"`
	} `yaml:"circuitBreaker"`

	Retry struct {
		MaxRetries   int           `yaml:"maxRetries"`
		BaseDelay    time.Duration `yaml:"baseDelay"`
		MaxDelay     time.Duration `yaml:"maxDelay"`
		JitterFactor float64       `yaml:"jitterFactor"`
	} `yaml:"retry"`

	Upstream struct {
		BaseURL         string        `yaml:"baseUrl"`
		ResponseTimeout time.Duration `yaml:"responseTimeout"`
	} `yaml:"upstream"`

	HTTP struct {
		Port int `yaml:"port"`
	} `yaml:"http"`

	// Cluster configures the register backend and its peers/quorum size.
	Cluster struct {
		// Backend selects the register.Register implementation: "memory",
		// "redis", "nats", or "hazelcast".
		Backend string        `yaml:"backend"`
		Peers   []ClusterPeer `yaml:"peers"`
		// N is the total number of voting nodes (self included). It is only
		// validated: for the memory backend it must equal len(Peers)+1, and
		// no register backend reads it for its quorum math.
		N int `yaml:"n"`

		RedisAddress string `yaml:"redisAddress"`
		NATSUrl      string `yaml:"natsUrl"`
		NATSBucket   string `yaml:"natsBucket"`
	} `yaml:"cluster"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		ListenAddr string `yaml:"listenAddr"`
	} `yaml:"metrics"`

	// Payload toggles the codec (compression and/or encryption) applied to
	// values stored in the redis, nats and hazelcast register backends; the
	// memory/gossip backend does not use it. Off by default: a plain-JSON
	// passthrough codec is used when both fields are zero-valued.
	Payload struct {
		Compress          bool   `yaml:"compress"`
		EncryptPassphrase string `yaml:"encryptPassphrase"`
	} `yaml:"payload"`
}

func defaults() *Config {
	cfg := &Config{}
	cfg.RefreshInterval = 30 * time.Second
	cfg.FreshEnoughThreshold = 45 * time.Second
	cfg.BackgroundRefreshThreshold = 20 * time.Second
	cfg.CircuitBreaker.FailureThreshold = 5
	cfg.CircuitBreaker.OpenDuration = 30 * time.Second
	cfg.Retry.MaxRetries = 3
	cfg.Retry.BaseDelay = 200 * time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Second
	cfg.Retry.JitterFactor = 0.2
	cfg.Upstream.BaseURL = "https://api.tfl.gov.uk"
	cfg.Upstream.ResponseTimeout = 10 * time.Second
	cfg.HTTP.Port = 8080
	cfg.Cluster.Backend = "memory"
	cfg.Cluster.N = 1
	cfg.Cluster.NATSBucket = "tubestatus-register"
	cfg.Log.Level = "info"
	cfg.Metrics.ListenAddr = ":9090"
	return cfg
}

// Load reads configuration from path (default "config.yaml", overridable via
// TUBESTATUS_CONFIG_PATH), applies environment-variable overrides, then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("TUBESTATUS_CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("TUBESTATUS_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("TUBESTATUS_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RefreshInterval = d
		}
	}
	if v := os.Getenv("TUBESTATUS_FRESH_ENOUGH_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FreshEnoughThreshold = d
		}
	}
	if v := os.Getenv("TUBESTATUS_BACKGROUND_REFRESH_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BackgroundRefreshThreshold = d
		}
	}
	if v := os.Getenv("TUBESTATUS_CB_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("TUBESTATUS_CB_OPEN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CircuitBreaker.OpenDuration = d
		}
	}
	if v := os.Getenv("TUBESTATUS_RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("TUBESTATUS_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.BaseDelay = d
		}
	}
	if v := os.Getenv("TUBESTATUS_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxDelay = d
		}
	}
	if v := os.Getenv("TUBESTATUS_RETRY_JITTER_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.JitterFactor = f
		}
	}
	if v := os.Getenv("TUBESTATUS_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("TUBESTATUS_UPSTREAM_RESPONSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.ResponseTimeout = d
		}
	}
	if v := os.Getenv("TUBESTATUS_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv("TUBESTATUS_CLUSTER_BACKEND"); v != "" {
		cfg.Cluster.Backend = v
	}
	if v := os.Getenv("TUBESTATUS_CLUSTER_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.N = n
		}
	}
	if v := os.Getenv("TUBESTATUS_CLUSTER_REDIS_ADDRESS"); v != "" {
		cfg.Cluster.RedisAddress = v
	}
	if v := os.Getenv("TUBESTATUS_CLUSTER_NATS_URL"); v != "" {
		cfg.Cluster.NATSUrl = v
	}
	if v := os.Getenv("TUBESTATUS_CLUSTER_NATS_BUCKET"); v != "" {
		cfg.Cluster.NATSBucket = v
	}
	if v := os.Getenv("TUBESTATUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TUBESTATUS_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("TUBESTATUS_PAYLOAD_COMPRESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Payload.Compress = b
		}
	}
	if v := os.Getenv("TUBESTATUS_PAYLOAD_ENCRYPT_PASSPHRASE"); v != "" {
		cfg.Payload.EncryptPassphrase = v
	}
}

// Validate enforces spec.md §9's stated precondition
// (backgroundRefreshThreshold < freshEnoughThreshold) plus the structural
// bounds a healthy cluster needs.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: nodeId is required")
	}
	if c.BackgroundRefreshThreshold >= c.FreshEnoughThreshold {
		return fmt.Errorf("config: backgroundRefreshThreshold (%s) must be less than freshEnoughThreshold (%s)",
			c.BackgroundRefreshThreshold, c.FreshEnoughThreshold)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.maxRetries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Cluster.N < 1 {
		return fmt.Errorf("config: cluster.n must be >= 1, got %d", c.Cluster.N)
	}
	// The memory/gossip backend derives its quorum size directly from the
	// peer list it was started with (len(peers)+1 for self); cluster.n exists
	// to catch an operator naming a cluster size that doesn't match the peer
	// list they actually configured, rather than being consumed as a
	// separate source of truth.
	if c.Cluster.Backend == "memory" && len(c.Cluster.Peers)+1 != c.Cluster.N {
		return fmt.Errorf("config: cluster.n (%d) must equal len(cluster.peers)+1 (%d) for the memory backend",
			c.Cluster.N, len(c.Cluster.Peers)+1)
	}
	switch c.Cluster.Backend {
	case "memory", "redis", "nats", "hazelcast":
	default:
		return fmt.Errorf("config: cluster.backend %q is not one of memory|redis|nats|hazelcast", c.Cluster.Backend)
	}
	return nil
}
