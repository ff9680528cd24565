package config

import (
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/zde37/chordring/pkg/ringkey"
)

// Config holds all configuration for a Chord node
type Config struct {
	// Node addressing. All peers of a ring share Port.
	Host string
	Port int

	// HTTP API, 0 disables it
	HTTPPort int

	// Keyspace is the ring modulus (2^160 by default)
	Keyspace *big.Int

	// Bootstrap
	BootstrapNodes   []string      // explicit candidates, host or host:port
	Subnet           string        // CIDR to probe when BootstrapNodes is empty, "" = autodetect
	ProbeTimeout     time.Duration // per-candidate health check timeout
	ProbeParallelism int           // candidates probed concurrently
	ProbeLimit       int           // max subnet hosts to probe, 0 = all

	// Maintenance schedules
	MonitorHealthSchedule time.Duration
	UpdateTableSchedule   time.Duration
	HealthCheckTimeout    time.Duration // first health round
	HealthRecheckTimeout  time.Duration // second round, for Questionable fingers only
	RebuildTimeout        time.Duration

	RPCTimeout time.Duration // default timeout for a single request

	// Join
	MaxIDDraws int   // bound on random id redraws on collision
	Seed       int64 // seed for id generation, 0 = time based

	// Shared secret checked by the gRPC auth interceptor, "" disables auth
	AuthToken string

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  8440,
		HTTPPort:              8080,
		Keyspace:              ringkey.DefaultKeyspace(),
		ProbeTimeout:          300 * time.Millisecond,
		ProbeParallelism:      32,
		ProbeLimit:            1024,
		MonitorHealthSchedule: 5 * time.Second,
		UpdateTableSchedule:   15 * time.Second,
		HealthCheckTimeout:    1 * time.Second,
		HealthRecheckTimeout:  500 * time.Millisecond,
		RebuildTimeout:        10 * time.Second,
		RPCTimeout:            5 * time.Second,
		MaxIDDraws:            16,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Address returns host:port of the local node.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.Keyspace == nil || c.Keyspace.Cmp(big.NewInt(2)) < 0 {
		return fmt.Errorf("keyspace must be at least 2")
	}
	if c.Subnet != "" {
		if _, err := netip.ParsePrefix(c.Subnet); err != nil {
			return fmt.Errorf("invalid subnet %q: %w", c.Subnet, err)
		}
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %v", c.ProbeTimeout)
	}
	if c.ProbeParallelism <= 0 {
		return fmt.Errorf("probe parallelism must be positive, got %d", c.ProbeParallelism)
	}
	if c.ProbeLimit < 0 {
		return fmt.Errorf("probe limit cannot be negative, got %d", c.ProbeLimit)
	}
	if c.MonitorHealthSchedule <= 0 || c.UpdateTableSchedule <= 0 {
		return fmt.Errorf("maintenance schedules must be positive")
	}
	if c.HealthCheckTimeout <= 0 || c.HealthRecheckTimeout <= 0 {
		return fmt.Errorf("health check timeouts must be positive")
	}
	if c.HealthRecheckTimeout > c.HealthCheckTimeout {
		return fmt.Errorf("health recheck timeout %v exceeds health check timeout %v",
			c.HealthRecheckTimeout, c.HealthCheckTimeout)
	}
	if c.RebuildTimeout <= 0 {
		return fmt.Errorf("rebuild timeout must be positive, got %v", c.RebuildTimeout)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive, got %v", c.RPCTimeout)
	}
	if c.MaxIDDraws <= 0 {
		return fmt.Errorf("max id draws must be positive, got %d", c.MaxIDDraws)
	}
	return nil
}
