// Package config implements Conflux's startup configuration surface:
// the identity, raft timer and admission fields are required (logging,
// metrics, TLS and peer_addresses are optional), and a validation failure aborts the process
// before any Raft or storage object is constructed — no partial start.
// Validated with github.com/go-playground/validator/v10 and loaded from
// YAML via gopkg.in/yaml.v3, merged with cobra flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/raftnode"
)

// Config is a node's startup configuration surface, field for field.
type Config struct {
	NodeID          uint64            `yaml:"node_id" validate:"required"`
	DataDir         string            `yaml:"data_dir" validate:"required"`
	BindAddr        string            `yaml:"bind_addr" validate:"required"`
	PeerAddresses   map[uint64]string `yaml:"peer_addresses" validate:"omitempty,dive"`

	HeartbeatIntervalMS  uint32 `yaml:"heartbeat_interval_ms" validate:"required,gt=0"`
	ElectionTimeoutMinMS uint32 `yaml:"election_timeout_min_ms" validate:"required,gtfield=HeartbeatIntervalMS"`
	ElectionTimeoutMaxMS uint32 `yaml:"election_timeout_max_ms" validate:"required,gtfield=ElectionTimeoutMinMS"`

	SnapshotThreshold   uint64 `yaml:"snapshot_threshold" validate:"required,gt=0"`
	MaxRequestBytes     uint32 `yaml:"max_request_bytes" validate:"required,gt=0"`
	RateLimitPerSec     uint32 `yaml:"rate_limit_per_sec" validate:"required,gt=0"`
	MaxInFlightRequests uint32 `yaml:"max_in_flight_requests" validate:"required,gt=0"`

	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty"`

	TLSEnabled bool     `yaml:"tls_enabled"`
	TLSDNSNames []string `yaml:"tls_dns_names" validate:"omitempty"`
}

var validate = validator.New()

// Load reads and validates a YAML config file at path. Any cobra flag
// override the caller (cmd/conflux) applies afterwards is not validated
// again.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.InvalidArgument("read config file: " + err.Error())
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, coreerr.InvalidArgument("parse config file: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation plus the cross-field ordering rule:
// heartbeat_interval_ms < election_timeout_min_ms < election_timeout_max_ms.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return coreerr.InvalidArgument("config: " + err.Error())
	}
	return nil
}

// RaftNodeConfig projects this configuration onto raftnode.Config,
// applying Conflux's own defaults for fields this surface leaves
// unconfigured (apply timeout, snapshot retain count, forward retry
// budget).
func (c *Config) RaftNodeConfig() raftnode.Config {
	d := raftnode.DefaultConfig()
	d.NodeID = fmt.Sprintf("%d", c.NodeID)
	d.BindAddr = c.BindAddr
	d.DataDir = c.DataDir
	d.HeartbeatTimeout = time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
	d.ElectionTimeoutMin = time.Duration(c.ElectionTimeoutMinMS) * time.Millisecond
	d.ElectionTimeoutMax = time.Duration(c.ElectionTimeoutMaxMS) * time.Millisecond
	d.SnapshotThreshold = c.SnapshotThreshold
	d.MaxRequestBytes = int(c.MaxRequestBytes)
	d.RateLimitPerSec = float64(c.RateLimitPerSec)
	d.MaxInFlightRequests = int(c.MaxInFlightRequests)
	return d
}
