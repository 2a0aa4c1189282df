package config

// Package config provides a reusable loader for Synnergy configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Synnergy node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ChainID        int      `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		GenesisFile    string   `mapstructure:"genesis_file" json:"genesis_file"`
		RPCEnabled     bool     `mapstructure:"rpc_enabled" json:"rpc_enabled"`
		P2PPort        int      `mapstructure:"p2p_port" json:"p2p_port"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Transport struct {
		MTU                     int `mapstructure:"mtu" json:"mtu"`
		MaxFramePayload         int `mapstructure:"max_frame_payload" json:"max_frame_payload"`
		HeartbeatSeconds        int `mapstructure:"heartbeat_seconds" json:"heartbeat_seconds"`
		ConnectionIdleSeconds   int `mapstructure:"connection_idle_seconds" json:"connection_idle_seconds"`
		StreamIdleSeconds       int `mapstructure:"stream_idle_seconds" json:"stream_idle_seconds"`
		MaxRetransmit           int `mapstructure:"max_retransmit" json:"max_retransmit"`
		BatchAckEvery           int `mapstructure:"batch_ack_every" json:"batch_ack_every"`
		GlobalCapBytes          int `mapstructure:"global_cap_bytes" json:"global_cap_bytes"`
		GlobalTargetBytesPerSec int `mapstructure:"global_target_bytes_per_sec" json:"global_target_bytes_per_sec"`
	} `mapstructure:"transport" json:"transport"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}

// ApplyTransportDefaults fills any zero-valued Transport fields with the
// tuning defaults from the network core's wire-format specification.
func (c *Config) ApplyTransportDefaults() {
	t := &c.Transport
	if t.MTU == 0 {
		t.MTU = 1400
	}
	if t.MaxFramePayload == 0 {
		t.MaxFramePayload = 1336
	}
	if t.HeartbeatSeconds == 0 {
		t.HeartbeatSeconds = 5
	}
	if t.ConnectionIdleSeconds == 0 {
		t.ConnectionIdleSeconds = 30
	}
	if t.StreamIdleSeconds == 0 {
		t.StreamIdleSeconds = 60
	}
	if t.MaxRetransmit == 0 {
		t.MaxRetransmit = 8
	}
	if t.BatchAckEvery == 0 {
		t.BatchAckEvery = 1024
	}
	if t.GlobalCapBytes == 0 {
		t.GlobalCapBytes = 15 * 1 << 20
	}
	if t.GlobalTargetBytesPerSec == 0 {
		t.GlobalTargetBytesPerSec = 15 * 1 << 20
	}
}
