// Package config loads the mesh configuration: the fixed node membership,
// the listening port, and the staging-ring geometry. Values come from a
// config file, environment variables, and command-line flags, in ascending
// precedence.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rocketbitz/kmesh-go/kmsg"
)

// Config is the daemon-level configuration.
type Config struct {
	// NodeID is this node's mesh identity; -1 selects automatic detection
	// by matching a local interface address against Nodes.
	NodeID int `mapstructure:"node_id"`
	// Nodes lists every mesh member in identity order, as "host" or
	// "host:port" (the latter overriding Port for that member).
	Nodes []string `mapstructure:"nodes"`
	// Port is the mesh listening port.
	Port int `mapstructure:"port"`

	RingChunks    int `mapstructure:"ring_chunks"`
	RingChunkSize int `mapstructure:"ring_chunk_size"`

	// MetricsAddr is the Prometheus scrape endpoint; empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`

	LogLevel string `mapstructure:"log_level"`
}

// RegisterFlags binds the configuration surface to a flag set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("node-id", -1, "mesh identity of this node (-1 detects by interface address)")
	fs.StringSlice("nodes", nil, "mesh members in identity order (host or host:port)")
	fs.Int("port", kmsg.Port, "mesh listening port")
	fs.Int("ring-chunks", 0, "outbound staging ring chunk count (0 = default)")
	fs.Int("ring-chunk-size", 0, "outbound staging ring chunk size in bytes (0 = default)")
	fs.String("metrics-addr", "", "prometheus listen address (empty disables)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("config", "", "path to a config file")
}

// Load assembles the configuration from the flag set, the environment
// (KMESH_* variables), and an optional config file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("node_id", -1)
	v.SetDefault("port", kmsg.Port)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("KMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flagName, key := range map[string]string{
			"node-id":         "node_id",
			"nodes":           "nodes",
			"port":            "port",
			"ring-chunks":     "ring_chunks",
			"ring-chunk-size": "ring_chunk_size",
			"metrics-addr":    "metrics_addr",
			"log-level":       "log_level",
		} {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", f.Value.String(), err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// MeshNodes resolves the textual member list into kmsg node addresses.
func (c *Config) MeshNodes() ([]kmsg.NodeAddr, error) {
	if len(c.Nodes) < 2 {
		return nil, fmt.Errorf("config: mesh needs at least 2 nodes, got %d", len(c.Nodes))
	}
	out := make([]kmsg.NodeAddr, len(c.Nodes))
	for i, s := range c.Nodes {
		host, port, err := splitMember(s, c.Port)
		if err != nil {
			return nil, fmt.Errorf("config: node %d: %w", i, err)
		}
		out[i] = kmsg.NodeAddr{Host: host, Port: port}
	}
	return out, nil
}

func splitMember(s string, defaultPort int) (string, int, error) {
	if !strings.Contains(s, ":") {
		return s, defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

// ResolveNodeID returns the configured identity, or detects it by matching
// a local interface address against the member list.
func (c *Config) ResolveNodeID() (int, error) {
	if c.NodeID >= 0 {
		if c.NodeID >= len(c.Nodes) {
			return 0, fmt.Errorf("config: node id %d outside member list", c.NodeID)
		}
		return c.NodeID, nil
	}
	local, err := localAddrs()
	if err != nil {
		return 0, err
	}
	for i, s := range c.Nodes {
		host, _, err := splitMember(s, c.Port)
		if err != nil {
			return 0, err
		}
		if local[host] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("config: no local interface matches any mesh member")
}

func localAddrs() (map[string]bool, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("config: list interfaces: %w", err)
	}
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			out[ipn.IP.String()] = true
		}
	}
	return out, nil
}
