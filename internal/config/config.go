// Package config: node and server settings from a TOML file, overridden by PEERLINK_* env vars.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const EnvPrefix = "PEERLINK_"

// Config; durations are written as strings ("5s") in the *Raw fields and parsed on load.
type Config struct {
	DataDir        string   `toml:"data_dir"`
	DeviceName     string   `toml:"device_name"`
	TCPAddr        string   `toml:"tcp_addr"`
	QUICAddr       string   `toml:"quic_addr"`
	UDPAddr        string   `toml:"udp_addr"`
	DirectoryAddr  string   `toml:"directory_addr"`
	DirectoryPeers []string `toml:"directory_peers"`
	AdvertiseAddrs []string `toml:"advertise_addrs"`
	RendezvousAddr string   `toml:"rendezvous_addr"`
	STUNURL        string   `toml:"stun_url"`
	AutoConnect    []string `toml:"auto_connect"`
	AllowAll       bool     `toml:"allow_all"`
	Verbose        bool     `toml:"verbose"`

	PingInterval        time.Duration `toml:"-"`
	PingIntervalRaw     string        `toml:"ping_interval,omitempty"`
	ConnectTimeout      time.Duration `toml:"-"`
	ConnectTimeoutRaw   string        `toml:"connect_timeout,omitempty"`
	LookupCacheTTL      time.Duration `toml:"-"`
	LookupCacheTTLRaw   string        `toml:"lookup_cache_ttl,omitempty"`
	AnnounceInterval    time.Duration `toml:"-"`
	AnnounceIntervalRaw string        `toml:"announce_interval,omitempty"`
}

// Default settings.
func Default() *Config {
	return &Config{
		DataDir:          ".",
		TCPAddr:          ":7420",
		QUICAddr:         ":7421",
		UDPAddr:          ":7422",
		DirectoryAddr:    ":7423",
		PingInterval:     5 * time.Second,
		ConnectTimeout:   30 * time.Second,
		LookupCacheTTL:   5 * time.Minute,
		AnnounceInterval: 2 * time.Minute,
	}
}

// Load reads path (skipped when empty), then applies the environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if und := md.Undecoded(); len(und) > 0 {
			return nil, fmt.Errorf("config %s: unknown keys %v", path, und)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.parseDurations(); err != nil {
		return nil, err
	}
	c.withDefaults()
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"DATA_DIR":          &c.DataDir,
		"DEVICE_NAME":       &c.DeviceName,
		"TCP_ADDR":          &c.TCPAddr,
		"QUIC_ADDR":         &c.QUICAddr,
		"UDP_ADDR":          &c.UDPAddr,
		"DIRECTORY_ADDR":    &c.DirectoryAddr,
		"RENDEZVOUS_ADDR":   &c.RendezvousAddr,
		"STUN_URL":          &c.STUNURL,
		"PING_INTERVAL":     &c.PingIntervalRaw,
		"CONNECT_TIMEOUT":   &c.ConnectTimeoutRaw,
		"LOOKUP_CACHE_TTL":  &c.LookupCacheTTLRaw,
		"ANNOUNCE_INTERVAL": &c.AnnounceIntervalRaw,
	}
	for k, p := range str {
		if v, ok := lookup(EnvPrefix + k); ok {
			*p = v
		}
	}
	lists := map[string]*[]string{
		"DIRECTORY_PEERS": &c.DirectoryPeers,
		"ADVERTISE_ADDRS": &c.AdvertiseAddrs,
		"AUTO_CONNECT":    &c.AutoConnect,
	}
	for k, p := range lists {
		if v, ok := lookup(EnvPrefix + k); ok {
			*p = SplitList(v)
		}
	}
	flags := map[string]*bool{
		"VERBOSE":   &c.Verbose,
		"ALLOW_ALL": &c.AllowAll,
	}
	for k, p := range flags {
		if v, ok := lookup(EnvPrefix + k); ok {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "on":
				*p = true
			case "0", "false", "no", "off", "":
				*p = false
			default:
				return fmt.Errorf("config %s%s: bad boolean %q", EnvPrefix, k, v)
			}
		}
	}
	return nil
}

func (c *Config) parseDurations() error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ping_interval", c.PingIntervalRaw, &c.PingInterval},
		{"connect_timeout", c.ConnectTimeoutRaw, &c.ConnectTimeout},
		{"lookup_cache_ttl", c.LookupCacheTTLRaw, &c.LookupCacheTTL},
		{"announce_interval", c.AnnounceIntervalRaw, &c.AnnounceInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// withDefaults fills zero values.
func (c *Config) withDefaults() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.LookupCacheTTL <= 0 {
		c.LookupCacheTTL = def.LookupCacheTTL
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = def.AnnounceInterval
	}
}

// Dump writes c as TOML.
func (c *Config) Dump(w io.Writer) error {
	out := *c
	out.PingIntervalRaw = c.PingInterval.String()
	out.ConnectTimeoutRaw = c.ConnectTimeout.String()
	out.LookupCacheTTLRaw = c.LookupCacheTTL.String()
	out.AnnounceIntervalRaw = c.AnnounceInterval.String()
	return toml.NewEncoder(w).Encode(&out)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
