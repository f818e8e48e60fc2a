// Package config loads Pathfinder's runtime configuration from a YAML file
// and applies command-line flag overrides, following the configuration
// surface described in the protocol specification's external interfaces
// section.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultIdleMinSeconds is the floor of the negotiable idle-time range.
	DefaultIdleMinSeconds = 4
	// DefaultIdleMaxSeconds is the ceiling of the negotiable idle-time range.
	DefaultIdleMaxSeconds = 30
	// DefaultProtocolMin is the lowest protocol version this server accepts.
	DefaultProtocolMin = 2
	// DefaultProtocolMax is the highest protocol version this server offers.
	DefaultProtocolMax = 3
	// DefaultOpsAddr is the admin/ops HTTP surface's bind address.
	DefaultOpsAddr = ":8383"
	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
)

// Caps mirrors domain.Caps at the configuration layer (kept separate to
// avoid importing the domain package from config).
type Caps struct {
	Clients       int `yaml:"clients"`
	Services      int `yaml:"services"`
	Subscriptions int `yaml:"subscriptions"`
}

// TLSConfig carries per-socket TLS material overrides.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	TC   string `yaml:"tc"`
	CRL  string `yaml:"crl"`
}

// SocketConfig is one listener endpoint of a domain.
type SocketConfig struct {
	Addr string     `yaml:"addr"`
	TLS  *TLSConfig `yaml:"tls,omitempty"`
}

// IdleConfig bounds the negotiable per-connection idle-time policy.
type IdleConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// ProtocolVersionConfig bounds the negotiable protocol version.
type ProtocolVersionConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// DomainConfig describes one service discovery domain and its listeners.
type DomainConfig struct {
	Name            string                 `yaml:"name"`
	Sockets         []SocketConfig         `yaml:"sockets"`
	Idle            IdleConfig             `yaml:"idle"`
	ProtocolVersion ProtocolVersionConfig  `yaml:"protocol_version"`
}

// ResourcesConfig carries the domain-wide and per-user resource ceilings.
type ResourcesConfig struct {
	Total Caps `yaml:"total"`
	User  Caps `yaml:"user"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Console      bool   `yaml:"console"`
	Syslog       bool   `yaml:"syslog"`
	SyslogSocket string `yaml:"syslog_socket"`
	Facility     string `yaml:"facility"`
	Filter       string `yaml:"filter"`
	Level        string `yaml:"level"`
	Path         string `yaml:"path"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
}

// OpsConfig configures the admin/ops HTTP surface (not a Pathfinder domain
// socket -- see the ops surface section of the expanded specification).
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// Config captures every runtime tunable for the server.
type Config struct {
	Domains   []DomainConfig  `yaml:"domains"`
	Resources ResourcesConfig `yaml:"resources"`
	Log       LoggingConfig   `yaml:"log"`
	Ops       OpsConfig       `yaml:"ops"`
	MaxClients int            `yaml:"-"`
}

// applyDefaults fills every unset tunable with its documented default,
// mirroring the teacher's defaulting pass in its env-var Load().
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = DefaultOpsAddr
	}
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.Idle.Min == 0 {
			d.Idle.Min = DefaultIdleMinSeconds
		}
		if d.Idle.Max == 0 {
			d.Idle.Max = DefaultIdleMaxSeconds
		}
		if d.ProtocolVersion.Min == 0 {
			d.ProtocolVersion.Min = DefaultProtocolMin
		}
		if d.ProtocolVersion.Max == 0 {
			d.ProtocolVersion.Max = DefaultProtocolMax
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("domain-%d", i)
		}
	}
}

// validate accumulates every configuration problem found, following the
// teacher's accumulate-then-join(problems) pattern rather than failing fast
// on the first error.
func (c *Config) validate() error {
	var problems []string
	if len(c.Domains) == 0 {
		problems = append(problems, "at least one domain must be configured")
	}
	for i, d := range c.Domains {
		if len(d.Sockets) == 0 {
			problems = append(problems, fmt.Sprintf("domain %d (%s): at least one socket is required", i, d.Name))
		}
		if d.Idle.Min < 1 {
			problems = append(problems, fmt.Sprintf("domain %d (%s): idle.min must be >= 1", i, d.Name))
		}
		if d.Idle.Max < d.Idle.Min {
			problems = append(problems, fmt.Sprintf("domain %d (%s): idle.max must be >= idle.min", i, d.Name))
		}
		if d.ProtocolVersion.Min > d.ProtocolVersion.Max {
			problems = append(problems, fmt.Sprintf("domain %d (%s): protocol_version.min must be <= max", i, d.Name))
		}
		for _, s := range d.Sockets {
			if strings.TrimSpace(s.Addr) == "" {
				problems = append(problems, fmt.Sprintf("domain %d (%s): socket address must not be empty", i, d.Name))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// Finalize fills in documented defaults and validates the result; it must be
// called once a Config's domains are fully populated, whether sourced from a
// YAML file or synthesized from positional launch flags (§14).
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.validate()
}

// LoadFile parses a YAML configuration document from path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Flags captures the parsed CLI overrides for the Pathfinder launcher (§14).
type Flags struct {
	ConfigPath     string
	ConsoleLog     bool
	NoSyslog       bool
	LogFile        string
	LogMaxSizeMB   int
	LogMaxBackups  int
	SyslogFacility string
	LogLevel       string
	MaxClients     int
	Version        bool
	MultiSocket    bool
	Listeners      []string
}

// ParseFlags parses the CLI surface described in §14 using pflag, mirroring
// the corpus's flag-based launcher shape (linkerd2's spf13/pflag usage).
func ParseFlags(args []string) (*Flags, error) {
	fs := pflag.NewFlagSet("pathfinderd", pflag.ContinueOnError)
	f := &Flags{}
	fs.StringVarP(&f.ConfigPath, "config", "f", "", "path to the YAML configuration file")
	fs.BoolVarP(&f.ConsoleLog, "console-log", "s", false, "write logs to stdout in human-readable form")
	fs.BoolVarP(&f.NoSyslog, "no-syslog", "n", true, "disable syslog output (always on in this build)")
	fs.StringVarP(&f.LogFile, "log-file", "o", "", "path to the log file")
	fs.IntVarP(&f.LogMaxSizeMB, "log-max-size-mb", "b", 0, "log file size limit in megabytes (stored in the config; the log file is not rotated)")
	fs.IntVarP(&f.LogMaxBackups, "log-max-backups", "x", 0, "rotated log files to keep (stored in the config; the log file is not rotated)")
	fs.StringVarP(&f.SyslogFacility, "syslog-facility", "y", "", "syslog facility (accepted for compatibility, unused)")
	fs.StringVarP(&f.LogLevel, "log-level", "l", "", "minimum log level")
	fs.IntVarP(&f.MaxClients, "max-clients", "c", 0, "override the domain-wide client cap")
	fs.BoolVarP(&f.Version, "version", "v", false, "print the version and exit")
	fs.BoolVarP(&f.MultiSocket, "multi", "m", false, "treat '+'-joined positional addresses as multiple sockets of one domain")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.Listeners = fs.Args()
	return f, nil
}

// ApplyFlags overlays CLI flag values onto a loaded configuration; a flag
// left at its zero value never overrides the file.
func (c *Config) ApplyFlags(f *Flags) {
	if f == nil {
		return
	}
	if f.ConsoleLog {
		c.Log.Console = true
	}
	if f.LogFile != "" {
		c.Log.Path = f.LogFile
	}
	if f.LogMaxSizeMB > 0 {
		c.Log.MaxSizeMB = f.LogMaxSizeMB
	}
	if f.LogMaxBackups > 0 {
		c.Log.MaxBackups = f.LogMaxBackups
	}
	if f.LogLevel != "" {
		c.Log.Level = f.LogLevel
	}
	if f.MaxClients > 0 {
		c.MaxClients = f.MaxClients
		c.Resources.Total.Clients = f.MaxClients
	}
	if len(f.Listeners) > 0 {
		domains := domainsFromListeners(f.Listeners, f.MultiSocket)
		if len(c.Domains) > 0 {
			c.Domains[0].Sockets = domains[0].Sockets
		} else {
			c.Domains = domains
		}
	}
}

// domainsFromListeners turns positional launch-time addresses into domain
// configuration (§14): by default each address becomes its own single-socket
// domain; with -m, every address is instead grouped as one socket of a
// single domain, and a "+"-joined address (e.g. "tcp:host:1+tcp:host:2")
// always expands to multiple sockets of the domain it belongs to.
func domainsFromListeners(listeners []string, multi bool) []DomainConfig {
	if len(listeners) == 0 {
		return nil
	}
	if multi {
		var sockets []SocketConfig
		for _, l := range listeners {
			for _, addr := range strings.Split(l, "+") {
				if addr == "" {
					continue
				}
				sockets = append(sockets, SocketConfig{Addr: addr})
			}
		}
		return []DomainConfig{{Name: "default", Sockets: sockets}}
	}
	domains := make([]DomainConfig, 0, len(listeners))
	for i, l := range listeners {
		var sockets []SocketConfig
		for _, addr := range strings.Split(l, "+") {
			if addr == "" {
				continue
			}
			sockets = append(sockets, SocketConfig{Addr: addr})
		}
		domains = append(domains, DomainConfig{Name: fmt.Sprintf("domain-%d", i), Sockets: sockets})
	}
	return domains
}
