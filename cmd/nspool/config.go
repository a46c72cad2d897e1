package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/folbricht/nspool"
)

type config struct {
	Title     string
	Log       logConfig
	Options   options
	Servers   []server
	Listeners map[string]listener
}

type logConfig struct {
	Level  string
	Syslog *syslogConfig
}

type syslogConfig struct {
	Network  string
	Address  string
	Priority int
	Tag      string
	Level    string
}

type options struct {
	Timeout      duration
	RetryDelay   duration `toml:"retry-delay"`
	EDNS0UDPSize uint16   `toml:"edns0-udp-size"`

	// Number of servers tried per query, 1 if not set
	Attempts int
}

type server struct {
	Address  string
	Protocol string
}

type listener struct {
	Address  string
	Protocol string
}

// duration is a time.Duration that can be decoded from strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// LoadConfig reads a config file and returns the decoded structure.
func loadConfig(name string) (config, error) {
	var c config
	f, err := os.Open(name)
	if err != nil {
		return c, err
	}
	defer f.Close()
	if _, err = toml.DecodeReader(f, &c); err != nil {
		return c, errors.Wrapf(err, "failed to parse %s", name)
	}
	return c, nil
}

// Returns the pool configuration and options contained in the config.
func (c config) resolver() (nspool.ResolverConfig, nspool.ResolverOptions) {
	var rc nspool.ResolverConfig
	for _, s := range c.Servers {
		protocol := s.Protocol
		if protocol == "" {
			protocol = "udp"
		}
		rc.NameServers = append(rc.NameServers, nspool.ServerConfig{
			Address:  s.Address,
			Protocol: nspool.Protocol(protocol),
		})
	}
	opt := nspool.ResolverOptions{
		Timeout:      c.Options.Timeout.Duration,
		RetryDelay:   c.Options.RetryDelay.Duration,
		EDNS0UDPSize: c.Options.EDNS0UDPSize,
	}
	return rc, opt
}
