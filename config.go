package nspool

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// Backoff limits for failed name servers.
const (
	MinRetryDelay = 500 * time.Millisecond
	MaxRetryDelay = 360 * time.Second
)

// Default time to wait for a response from a name server.
const defaultQueryTimeout = 2 * time.Second

// Protocol is the transport protocol used to talk to a name server.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
	ProtocolTLS Protocol = "tls"
)

// ServerConfig identifies one upstream name server.
type ServerConfig struct {
	// Address in host:port notation. Port 53 is used if the port is missing.
	Address  string
	Protocol Protocol
}

func (c ServerConfig) String() string {
	return string(c.Protocol) + "://" + c.Address
}

// ResolverConfig lists the name servers of a resolver.
type ResolverConfig struct {
	NameServers []ServerConfig
}

// TransportFactory builds a new connection to a name server. It is called once
// when the server is created and again on every reconnect.
type TransportFactory func(ServerConfig, ResolverOptions) (Resolver, error)

// ResolverOptions contain the options shared by all name servers of a pool.
type ResolverOptions struct {
	// Time to wait for a response before failing a query. Default 2 seconds.
	Timeout time.Duration

	// How long a failed server is left alone before it's reconnected. Defaults
	// to MaxRetryDelay, values are clamped to [MinRetryDelay, MaxRetryDelay].
	RetryDelay time.Duration

	// If set, queries to servers that are initializing or have negotiated
	// EDNS0 get an OPT record with this UDP size unless they carry one already.
	EDNS0UDPSize uint16

	// Builds connections to name servers. Defaults to NewTransport.
	Transport TransportFactory
}

func (o ResolverOptions) withDefaults() ResolverOptions {
	if o.Timeout == 0 {
		o.Timeout = defaultQueryTimeout
	}
	switch {
	case o.RetryDelay == 0:
		o.RetryDelay = MaxRetryDelay
	case o.RetryDelay < MinRetryDelay:
		o.RetryDelay = MinRetryDelay
	case o.RetryDelay > MaxRetryDelay:
		o.RetryDelay = MaxRetryDelay
	}
	if o.Transport == nil {
		o.Transport = NewTransport
	}
	return o
}

// NewTransport returns a plain DNS client for UDP and TCP name servers. TLS is
// not supported.
func NewTransport(config ServerConfig, opt ResolverOptions) (Resolver, error) {
	switch config.Protocol {
	case ProtocolUDP, ProtocolTCP:
		return NewDNSClient(config.String(), config.Address, string(config.Protocol), DNSClientOptions{
			QueryTimeout: opt.Timeout,
		}), nil
	default:
		return nil, UnsupportedProtocolError{Protocol: config.Protocol}
	}
}

// Adds the default DNS port to an address that doesn't have one.
func withDefaultPort(address string) (string, error) {
	_, _, err := net.SplitHostPort(address)
	var ae *net.AddrError
	if errors.As(err, &ae) {
		switch ae.Err {
		case "missing port in address":
			return net.JoinHostPort(address, "53"), nil
		case "too many colons in address":
			if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
				return net.JoinHostPort(address, "53"), nil
			}
		}
		return "", err
	} else if err != nil {
		return "", err
	}
	return address, nil
}
