package nspool

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DNSClient represents a simple DNS resolver for UDP or TCP.
type DNSClient struct {
	id       string
	endpoint string
	net      string
	pipeline *Pipeline
}

// DNSClientOptions contain options used by the plain DNS client.
type DNSClientOptions struct {
	// Time to wait for a response. Default 2 seconds.
	QueryTimeout time.Duration
}

var _ Resolver = &DNSClient{}

// NewDNSClient returns a new instance of DNSClient which is a plain DNS resolver
// that supports pipelining over a single connection.
func NewDNSClient(id, endpoint, net string, opt DNSClientOptions) *DNSClient {
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultQueryTimeout
	}
	client := &dns.Client{
		Net:     net,
		Timeout: opt.QueryTimeout,
	}
	return &DNSClient{
		id:       id,
		net:      net,
		endpoint: endpoint,
		pipeline: NewPipeline(id, endpoint, client, opt.QueryTimeout),
	}
}

// Resolve a DNS query.
func (d *DNSClient) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	logger(d.id, q).WithFields(logrus.Fields{
		"resolver": d.endpoint,
		"protocol": d.net,
	}).Debug("querying upstream resolver")
	return d.pipeline.Resolve(ctx, q)
}

// Close the connection to the upstream resolver. Pending and future queries fail.
func (d *DNSClient) Close() error {
	return d.pipeline.Close()
}

func (d *DNSClient) String() string {
	return d.id
}
