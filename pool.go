package nspool

import (
	"context"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// NameServerPool is a group of name servers for one resolver configuration. Every
// query goes to the server that currently ranks best, failed queries are not
// retried on another server. Since server stats change with every query, the
// ranking is evaluated for each query.
type NameServerPool struct {
	id      string
	servers []*NameServer
	opt     ResolverOptions
	metrics *PoolMetrics
}

var _ Resolver = &NameServerPool{}

// NewNameServerPool returns a pool with one name server for each entry in the
// config. It fails if any of the servers can't be created.
func NewNameServerPool(id string, config ResolverConfig, opt ResolverOptions) (*NameServerPool, error) {
	opt = opt.withDefaults()
	servers := make([]*NameServer, 0, len(config.NameServers))
	for _, c := range config.NameServers {
		ns, err := NewNameServer(c, opt)
		if err != nil {
			for _, s := range servers {
				s.Close()
			}
			return nil, errors.Wrapf(err, "failed to create pool '%s'", id)
		}
		servers = append(servers, ns)
	}
	return &NameServerPool{
		id:      id,
		servers: servers,
		opt:     opt,
		metrics: newPoolMetrics(id, len(servers)),
	}, nil
}

// Resolve a DNS query with the best ranked name server in the pool.
func (p *NameServerPool) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	ns := p.best()
	if ns == nil {
		return nil, ErrNoServers
	}
	log := logger(p.id, q).WithField("resolver", ns.String())
	log.Debug("forwarding query to resolver")
	p.metrics.route.Add(ns.String(), 1)
	a, err := ns.Resolve(ctx, q)
	if err != nil {
		log.WithError(err).Debug("resolver returned failure")
		p.metrics.failure.Add(ns.String(), 1)
	}
	return a, err
}

// Servers returns the name servers in the pool in the order they were configured.
func (p *NameServerPool) Servers() []*NameServer {
	return append([]*NameServer(nil), p.servers...)
}

// Options returns the options the pool was created with.
func (p *NameServerPool) Options() ResolverOptions {
	return p.opt
}

// Close the connections of all name servers in the pool.
func (p *NameServerPool) Close() error {
	var gErr error
	for _, ns := range p.servers {
		if err := ns.Close(); err != nil {
			gErr = err
		}
	}
	return gErr
}

func (p *NameServerPool) String() string {
	var s []string
	for _, ns := range p.servers {
		s = append(s, ns.String())
	}
	return p.id + "(" + strings.Join(s, ";") + ")"
}

// Returns the server that currently ranks highest, nil if the pool is empty. The
// first configured server wins a tie. Stats are read one server at a time so
// the result may be stale by the time it's used, which is fine for a heuristic.
func (p *NameServerPool) best() *NameServer {
	var (
		best      *NameServer
		bestStats ServerStats
		available int
	)
	for _, ns := range p.servers {
		stats := ns.Stats()
		if stats.State.Kind != Failed {
			available++
		}
		if best == nil || stats.Compare(bestStats) > 0 {
			best, bestStats = ns, stats
		}
	}
	p.metrics.available.Set(int64(available))
	return best
}
