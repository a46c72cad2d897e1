package nspool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NameServer is one upstream name server. It tracks the health of the connection
// with the server and refuses queries for a while after a failure. Once the
// retry delay has passed, the next query reconnects. A NameServer is safe for
// concurrent use, every holder of the pointer sees the same stats.
type NameServer struct {
	id      string
	config  ServerConfig
	opt     ResolverOptions
	metrics *ServerMetrics

	// Transport and stats are replaced together on reconnect.
	mu        sync.RWMutex
	transport Resolver
	stats     *statsCell

	now func() time.Time
}

var _ Resolver = &NameServer{}

// NewNameServer returns a name server for the given config. It fails if no
// transport can be built for the server's protocol.
func NewNameServer(config ServerConfig, opt ResolverOptions) (*NameServer, error) {
	opt = opt.withDefaults()
	address, err := withDefaultPort(config.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid address for %s", config)
	}
	config.Address = address
	transport, err := opt.Transport(config, opt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create transport for %s", config)
	}
	return &NameServer{
		id:        config.String(),
		config:    config,
		opt:       opt,
		metrics:   newServerMetrics(config.String()),
		transport: transport,
		stats:     newStatsCell(newServerStats(newOPT(opt.EDNS0UDPSize), 0, 0)),
		now:       time.Now,
	}, nil
}

// Resolve sends a query to the name server and records the outcome. While the
// server is backing off after a failure, a BackoffError is returned without
// contacting the server. Queries cancelled through the context before an
// outcome is known are not recorded.
func (n *NameServer) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	log := logger(n.id, q)

	transport, stats, err := n.tryReconnect()
	if err != nil {
		n.metrics.backoff.Add(1)
		log.WithError(err).Debug("server unavailable, not sending query")
		return nil, err
	}

	log.WithField("resolver", transport.String()).Debug("forwarding query to resolver")
	a, err := transport.Resolve(ctx, n.prepare(q, stats))
	if err != nil {
		if ctx.Err() != nil {
			log.WithError(err).Debug("query abandoned")
			return nil, err
		}
		n.metrics.failure.Add(1)
		at := n.now()
		if lerr := stats.update(func(s *ServerStats) { s.nextFailure(err, at) }); lerr != nil {
			// The server is failing anyway, the caller needs to see the original error
			log.WithError(lerr).Warn("failed to record failure, ignoring")
		}
		return nil, err
	}

	remote := extensionOf(a)
	if err := stats.update(func(s *ServerStats) { s.nextSuccess(remote) }); err != nil {
		return nil, LockError{Server: n.id, Err: err}
	}
	n.metrics.success.Add(1)
	return a, nil
}

// Stats returns a copy of the current stats of the server.
func (n *NameServer) Stats() ServerStats {
	n.mu.RLock()
	cell := n.stats
	n.mu.RUnlock()
	s, _ := cell.load()
	return s
}

// Config returns the address and protocol of the server.
func (n *NameServer) Config() ServerConfig {
	return n.config
}

// Close the connection to the name server.
func (n *NameServer) Close() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return closeTransport(n.transport)
}

func (n *NameServer) String() string {
	return n.id
}

// Returns the transport and stats to use for the next query. A failed server is
// reconnected if its retry delay has expired, otherwise the error that failed it
// is returned. Servers with poisoned stats are always reconnected.
func (n *NameServer) tryReconnect() (Resolver, *statsCell, error) {
	n.mu.RLock()
	transport, cell := n.transport, n.stats
	n.mu.RUnlock()

	stats, err := cell.load()
	if err == nil {
		if stats.State.Kind != Failed {
			return transport, cell, nil
		}
		until := stats.State.At.Add(n.opt.RetryDelay)
		if n.now().Before(until) {
			return nil, nil, BackoffError{Server: n.id, Until: until, Err: stats.State.Err}
		}
	}
	return n.reconnect(cell, stats)
}

// Builds a new transport and installs a new stats cell in Initializing state. The
// counters are carried over from the old cell. If building the transport fails,
// the server stays failed and the retry delay starts over.
func (n *NameServer) reconnect(old *statsCell, stats ServerStats) (Resolver, *statsCell, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Another query may have reconnected while we were waiting for the lock
	if n.stats != old {
		cur, err := n.stats.load()
		if err == nil && cur.State.Kind == Failed {
			until := cur.State.At.Add(n.opt.RetryDelay)
			return nil, nil, BackoffError{Server: n.id, Until: until, Err: cur.State.Err}
		}
		return n.transport, n.stats, nil
	}

	log := Log.WithFields(logrus.Fields{"id": n.id, "stats": stats.String()})
	transport, err := n.opt.Transport(n.config, n.opt)
	if err != nil {
		err = errors.Wrapf(err, "failed to reconnect to %s", n.config)
		log.WithError(err).Error("reconnect failed")
		n.stats = newStatsCell(ServerStats{
			State:     failed(err, n.now()),
			Successes: stats.Successes,
			Failures:  stats.Failures,
		})
		return nil, nil, err
	}
	log.Debug("reconnecting to server")

	if err := closeTransport(n.transport); err != nil {
		log.WithError(err).Warn("failed to close old connection")
	}
	n.transport = transport
	n.stats = newStatsCell(newServerStats(newOPT(n.opt.EDNS0UDPSize), stats.Successes, stats.Failures))
	n.metrics.reconnect.Add(1)
	return n.transport, n.stats, nil
}

// Adds EDNS0 options to the query if the server is initializing with options
// to request, or if it has negotiated EDNS0 before.
func (n *NameServer) prepare(q *dns.Msg, cell *statsCell) *dns.Msg {
	if n.opt.EDNS0UDPSize == 0 {
		return q
	}
	stats, err := cell.load()
	if err != nil || stats.State.EDNS0 == nil {
		return q
	}
	return withEDNS0(q, n.opt.EDNS0UDPSize)
}

func closeTransport(r Resolver) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
