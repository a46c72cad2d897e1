package nspool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// Returns a name server talking to the given upstream, with a manual clock.
func newTestNameServer(t *testing.T, u *testUpstream, opt ResolverOptions) (*NameServer, *testClock) {
	opt.Transport = u.transport
	ns, err := NewNameServer(ServerConfig{Address: "127.0.0.1", Protocol: ProtocolUDP}, opt)
	require.NoError(t, err)
	clock := newTestClock()
	ns.now = clock.now
	return ns, clock
}

func TestNameServerSuccess(t *testing.T) {
	u := new(testUpstream)
	ns, _ := newTestNameServer(t, u, ResolverOptions{})
	require.Equal(t, "udp://127.0.0.1:53", ns.String())
	require.Equal(t, Initializing, ns.Stats().State.Kind)

	q := newTestQuery()
	a, err := ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, q.Id, a.Id)

	stats := ns.Stats()
	require.Equal(t, Established, stats.State.Kind)
	require.Equal(t, uint64(1), stats.Successes)
	require.Equal(t, uint64(0), stats.Failures)
}

func TestNameServerBackoff(t *testing.T) {
	u := new(testUpstream)
	ns, clock := newTestNameServer(t, u, ResolverOptions{})
	q := newTestQuery()

	// First query times out and fails the server
	timeoutErr := QueryTimeoutError{q}
	u.setFail(timeoutErr)
	_, err := ns.Resolve(context.Background(), q)
	require.Equal(t, timeoutErr, err)
	require.Equal(t, Failed, ns.Stats().State.Kind)
	built, queries := u.counts()
	require.Equal(t, 1, built)
	require.Equal(t, 1, queries)

	// Within the retry delay the cached error comes back without a query
	clock.advance(time.Second)
	_, err = ns.Resolve(context.Background(), q)
	require.ErrorIs(t, err, timeoutErr)
	var backoffErr BackoffError
	require.ErrorAs(t, err, &backoffErr)
	require.Equal(t, ns.String(), backoffErr.Server)
	_, queries = u.counts()
	require.Equal(t, 1, queries)

	// Just before the delay expires, still nothing is sent
	clock.advance(MaxRetryDelay - time.Second - time.Nanosecond)
	_, err = ns.Resolve(context.Background(), q)
	require.ErrorAs(t, err, &backoffErr)
	_, queries = u.counts()
	require.Equal(t, 1, queries)

	// After the delay, a new transport is built and the query goes out
	u.setFail(nil)
	clock.advance(time.Second)
	_, err = ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	built, queries = u.counts()
	require.Equal(t, 2, built)
	require.Equal(t, 2, queries)
	require.Equal(t, Established, ns.Stats().State.Kind)
}

func TestNameServerRetryDelay(t *testing.T) {
	u := new(testUpstream)
	ns, clock := newTestNameServer(t, u, ResolverOptions{RetryDelay: time.Millisecond})
	q := newTestQuery()

	// Delays below the minimum are raised to it
	u.setFail(errors.New("refused"))
	_, err := ns.Resolve(context.Background(), q)
	require.Error(t, err)

	clock.advance(MinRetryDelay / 2)
	_, err = ns.Resolve(context.Background(), q)
	require.ErrorAs(t, err, &BackoffError{})

	clock.advance(MinRetryDelay / 2)
	_, err = ns.Resolve(context.Background(), q)
	require.EqualError(t, err, "refused")
	built, queries := u.counts()
	require.Equal(t, 2, built)
	require.Equal(t, 2, queries)
}

func TestNameServerReconnectKeepsCounters(t *testing.T) {
	u := new(testUpstream)
	ns, clock := newTestNameServer(t, u, ResolverOptions{})
	q := newTestQuery()

	for i := 0; i < 3; i++ {
		_, err := ns.Resolve(context.Background(), q)
		require.NoError(t, err)
	}
	u.setFail(errors.New("failed"))
	_, err := ns.Resolve(context.Background(), q)
	require.Error(t, err)

	before := ns.Stats()
	require.Equal(t, uint64(3), before.Successes)
	require.Equal(t, uint64(1), before.Failures)

	// Reconnect happens on the next query after the delay. It fails again,
	// but the new connection started out with the old counters.
	clock.advance(MaxRetryDelay)
	_, err = ns.Resolve(context.Background(), q)
	require.Error(t, err)
	after := ns.Stats()
	require.Equal(t, before.Successes, after.Successes)
	require.Equal(t, before.Failures+1, after.Failures)
}

func TestNameServerReconnectFailure(t *testing.T) {
	u := new(testUpstream)
	var buildErr error
	opt := ResolverOptions{
		Transport: func(c ServerConfig, o ResolverOptions) (Resolver, error) {
			if buildErr != nil {
				return nil, buildErr
			}
			return u.transport(c, o)
		},
	}
	ns, err := NewNameServer(ServerConfig{Address: "127.0.0.1:53", Protocol: ProtocolTCP}, opt)
	require.NoError(t, err)
	clock := newTestClock()
	ns.now = clock.now
	q := newTestQuery()

	u.setFail(errors.New("failed"))
	_, err = ns.Resolve(context.Background(), q)
	require.Error(t, err)

	// Rebuilding the transport fails, the server stays failed and the delay starts over
	buildErr = errors.New("no route")
	clock.advance(MaxRetryDelay)
	_, err = ns.Resolve(context.Background(), q)
	require.ErrorIs(t, err, buildErr)
	stats := ns.Stats()
	require.Equal(t, Failed, stats.State.Kind)
	require.Equal(t, clock.now(), stats.State.At)
	require.Equal(t, uint64(1), stats.Failures)

	buildErr = nil
	u.setFail(nil)
	clock.advance(time.Second)
	_, err = ns.Resolve(context.Background(), q)
	require.ErrorAs(t, err, &BackoffError{})

	clock.advance(MaxRetryDelay)
	_, err = ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	_, queries := u.counts()
	require.Equal(t, 2, queries)
}

func TestNameServerUnsupportedProtocol(t *testing.T) {
	_, err := NewNameServer(ServerConfig{Address: "127.0.0.1:853", Protocol: ProtocolTLS}, ResolverOptions{})
	var protoErr UnsupportedProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, ProtocolTLS, protoErr.Protocol)

	_, err = NewNameServer(ServerConfig{Address: "127.0.0.1:53", Protocol: "quic"}, ResolverOptions{})
	require.ErrorAs(t, err, &protoErr)
}

func TestNameServerCancelled(t *testing.T) {
	opt := ResolverOptions{
		Transport: func(ServerConfig, ResolverOptions) (Resolver, error) {
			return TestResolver(func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}), nil
		},
	}
	ns, err := NewNameServer(ServerConfig{Address: "127.0.0.1:53", Protocol: ProtocolUDP}, opt)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = ns.Resolve(ctx, newTestQuery())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// An abandoned query is neither a success nor a failure
	stats := ns.Stats()
	require.Equal(t, Initializing, stats.State.Kind)
	require.Equal(t, uint64(0), stats.Successes)
	require.Equal(t, uint64(0), stats.Failures)
}

func TestNameServerPoisonedFailure(t *testing.T) {
	u := new(testUpstream)
	ns, _ := newTestNameServer(t, u, ResolverOptions{})
	q := newTestQuery()

	_, err := ns.Resolve(context.Background(), q)
	require.NoError(t, err)

	// Poison the stats while a failing query is in flight. The failure can't
	// be recorded but the caller still gets the transport error.
	upstreamErr := errors.New("failed")
	ns.transport = TestResolver(func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
		poison(ns.stats)
		return nil, upstreamErr
	})
	_, err = ns.Resolve(context.Background(), q)
	require.Equal(t, upstreamErr, err)

	// The next query installs new stats and a new transport right away
	_, err = ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	stats := ns.Stats()
	require.Equal(t, Established, stats.State.Kind)
	require.Equal(t, uint64(2), stats.Successes)
	require.Equal(t, uint64(0), stats.Failures)
	built, _ := u.counts()
	require.Equal(t, 2, built)
}

func TestNameServerPoisonedSuccess(t *testing.T) {
	u := new(testUpstream)
	ns, _ := newTestNameServer(t, u, ResolverOptions{})
	q := newTestQuery()

	// Poison the stats while a query is in flight, there's no way to record
	// the answer so the query fails
	ns.transport = TestResolver(func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
		poison(ns.stats)
		return u.resolve(ctx, q)
	})
	_, err := ns.Resolve(context.Background(), q)
	var lockErr LockError
	require.ErrorAs(t, err, &lockErr)
	require.ErrorIs(t, err, errPoisoned)
	require.Equal(t, ns.String(), lockErr.Server)

	// Recovered on the next query
	_, err = ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	stats := ns.Stats()
	require.Equal(t, Established, stats.State.Kind)
	require.Equal(t, uint64(1), stats.Successes)
}

func TestNameServerEDNS0(t *testing.T) {
	u := new(testUpstream)
	ns, _ := newTestNameServer(t, u, ResolverOptions{EDNS0UDPSize: 1232})
	q := newTestQuery()

	// The first query asks for EDNS0, the caller's query isn't modified
	_, err := ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Nil(t, q.IsEdns0())
	opt := u.lastQuery.IsEdns0()
	require.NotNil(t, opt)
	require.Equal(t, uint16(1232), opt.UDPSize())

	// The server didn't answer with EDNS0, so it's not used anymore
	require.Nil(t, ns.Stats().State.EDNS0)
	_, err = ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Nil(t, u.lastQuery.IsEdns0())
}

func TestNameServerEDNS0Negotiated(t *testing.T) {
	u := &testUpstream{edns0: 4096}
	ns, _ := newTestNameServer(t, u, ResolverOptions{EDNS0UDPSize: 1232})
	q := newTestQuery()

	_, err := ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	negotiated := ns.Stats().State.EDNS0
	require.NotNil(t, negotiated)
	require.Equal(t, uint16(4096), negotiated.UDPSize())

	// A response without OPT record doesn't clear what was negotiated
	u.mu.Lock()
	u.edns0 = 0
	u.mu.Unlock()
	_, err = ns.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.NotNil(t, u.lastQuery.IsEdns0())
	require.Same(t, negotiated, ns.Stats().State.EDNS0)
}

func TestNameServerConcurrent(t *testing.T) {
	u := new(testUpstream)
	ns, _ := newTestNameServer(t, u, ResolverOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := ns.Resolve(context.Background(), newTestQuery()); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(1000), ns.Stats().Successes)
}

func poison(c *statsCell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisoned = true
}
