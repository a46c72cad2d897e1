package nspool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type TestResolver func(context.Context, *dns.Msg) (*dns.Msg, error)

func (r TestResolver) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if r == nil {
		return nil, errors.New("no function defined in TestResolver")
	}
	return r(ctx, q)
}

func (r TestResolver) String() string {
	return "TestResolver()"
}

// testUpstream stands in for an upstream server. It hands out transports that
// answer every query unless fail is set, and counts transports and queries.
type testUpstream struct {
	mu        sync.Mutex
	fail      error
	edns0     uint16 // UDP size in responses, no OPT record if 0
	built     int
	queries   int
	lastQuery *dns.Msg
}

func (u *testUpstream) transport(ServerConfig, ResolverOptions) (Resolver, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.built++
	return TestResolver(u.resolve), nil
}

func (u *testUpstream) resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queries++
	u.lastQuery = q
	if u.fail != nil {
		return nil, u.fail
	}
	a := new(dns.Msg)
	a.SetReply(q)
	if u.edns0 > 0 {
		a.SetEdns0(u.edns0, false)
	}
	return a, nil
}

func (u *testUpstream) setFail(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail = err
}

func (u *testUpstream) counts() (built, queries int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.built, u.queries
}

// testClock is a manually advanced clock for backoff tests.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQuery() *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion("test.com.", dns.TypeA)
	return q
}

// Starts a DNS server on a random local port and returns its address.
func startTestServer(t *testing.T, network string, handler dns.Handler) string {
	started := make(chan struct{})
	s := &dns.Server{
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	var addr string
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		s.PacketConn = pc
		addr = pc.LocalAddr().String()
	case "tcp":
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		s.Listener = l
		addr = l.Addr().String()
	default:
		t.Fatalf("unsupported network %s", network)
	}
	go func() { _ = s.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = s.Shutdown() })
	return addr
}

// Answers every A query with 127.0.0.1.
var answerLocalhost = dns.HandlerFunc(func(w dns.ResponseWriter, q *dns.Msg) {
	a := new(dns.Msg)
	a.SetReply(q)
	a.Answer = append(a.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   q.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		A: net.IPv4(127, 0, 0, 1),
	})
	_ = w.WriteMsg(a)
})
