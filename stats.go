package nspool

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ServerStats tracks the health of a name server. The counters cover the whole
// lifetime of the server and survive reconnects.
type ServerStats struct {
	State     ConnectionState
	Successes uint64
	Failures  uint64
}

func newServerStats(pending *dns.OPT, successes, failures uint64) ServerStats {
	return ServerStats{
		State:     initializing(pending),
		Successes: successes,
		Failures:  failures,
	}
}

// Record a completed query. remote holds the EDNS0 options from the response.
func (s *ServerStats) nextSuccess(remote *dns.OPT) {
	s.Successes++

	// A response without OPT record doesn't undo what was negotiated
	// before on this connection.
	if remote == nil && s.State.Kind == Established {
		remote = s.State.EDNS0
	}
	s.State = established(remote)
}

// Record a failed query.
func (s *ServerStats) nextFailure(err error, at time.Time) {
	s.Failures++
	s.State = failed(err, at)
}

// Compare ranks two servers by their stats. It returns a positive number if s
// is preferred over o, a negative number if o is preferred and 0 if they rank
// equally. The state decides first, then fewer failures, then fewer successes
// to spread queries over healthy servers.
func (s ServerStats) Compare(o ServerStats) int {
	if c := s.State.Compare(o.State); c != 0 {
		return c
	}
	switch {
	case s.Failures < o.Failures:
		return 1
	case s.Failures > o.Failures:
		return -1
	}
	switch {
	case s.Successes < o.Successes:
		return 1
	case s.Successes > o.Successes:
		return -1
	}
	return 0
}

func (s ServerStats) String() string {
	return fmt.Sprintf("%s(successes=%d, failures=%d)", s.State, s.Successes, s.Failures)
}

// statsCell is the shared, lockable home of a server's stats. A panic during an
// update poisons the cell and every later access fails. Poisoned cells are not
// repaired, the name server replaces them on reconnect.
type statsCell struct {
	mu       sync.Mutex
	stats    ServerStats
	poisoned bool
}

func newStatsCell(stats ServerStats) *statsCell {
	return &statsCell{stats: stats}
}

// Apply fn to the stats while holding the lock.
func (c *statsCell) update(fn func(*ServerStats)) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poisoned {
		return errPoisoned
	}
	defer func() {
		if r := recover(); r != nil {
			c.poisoned = true
			err = fmt.Errorf("%w: %v", errPoisoned, r)
		}
	}()
	fn(&c.stats)
	return nil
}

// Returns a copy of the stats. The copy is returned even if the cell is
// poisoned, together with the error.
func (c *statsCell) load() (ServerStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poisoned {
		return c.stats, errPoisoned
	}
	return c.stats, nil
}
