package nspool

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ErrNoServers is returned by a pool that doesn't have any name servers.
var ErrNoServers = errors.New("no connections available")

// Returned when a query is sent to a transport that was already closed.
var errPipelineClosed = errors.New("pipeline closed")

// Returned when the stats of a name server can't be used because a previous
// update panicked while holding the lock.
var errPoisoned = errors.New("stats lock poisoned")

// QueryTimeoutError is returned when a query times out.
type QueryTimeoutError struct {
	query *dns.Msg
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", qName(e.query))
}

// BackoffError is returned without contacting the upstream server while the
// server is failed and its retry delay hasn't expired yet. It wraps the error
// that put the server into the failed state.
type BackoffError struct {
	Server string
	Until  time.Time
	Err    error
}

func (e BackoffError) Error() string {
	return fmt.Sprintf("%s unavailable until %s: %s", e.Server, e.Until.Format(time.RFC3339), e.Err)
}

func (e BackoffError) Unwrap() error {
	return e.Err
}

// LockError is returned when the stats of a name server could not be updated.
type LockError struct {
	Server string
	Err    error
}

func (e LockError) Error() string {
	return fmt.Sprintf("failed to acquire stats lock for %s: %s", e.Server, e.Err)
}

func (e LockError) Unwrap() error {
	return e.Err
}

// UnsupportedProtocolError is returned when a name server is configured with a
// protocol that has no transport.
type UnsupportedProtocolError struct {
	Protocol Protocol
}

func (e UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported protocol '%s'", e.Protocol)
}
