package nspool

import (
	"time"

	"github.com/miekg/dns"
)

// StateKind identifies the state of the connection with a name server.
type StateKind int

const (
	// Initializing is the state of a new or reconnected server. No query
	// has completed on the current connection yet.
	Initializing StateKind = iota
	// Established means there has been successful communication with
	// the server.
	Established
	// Failed means the last query failed. For UDP that's typically a
	// timeout, for TCP the connection could also have been refused or
	// dropped. A new connection is required to leave this state. An
	// error code in a response does not put a server into this state.
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Initializing:
		return "initializing"
	case Established:
		return "established"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Position of the state in the server ranking, higher is preferred. This is
// the only place the relative order of states is defined.
func (k StateKind) rank() int {
	switch k {
	case Initializing:
		return 3
	case Established:
		return 2
	case Failed:
		return 1
	}
	return 0
}

// ConnectionState holds the state of the connection with a name server along
// with the data that belongs to it. Only the fields relevant to Kind are set.
type ConnectionState struct {
	Kind StateKind

	// EDNS0 options. While Initializing these are the options requested on
	// first contact. Once Established, the options returned by the server,
	// nil if it doesn't support EDNS0.
	EDNS0 *dns.OPT

	// Error of the failed query and the time it failed.
	Err error
	At  time.Time
}

func initializing(pending *dns.OPT) ConnectionState {
	return ConnectionState{Kind: Initializing, EDNS0: pending}
}

func established(negotiated *dns.OPT) ConnectionState {
	return ConnectionState{Kind: Established, EDNS0: negotiated}
}

func failed(err error, at time.Time) ConnectionState {
	return ConnectionState{Kind: Failed, Err: err, At: at}
}

// Equal reports whether both states are of the same kind. The data carried by
// the states is not compared.
func (s ConnectionState) Equal(o ConnectionState) bool {
	return s.Kind.rank() == o.Kind.rank()
}

// Compare returns a positive number if s ranks above o, a negative one if it
// ranks below and 0 if they rank the same.
func (s ConnectionState) Compare(o ConnectionState) int {
	return s.Kind.rank() - o.Kind.rank()
}

func (s ConnectionState) String() string {
	return s.Kind.String()
}
