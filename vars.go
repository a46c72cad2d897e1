package nspool

import (
	"expvar"
	"fmt"
)

// Get an *expvar.Int with the given path.
func getVarInt(base string, id string, name string) *expvar.Int {
	fullname := fmt.Sprintf("nspool.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// Get an *expvar.Map with the given path.
func getVarMap(base string, id string, name string) *expvar.Map {
	fullname := fmt.Sprintf("nspool.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// ServerMetrics are published for every name server.
type ServerMetrics struct {
	// Completed queries.
	success *expvar.Int
	// Failed queries, not counting ones abandoned by the caller.
	failure *expvar.Int
	// Queries refused while the server was backing off.
	backoff *expvar.Int
	// Number of times the transport was rebuilt.
	reconnect *expvar.Int
}

func newServerMetrics(id string) *ServerMetrics {
	return &ServerMetrics{
		success:   getVarInt("server", id, "success"),
		failure:   getVarInt("server", id, "failure"),
		backoff:   getVarInt("server", id, "backoff"),
		reconnect: getVarInt("server", id, "reconnect"),
	}
}

// PoolMetrics are published for every pool.
type PoolMetrics struct {
	// Queries routed to each server.
	route *expvar.Map
	// Errors returned by each server.
	failure *expvar.Map
	// Current number of servers not in failed state.
	available *expvar.Int
}

func newPoolMetrics(id string, available int) *PoolMetrics {
	avail := getVarInt("pool", id, "available")
	avail.Set(int64(available))
	return &PoolMetrics{
		route:     getVarMap("pool", id, "route"),
		failure:   getVarMap("pool", id, "failure"),
		available: avail,
	}
}

// ListenerMetrics are published for every listener.
type ListenerMetrics struct {
	// DNS query count.
	query *expvar.Int
	// DNS response code counts.
	response *expvar.Map
	// Internal error count.
	err *expvar.Map
}

func newListenerMetrics(base string, id string) *ListenerMetrics {
	return &ListenerMetrics{
		query:    getVarInt(base, id, "query"),
		response: getVarMap(base, id, "response"),
		err:      getVarMap(base, id, "error"),
	}
}
