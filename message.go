package nspool

import (
	"strconv"

	"github.com/miekg/dns"
)

// Return the query name from a DNS query.
func qName(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// Returns the string representation of the query type.
func qType(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return dns.TypeToString[q.Question[0].Qtype]
}

// Return the result code name from a DNS response.
func rCode(r *dns.Msg) string {
	if result, ok := dns.RcodeToString[r.Rcode]; ok {
		return result
	}
	return strconv.Itoa(r.Rcode)
}

// Returns a SERVFAIL answer for a query.
func servfail(q *dns.Msg) *dns.Msg {
	return responseWithCode(q, dns.RcodeServerFailure)
}

// Build a response for a query with the given responce code.
func responseWithCode(q *dns.Msg, rcode int) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, rcode)
	return a
}

// Returns the EDNS0 options carried by a message, nil if there are none.
func extensionOf(m *dns.Msg) *dns.OPT {
	if m == nil {
		return nil
	}
	return m.IsEdns0()
}

// Returns an OPT record advertising the given UDP size, nil if size is 0.
func newOPT(size uint16) *dns.OPT {
	if size == 0 {
		return nil
	}
	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	opt.SetUDPSize(size)
	return opt
}

// Returns a copy of the query with an OPT record advertising the given
// UDP size. Queries that already carry an OPT record are returned as they
// are, as is the query if size is 0.
func withEDNS0(q *dns.Msg, size uint16) *dns.Msg {
	if size == 0 || q.IsEdns0() != nil {
		return q
	}
	c := q.Copy()
	c.SetEdns0(size, false)
	return c
}
