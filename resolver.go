package nspool

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Resolver is an interface to resolve DNS queries. Transports, name servers and
// pools all implement it, so a pool can be used wherever a single server can.
type Resolver interface {
	Resolve(context.Context, *dns.Msg) (*dns.Msg, error)
	fmt.Stringer
}
