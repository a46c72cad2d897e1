package nspool

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Retry sends a query to its resolver again if it fails, up to a number of
// attempts. In front of a pool, every attempt is ranked again, so a query that
// failed on one server moves on to the next best one.
type Retry struct {
	id       string
	resolver Resolver
	opt      RetryOptions
}

var _ Resolver = &Retry{}

// RetryOptions contain options for the retry wrapper.
type RetryOptions struct {
	// Total number of attempts per query. Default 2.
	Attempts int
}

// NewRetry returns a new instance of a retrying resolver.
func NewRetry(id string, resolver Resolver, opt RetryOptions) *Retry {
	if opt.Attempts <= 0 {
		opt.Attempts = 2
	}
	return &Retry{id: id, resolver: resolver, opt: opt}
}

// Resolve a DNS query, retrying on error. The error of the last attempt is
// returned if all fail. No further attempts are made once the context is done.
func (r *Retry) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	log := logger(r.id, q)
	var gErr error
	for i := 0; i < r.opt.Attempts; i++ {
		a, err := r.resolver.Resolve(ctx, q)
		if err == nil { // Return immediately if successful
			return a, err
		}
		log.WithError(err).WithField("attempt", i+1).Debug("resolver returned failure")

		// Record the error to be returned when all requests fail
		gErr = err

		if ctx.Err() != nil {
			break
		}
	}
	return nil, gErr
}

func (r *Retry) String() string {
	return fmt.Sprintf("Retry(%s)", r.resolver)
}
