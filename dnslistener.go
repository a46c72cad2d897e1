package nspool

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DNSListener is a standard DNS listener for UDP or TCP.
type DNSListener struct {
	*dns.Server
	id string
}

var _ Listener = &DNSListener{}

// NewDNSListener returns an instance of either a UDP or TCP DNS listener.
func NewDNSListener(id, addr, net string, resolver Resolver) *DNSListener {
	return &DNSListener{
		id: id,
		Server: &dns.Server{
			Addr:    addr,
			Net:     net,
			Handler: listenHandler(id, net, resolver),
		},
	}
}

// Start the DNS listener.
func (s DNSListener) Start() error {
	Log.WithFields(logrus.Fields{
		"id":       s.id,
		"protocol": s.Net,
		"addr":     s.Addr,
	}).Info("starting listener")
	return s.ListenAndServe()
}

func (s DNSListener) String() string {
	return s.id
}

// DNS handler to forward all incoming requests to a given resolver.
func listenHandler(id, protocol string, r Resolver) dns.HandlerFunc {
	metrics := newListenerMetrics("listener", id)
	return func(w dns.ResponseWriter, req *dns.Msg) {
		var client net.IP
		switch addr := w.RemoteAddr().(type) {
		case *net.TCPAddr:
			client = addr.IP
		case *net.UDPAddr:
			client = addr.IP
		}

		log := logger(id, req).WithFields(logrus.Fields{
			"client":   client,
			"protocol": protocol,
		})
		log.Debug("received query")
		metrics.query.Add(1)

		log.WithField("resolver", r.String()).Debug("forwarding query to resolver")
		a, err := r.Resolve(context.Background(), req)
		if err != nil {
			metrics.err.Add("resolve", 1)
			log.WithError(err).Error("failed to resolve")
			a = servfail(req)
		}

		// Check the response actually fits if the query was sent over UDP. If not, respond with TC flag.
		if protocol == "udp" {
			maxSize := dns.MinMsgSize
			if edns0 := req.IsEdns0(); edns0 != nil {
				maxSize = int(edns0.UDPSize())
			}
			a.Truncate(maxSize)
		}

		metrics.response.Add(rCode(a), 1)
		_ = w.WriteMsg(a)
	}
}
