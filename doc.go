/*
Package nspool selects upstream DNS name servers and tracks their health. It is
the part of a resolver client that decides which of the configured servers
receives the next query.

Name servers

A NameServer wraps the connection to one upstream server. It records the outcome
of every query in its stats: the state of the connection (initializing,
established or failed) and lifetime success and failure counters. After a
failure, queries are refused with a BackoffError until the retry delay has
passed. The next query after that reconnects, keeping the counters.

Pools

A NameServerPool holds the name servers of one resolver configuration. Each query
goes to the server that ranks best at that moment: servers that haven't been used
on their current connection come first, then established ones, then failed ones.
Among servers in the same state, fewer failures and then fewer successes win.
A failed query is not retried on another server, calling Resolve again will
pick the next best one.

Transports and listeners

Name servers talk to upstream servers over plain DNS with UDP or TCP, pipelining
queries over a single connection. A DNSListener can be put in front of a pool to
run it as a forwarding proxy.
*/
package nspool
