package boltconn

import (
	"fmt"
	"net"
	"strconv"
)

// Address is a (host, port) pair in both its unresolved (as given by a
// URI or routing table) and resolved (dialable) forms. Pool keying and
// equality use the unresolved form (§3): two addresses that resolve to
// the same IP but were spelled differently are distinct pool keys.
type Address struct {
	Host string
	Port int
	// Resolved is the dialable form, filled in by Resolve. Empty until
	// then.
	Resolved string
}

// NewAddress builds an unresolved Address.
func NewAddress(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// Key is the stable string used for pool and routing-table membership.
func (a Address) Key() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

func (a Address) String() string { return a.Key() }

// Resolve fills in the Resolved dial target. Callers that front
// addresses with a caching resolver (the routing pool's dnscache.Resolver)
// do the actual lookup and pass the chosen IP in; Resolve itself is a
// plain pass-through so boltconn has no resolver dependency of its own.
func (a Address) Resolve(ip string) Address {
	a.Resolved = net.JoinHostPort(ip, fmt.Sprintf("%d", a.Port))
	return a
}

// ParseAddress splits a "host:port" string, as returned in a routing
// table's server-group addresses (§4.4), into an unresolved Address.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("boltconn: parse address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("boltconn: parse address %q: bad port: %w", hostport, err)
	}
	return NewAddress(host, port), nil
}

// DialTarget returns the resolved address if one was set, else the
// unresolved host:port (letting net.Dial do its own resolution).
func (a Address) DialTarget() string {
	if a.Resolved != "" {
		return a.Resolved
	}
	return a.Key()
}
