package rpc

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the URL scheme of cluster addresses
const Scheme = "spindle"

// Address is the logical location of an rpc environment
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HostPort returns "host:port"
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// URL returns the address as "spindle://host:port"
func (a Address) URL() string {
	return Scheme + "://" + a.HostPort()
}

func (a Address) String() string {
	return a.HostPort()
}

// IsZero reports whether the address is unset
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress parses "spindle://host:port". Anything else, including
// paths, queries and credentials, is rejected.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("invalid %s url %q: %w", Scheme, raw, err)
	}
	if u.Scheme != Scheme {
		return Address{}, fmt.Errorf("invalid %s url %q: scheme must be %s://", Scheme, raw, Scheme)
	}
	if u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return Address{}, fmt.Errorf("invalid %s url %q: only host and port are allowed", Scheme, raw)
	}

	host := u.Hostname()
	if host == "" {
		return Address{}, fmt.Errorf("invalid %s url %q: missing host", Scheme, raw)
	}
	portStr := u.Port()
	if portStr == "" {
		return Address{}, fmt.Errorf("invalid %s url %q: missing port", Scheme, raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid %s url %q: port must be in 1..65535", Scheme, raw)
	}

	return Address{Host: host, Port: port}, nil
}

// ParseMasterURLs parses a comma separated list of masters, either as full
// URLs or as "spindle://h1:p1,h2:p2".
func ParseMasterURLs(raw string) ([]Address, error) {
	raw = strings.TrimSpace(raw)
	prefix := Scheme + "://"
	if !strings.HasPrefix(raw, prefix) {
		return nil, fmt.Errorf("invalid master url %q: scheme must be %s", raw, prefix)
	}

	var addrs []Address
	for _, part := range strings.Split(strings.TrimPrefix(raw, prefix), ",") {
		part = strings.TrimPrefix(strings.TrimSpace(part), prefix)
		addr, err := ParseAddress(prefix + part)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
