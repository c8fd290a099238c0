// Package endpoint describes TCP endpoints used throughout portfan.
package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Unspecified is the sentinel port value meaning "no port given."
const Unspecified int32 = -1

// Endpoint is an immutable (host, port) pair.
type Endpoint struct {
	Host string
	Port int32
}

// New builds an Endpoint, validating that host is non-empty.
func New(host string, port int32) (Endpoint, error) {
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint: host must not be empty")
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Parse parses "host:port" into an Endpoint. Both parts are required.
func Parse(s string) (Endpoint, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("endpoint: %q is not in host:port form", s)
	}
	host, portStr := s[:idx], s[idx+1:]
	if host == "" || portStr == "" {
		return Endpoint{}, fmt.Errorf("endpoint: %q is not in host:port form", s)
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port in %q: %w", s, err)
	}
	return Endpoint{Host: host, Port: int32(port)}, nil
}

// String renders the endpoint as "host:port", or just "host" when the
// port is Unspecified.
func (e Endpoint) String() string {
	if e.Port == Unspecified {
		return e.Host
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Addr renders the endpoint for use with net.Dial, net.Listen, etc.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
