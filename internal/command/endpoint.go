package command

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const DefaultPort uint16 = 12345

// Endpoint identifies a remote agent. It is comparable and used as a map key.
type Endpoint struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint accepts "host", "host:port" or "[v6]:port". A missing port
// resolves to defaultPort.
func ParseEndpoint(input string, defaultPort uint16) (Endpoint, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: host is required", ErrValidationFailed)
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		// No port present; bare IPv6 addresses arrive here too.
		host = strings.Trim(raw, "[]")
		portStr = ""
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: host is required", ErrValidationFailed)
	}

	port := defaultPort
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || p == 0 {
			return Endpoint{}, fmt.Errorf("%w: invalid port %q", ErrValidationFailed, portStr)
		}
		port = uint16(p)
	}
	if port == 0 {
		return Endpoint{}, fmt.Errorf("%w: port is required", ErrValidationFailed)
	}

	return Endpoint{Host: host, Port: port}, nil
}
