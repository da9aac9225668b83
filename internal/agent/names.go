package agent

import (
	"log/slog"
	"net"
	"os"
	"strings"
)

// LocalNames lists the names a controller may use to reach this host: the
// hostname, localhost and every interface address. They become token
// audiences so a client dialing any of them is accepted.
func LocalNames() []string {
	names := []string{"localhost"}
	if host, err := os.Hostname(); err == nil && host != "" {
		names = append(names, strings.ToLower(host))
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Warn("Failed to list interface addresses", "error", err)
		return names
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			names = append(names, ipnet.IP.String())
		}
	}
	return names
}
