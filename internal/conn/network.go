package conn

import (
	"log/slog"
	"net"
)

// NetworkStatus reports whether the device currently has a usable network.
type NetworkStatus interface {
	IsNetworkAvailable() bool
}

// NetworkFunc adapts a function to NetworkStatus.
type NetworkFunc func() bool

func (f NetworkFunc) IsNetworkAvailable() bool { return f() }

// AlwaysAvailable never reports the network as down.
var AlwaysAvailable NetworkStatus = NetworkFunc(func() bool { return true })

// InterfaceStatus treats the network as available while at least one
// non-loopback interface is up and has an address.
type InterfaceStatus struct {
	interfaces func() ([]net.Interface, error)
}

func NewInterfaceStatus() *InterfaceStatus {
	return &InterfaceStatus{interfaces: net.Interfaces}
}

func (s *InterfaceStatus) IsNetworkAvailable() bool {
	ifaces, err := s.interfaces()
	if err != nil {
		slog.Warn("Failed to list network interfaces", "error", err)
		return false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}
