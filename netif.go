package ringboot

import (
	"fmt"
	"net"
	"os"
	"sync"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// netIf is the interface the bootstrap traffic binds to.
type netIf struct {
	Name string
	IP   net.IP
}

var (
	ifOnce sync.Once
	ifSel  netIf
	ifErr  error
)

// bootstrapInterface resolves the bootstrap interface once per process:
// when COMM_ID is set, the interface whose subnet contains the parsed
// address wins; otherwise the first usable interface does.
func bootstrapInterface() (netIf, error) {
	ifOnce.Do(func() {
		ifSel, ifErr = findInterface(os.Getenv(CommIDEnv))
	})
	return ifSel, ifErr
}

func findInterface(commID string) (netIf, error) {
	all, err := sockaddr.GetAllInterfaces()
	if err != nil {
		return netIf{}, fmt.Errorf("bootstrap: could not enumerate interfaces: %w", err)
	}
	up, _, err := sockaddr.IfByFlag("up", all)
	if err != nil {
		return netIf{}, fmt.Errorf("bootstrap: could not filter interfaces: %w", err)
	}

	if commID != "" {
		remote, err := resolveCommID(commID)
		if err != nil {
			return netIf{}, err
		}
		for _, ifa := range up {
			if ni, ok := containsIP(ifa, remote); ok {
				return ni, nil
			}
		}
		return netIf{}, fmt.Errorf("%w: no subnet match for %s", ErrNoInterface, remote)
	}

	loop, rest, err := sockaddr.IfByFlag("loopback", up)
	if err != nil {
		return netIf{}, fmt.Errorf("bootstrap: could not filter interfaces: %w", err)
	}
	// Loopback only as a last resort.
	for _, candidates := range []sockaddr.IfAddrs{rest, loop} {
		for _, ifa := range candidates {
			if ni, ok := usableIf(ifa); ok {
				return ni, nil
			}
		}
	}
	return netIf{}, ErrNoInterface
}

// resolveCommID extracts and resolves the host part of a COMM_ID value.
func resolveCommID(commID string) (net.IP, error) {
	host, _, err := net.SplitHostPort(commID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommID, commID)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: cannot resolve %q", ErrInvalidCommID, host)
	}
	return ips[0], nil
}

func containsIP(ifa sockaddr.IfAddr, ip net.IP) (netIf, bool) {
	switch sa := ifa.SockAddr.(type) {
	case sockaddr.IPv4Addr:
		if sa.NetIPNet().Contains(ip) {
			return netIf{Name: ifa.Interface.Name, IP: *sa.NetIP()}, true
		}
	case sockaddr.IPv6Addr:
		if sa.NetIPNet().Contains(ip) {
			return netIf{Name: ifa.Interface.Name, IP: *sa.NetIP()}, true
		}
	}
	return netIf{}, false
}

func usableIf(ifa sockaddr.IfAddr) (netIf, bool) {
	switch sa := ifa.SockAddr.(type) {
	case sockaddr.IPv4Addr:
		return netIf{Name: ifa.Interface.Name, IP: *sa.NetIP()}, true
	case sockaddr.IPv6Addr:
		ip := *sa.NetIP()
		if ip.IsLinkLocalUnicast() {
			return netIf{}, false
		}
		return netIf{Name: ifa.Interface.Name, IP: ip}, true
	}
	return netIf{}, false
}
