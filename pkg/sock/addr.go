package sock

import (
	"bytes"
	"fmt"
	"net"
)

// AddrLen is the fixed on-wire size of an Address. Addresses travel inside
// rendezvous messages, so the layout must stay stable across versions.
const AddrLen = 128

// Address is a NUL-padded "host:port" endpoint locator. The zero value
// means "no address".
type Address [AddrLen]byte

// AddrFromString parses "ipv4:port", "[ipv6]:port" or "host:port".
func AddrFromString(s string) (Address, error) {
	var a Address
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return a, fmt.Errorf("sock: invalid address %q: %w", s, err)
	}
	joined := net.JoinHostPort(host, port)
	if len(joined) >= AddrLen {
		return a, fmt.Errorf("sock: address %q does not fit in %d bytes", s, AddrLen)
	}
	copy(a[:], joined)
	return a, nil
}

func (a Address) String() string {
	n := bytes.IndexByte(a[:], 0)
	if n < 0 {
		n = AddrLen
	}
	return string(a[:n])
}

func (a Address) IsZero() bool {
	return a == Address{}
}
