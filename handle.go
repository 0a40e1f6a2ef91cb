package ringboot

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// CommIDEnv optionally carries the well-known rendezvous endpoint. When set
// on the root-hosting rank, the root listener binds to the parsed address;
// on other ranks it drives outbound interface selection.
const CommIDEnv = "COMM_ID"

// Handle is the unique identifier of a group: the root's rendezvous
// address plus a 64-bit random magic every connection must present. It is
// produced once and distributed out-of-band (typically by the job
// launcher); all ranks entering Init together must hold identical handles.
type Handle struct {
	Addr  sock.Address
	Magic uint64
}

const handleLen = sock.AddrLen + 8

// GetUniqueID produces a fresh handle. Without COMM_ID in the environment
// it binds the root listener on the bootstrap interface and spawns the
// root coordinator; with COMM_ID set it only records the parsed address,
// and the caller owning that address must invoke CreateRoot itself.
func GetUniqueID(opts ...Option) (*Handle, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	h := &Handle{}
	var magicBuf [8]byte
	if _, err := rand.Read(magicBuf[:]); err != nil {
		return nil, fmt.Errorf("bootstrap: could not draw magic: %w", err)
	}
	h.Magic = binary.LittleEndian.Uint64(magicBuf[:])

	if env := os.Getenv(CommIDEnv); env != "" {
		cfg.logger().Info("COMM_ID set by environment", "value", env)
		addr, err := parseCommID(env)
		if err != nil {
			return nil, err
		}
		h.Addr = addr
		return h, nil
	}

	bind, err := cfg.bindAddress()
	if err != nil {
		return nil, err
	}
	h.Addr = bind
	if err := CreateRoot(h, opts...); err != nil {
		return nil, err
	}
	return h, nil
}

func parseCommID(env string) (sock.Address, error) {
	host, port, err := net.SplitHostPort(env)
	if err != nil {
		return sock.Address{}, fmt.Errorf("%w: %q", ErrInvalidCommID, env)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return sock.Address{}, fmt.Errorf("%w: bad port in %q", ErrInvalidCommID, env)
	}
	if host == "" {
		return sock.Address{}, fmt.Errorf("%w: empty host in %q", ErrInvalidCommID, env)
	}
	return sock.AddrFromString(net.JoinHostPort(host, port))
}

// MarshalText encodes the handle as an opaque token suitable for
// out-of-band distribution.
func (h Handle) MarshalText() ([]byte, error) {
	var buf [handleLen]byte
	copy(buf[:sock.AddrLen], h.Addr[:])
	binary.LittleEndian.PutUint64(buf[sock.AddrLen:], h.Magic)
	out := make([]byte, base64.StdEncoding.EncodedLen(handleLen))
	base64.StdEncoding.Encode(out, buf[:])
	return out, nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(buf, text)
	if err != nil {
		return fmt.Errorf("%w: undecodable handle: %v", ErrInvalidArgument, err)
	}
	if n != handleLen {
		return fmt.Errorf("%w: handle is %d bytes, want %d", ErrInvalidArgument, n, handleLen)
	}
	copy(h.Addr[:], buf[:sock.AddrLen])
	h.Magic = binary.LittleEndian.Uint64(buf[sock.AddrLen:])
	return nil
}
