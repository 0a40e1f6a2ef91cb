package ringboot

import (
	"encoding/binary"
	"fmt"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// The framed messaging layer: every bootstrap message is a 4-byte
// little-endian length prefix followed by the payload. The prefix lets a
// receiver refuse oversized messages before reading them.

func netSend(s *sock.Socket, data []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	if err := s.Send(hdr[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return s.Send(data)
}

// netRecv reads one framed message into data and returns the payload
// length. An advertised size beyond len(data) is refused with ErrTruncated
// before any payload is read; a shorter message is delivered as-is.
func netRecv(s *sock.Socket, data []byte) (int, error) {
	var hdr [4]byte
	if err := s.Recv(hdr[:]); err != nil {
		return 0, err
	}
	size := int(binary.LittleEndian.Uint32(hdr[:]))
	if size > len(data) {
		return 0, fmt.Errorf("%w: received %d bytes instead of %d", ErrTruncated, size, len(data))
	}
	if size == 0 {
		return 0, nil
	}
	if err := s.Recv(data[:size]); err != nil {
		return 0, err
	}
	return size, nil
}

func netSendInt(s *sock.Socket, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return netSend(s, buf[:])
}

func netRecvInt(s *sock.Socket, v *int32) error {
	var buf [4]byte
	n, err := netRecv(s, buf[:])
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("%w: short integer frame (%d bytes)", ErrProtocol, n)
	}
	*v = int32(binary.LittleEndian.Uint32(buf[:]))
	return nil
}
