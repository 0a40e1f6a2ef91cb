package ringboot

import (
	"fmt"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// unexConn parks a fully handshaked inbound connection whose (peer, tag)
// did not match the posted Recv. The payload stays unread on the socket
// until the matching Recv drains it. Arrival order is preserved: append at
// tail, scan from head.
type unexConn struct {
	peer int32
	tag  int32
	sock *sock.Socket
}

// Send opens a fresh connection to peer's listen address and transmits
// (sender rank, tag, payload) as three framed messages. Each message rides
// its own connection, so sends share no mutable state.
func (st *State) Send(peer, tag int, data []byte) error {
	if peer < 0 || peer >= st.nranks {
		return fmt.Errorf("%w: peer %d of %d", ErrInvalidArgument, peer, st.nranks)
	}
	s := sock.New(st.peerCommAddrs[peer], st.magic, sock.TypeBootstrap, st.abort)
	if err := s.Connect(); err != nil {
		return err
	}
	defer s.Close()

	if err := netSendInt(s, int32(st.rank)); err != nil {
		return err
	}
	if err := netSendInt(s, int32(tag)); err != nil {
		return err
	}
	if err := netSend(s, data); err != nil {
		return err
	}
	st.msink.IncrCounterWithLabels(MetricBootstrapConnOutCount, 1.0, st.mlabels)
	st.msink.IncrCounterWithLabels(MetricBootstrapP2POutBytes, float32(len(data)),
		append(st.mlabels, LabelPeer.M(fmt.Sprint(peer))))
	return nil
}

// Recv blocks until the message sent by peer with the given tag arrives
// and returns its payload length. Connections from other (peer, tag) pairs
// accepted along the way are parked in arrival order.
func (st *State) Recv(peer, tag int, data []byte) (int, error) {
	if peer < 0 || peer >= st.nranks {
		return 0, fmt.Errorf("%w: peer %d of %d", ErrInvalidArgument, peer, st.nranks)
	}

	if s, ok := st.dequeueUnexpected(peer, tag); ok {
		defer s.Close()
		return st.recvPayload(s, data)
	}

	for {
		s := sock.New(sock.Address{}, 0, sock.TypeUnknown, st.abort)
		if err := s.Accept(st.listenSock); err != nil {
			return 0, err
		}
		st.msink.IncrCounterWithLabels(MetricBootstrapConnInCount, 1.0, st.mlabels)

		var newPeer, newTag int32
		if err := netRecvInt(s, &newPeer); err != nil {
			s.Close()
			return 0, err
		}
		if err := netRecvInt(s, &newTag); err != nil {
			s.Close()
			return 0, err
		}

		if int(newPeer) == peer && int(newTag) == tag {
			n, err := st.recvPayload(s, data)
			s.Close()
			return n, err
		}

		st.logger.Debug("parking unexpected connection",
			LabelPeer.L(newPeer), LabelTag.L(newTag))
		st.unexpected = append(st.unexpected, unexConn{peer: newPeer, tag: newTag, sock: s})
		st.msink.IncrCounterWithLabels(MetricBootstrapUnexpectedCount, 1.0, st.mlabels)
		st.msink.SetGaugeWithLabels(MetricBootstrapUnexpectedDepth,
			float32(len(st.unexpected)), st.mlabels)
	}
}

func (st *State) recvPayload(s *sock.Socket, data []byte) (int, error) {
	n, err := netRecv(s, data)
	if err != nil {
		return 0, err
	}
	st.msink.IncrCounterWithLabels(MetricBootstrapP2PInBytes, float32(n), st.mlabels)
	return n, nil
}

// dequeueUnexpected detaches the first parked entry matching (peer, tag),
// transferring socket ownership back to the caller.
func (st *State) dequeueUnexpected(peer, tag int) (*sock.Socket, bool) {
	for i, u := range st.unexpected {
		if int(u.peer) == peer && int(u.tag) == tag {
			st.unexpected = append(st.unexpected[:i], st.unexpected[i+1:]...)
			st.msink.SetGaugeWithLabels(MetricBootstrapUnexpectedDepth,
				float32(len(st.unexpected)), st.mlabels)
			return u.sock, true
		}
	}
	return nil, false
}
