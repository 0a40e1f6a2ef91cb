package ringboot

import (
	"fmt"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// splitTag is reserved for the neighbour address exchange during Split.
const splitTag = -2

// Split builds the bootstrap state of a sub-group without a root
// coordinator: the parent's p2p machinery carries the ring addresses
// instead. parentRanks lists, in child order, the global ranks forming the
// child group; rank and nranks describe the caller's place in it. The
// child shares the parent's abort flag, and the handle contributes the
// child group's magic.
func (st *State) Split(handle *Handle, rank, nranks int, parentRanks []int, opts ...Option) (_ *State, err error) {
	if handle == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrInvalidArgument)
	}
	if nranks < 1 || rank < 0 || rank >= nranks || len(parentRanks) < nranks {
		return nil, fmt.Errorf("%w: rank %d of %d (%d parent ranks)", ErrInvalidArgument, rank, nranks, len(parentRanks))
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	child := &State{
		rank:    rank,
		nranks:  nranks,
		magic:   handle.Magic,
		abort:   st.abort,
		logger:  cfg.logger().With(LabelRank.L(rank)),
		msink:   cfg.sink(),
		mlabels: append(cfg.mlabels, LabelRank.M(fmt.Sprint(rank))),
		cfg:     cfg,
	}
	defer func() {
		if err != nil {
			child.Abort()
		}
	}()

	prev := parentRanks[(rank-1+nranks)%nranks]
	next := parentRanks[(rank+1)%nranks]

	bind, err := cfg.bindAddress()
	if err != nil {
		return nil, err
	}
	child.listenSock = sock.New(bind, child.magic, sock.TypeBootstrap, child.abort)
	if err := child.listenSock.Listen(); err != nil {
		return nil, err
	}
	listenAddr := child.listenSock.Addr()

	// Tell my left neighbour where to find me, learn where my right one
	// listens, then stitch the ring exactly as Init does.
	if err := st.Send(prev, splitTag, listenAddr[:]); err != nil {
		return nil, err
	}
	var nextBuf [sock.AddrLen]byte
	n, err := st.Recv(next, splitTag, nextBuf[:])
	if err != nil {
		return nil, err
	}
	if n != sock.AddrLen {
		return nil, fmt.Errorf("%w: short neighbour address (%d bytes)", ErrProtocol, n)
	}

	child.ringSend = sock.New(sock.Address(nextBuf), child.magic, sock.TypeBootstrap, child.abort)
	if err := child.ringSend.Connect(); err != nil {
		return nil, err
	}
	child.ringRecv = sock.New(sock.Address{}, 0, sock.TypeUnknown, child.abort)
	if err := child.ringRecv.Accept(child.listenSock); err != nil {
		return nil, err
	}

	child.peerCommAddrs = make([]sock.Address, nranks)
	child.peerCommAddrs[rank] = listenAddr
	if err := child.allGatherAddrs(child.peerCommAddrs); err != nil {
		return nil, err
	}

	if cfg.shareProxy && st.proxy != nil {
		st.proxy.Retain()
		child.proxy = st.proxy
		child.peerProxyAddrs = st.peerProxyAddrs
	} else {
		proxyLn := sock.New(bind, child.magic, sock.TypeProxy, child.abort)
		if err := proxyLn.Listen(); err != nil {
			return nil, err
		}
		child.peerProxyAddrs = make([]sock.Address, nranks)
		child.peerProxyAddrs[rank] = proxyLn.Addr()
		if err := child.allGatherAddrs(child.peerProxyAddrs); err != nil {
			proxyLn.Close()
			return nil, err
		}
		child.proxy = newProxyHandoff(proxyLn, child.peerProxyAddrs)
	}

	child.logger.Info("bootstrap split done",
		"nranks", nranks, "prev", prev, "next", next)
	return child, nil
}
