package ringboot

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// State is the per-rank bootstrap state: the rank's listen socket, its two
// ring sockets, the gathered peer address tables and the queue of
// connections received ahead of their matching Recv. It is owned by a
// single goroutine; only the abort flag is shared.
type State struct {
	rank   int
	nranks int
	magic  uint64
	abort  *atomic.Uint32

	listenSock *sock.Socket
	ringSend   *sock.Socket
	ringRecv   *sock.Socket

	peerCommAddrs  []sock.Address
	peerProxyAddrs []sock.Address

	unexpected []unexConn

	proxy *ProxyHandoff

	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label
	cfg     config
}

// Init performs the rendezvous for one rank: check in with the root,
// learn the right-hand neighbour, stitch the ring, and allgather the comm
// and proxy address tables. abort may be nil; when shared, storing a
// non-zero value unwinds any blocked operation.
func Init(handle *Handle, rank, nranks int, abort *atomic.Uint32, opts ...Option) (_ *State, err error) {
	if handle == nil || handle.Addr.IsZero() {
		return nil, fmt.Errorf("%w: handle has no address", ErrInvalidArgument)
	}
	if nranks < 1 || rank < 0 || rank >= nranks {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidArgument, rank, nranks)
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if abort == nil {
		abort = new(atomic.Uint32)
	}

	st := &State{
		rank:    rank,
		nranks:  nranks,
		magic:   handle.Magic,
		abort:   abort,
		logger:  cfg.logger().With(LabelRank.L(rank)),
		msink:   cfg.sink(),
		mlabels: append(cfg.mlabels, LabelRank.M(fmt.Sprint(rank))),
		cfg:     cfg,
	}
	// Partial teardown on any failed step: sockets first, then tables.
	defer func() {
		if err != nil {
			st.Abort()
		}
	}()

	st.logger.Debug("bootstrap starting", "nranks", nranks)

	bind, err := cfg.bindAddress()
	if err != nil {
		return nil, err
	}

	// Socket every peer will contact me on, for ring and p2p traffic.
	st.listenSock = sock.New(bind, st.magic, sock.TypeBootstrap, abort)
	if err := st.listenSock.Listen(); err != nil {
		return nil, err
	}

	// Temporary socket the root calls me back on, exactly once.
	listenRoot := sock.New(bind, st.magic, sock.TypeBootstrap, abort)
	if err := listenRoot.Listen(); err != nil {
		return nil, err
	}
	defer listenRoot.Close()

	info := extInfo{
		Rank:       int32(rank),
		NRanks:     int32(nranks),
		ListenRoot: listenRoot.Addr(),
		ListenComm: st.listenSock.Addr(),
	}

	if delay := staggerDelay(rank, nranks, cfg.staggerThreshold); delay > 0 {
		st.logger.Debug("delaying connection to root", "delay", delay)
		time.Sleep(delay)
	}

	// Check in with the root.
	rootSock := sock.New(handle.Addr, st.magic, sock.TypeBootstrap, abort)
	if err := rootSock.Connect(); err != nil {
		return nil, err
	}
	err = netSend(rootSock, info.encode())
	rootSock.Close()
	if err != nil {
		return nil, err
	}

	// The root calls back with my right-hand ring neighbour.
	cb := sock.New(sock.Address{}, 0, sock.TypeUnknown, abort)
	if err := cb.Accept(listenRoot); err != nil {
		return nil, err
	}
	var nextBuf [sock.AddrLen]byte
	n, err := netRecv(cb, nextBuf[:])
	cb.Close()
	if err != nil {
		return nil, err
	}
	if n != sock.AddrLen {
		return nil, fmt.Errorf("%w: short neighbour address (%d bytes)", ErrProtocol, n)
	}
	listenRoot.Close()
	nextAddr := sock.Address(nextBuf)

	// Connect to the right neighbour, then accept the left one. Every rank
	// is already listening by the time the root calls anyone back, so the
	// connect cannot deadlock against the neighbour's accept.
	st.ringSend = sock.New(nextAddr, st.magic, sock.TypeBootstrap, abort)
	if err := st.ringSend.Connect(); err != nil {
		return nil, err
	}
	st.ringRecv = sock.New(sock.Address{}, 0, sock.TypeUnknown, abort)
	if err := st.ringRecv.Accept(st.listenSock); err != nil {
		return nil, err
	}

	st.peerCommAddrs = make([]sock.Address, nranks)
	st.peerCommAddrs[rank] = st.listenSock.Addr()
	if err := st.allGatherAddrs(st.peerCommAddrs); err != nil {
		return nil, err
	}

	// Stand up the proxy listener and hand it off with the gathered table.
	proxyLn := sock.New(bind, st.magic, sock.TypeProxy, abort)
	if err := proxyLn.Listen(); err != nil {
		return nil, err
	}
	st.peerProxyAddrs = make([]sock.Address, nranks)
	st.peerProxyAddrs[rank] = proxyLn.Addr()
	if err := st.allGatherAddrs(st.peerProxyAddrs); err != nil {
		proxyLn.Close()
		return nil, err
	}
	st.proxy = newProxyHandoff(proxyLn, st.peerProxyAddrs)

	st.logger.Debug("bootstrap done", "nranks", nranks)
	return st, nil
}

// staggerDelay spreads root check-ins of large groups: beyond the
// threshold each rank waits rank milliseconds before dialing.
func staggerDelay(rank, nranks, threshold int) time.Duration {
	if nranks <= threshold {
		return 0
	}
	return time.Duration(rank) * time.Millisecond
}

func (st *State) Rank() int { return st.rank }

func (st *State) NRanks() int { return st.nranks }

func (st *State) Magic() uint64 { return st.magic }

// PeerAddresses returns the gathered comm addresses, indexed by rank.
func (st *State) PeerAddresses() []sock.Address { return st.peerCommAddrs }

// Proxy returns the handoff carrying this rank's proxy listener and the
// gathered proxy address table. Ownership of the listener rests with the
// proxy service from here on.
func (st *State) Proxy() *ProxyHandoff { return st.proxy }

// allGatherAddrs runs the ring allgather over a rank-indexed address table
// whose own slot is pre-filled.
func (st *State) allGatherAddrs(addrs []sock.Address) error {
	buf := make([]byte, len(addrs)*sock.AddrLen)
	for i, a := range addrs {
		copy(buf[i*sock.AddrLen:], a[:])
	}
	if err := st.AllGather(buf, sock.AddrLen); err != nil {
		return err
	}
	for i := range addrs {
		addrs[i] = sock.Address(buf[i*sock.AddrLen : (i+1)*sock.AddrLen])
	}
	return nil
}

// Close tears the state down. Leftover unexpected connections while the
// abort flag is clear mean some sender produced a message nobody received:
// the sockets are still released, and a protocol error is reported.
func (st *State) Close() error {
	var result *multierror.Error

	leftover := len(st.unexpected)
	for _, u := range st.unexpected {
		u.sock.Close()
	}
	st.unexpected = nil
	if leftover > 0 && st.abort.Load() == 0 {
		st.logger.Warn("unexpected connections are not empty", "count", leftover)
		result = multierror.Append(result, fmt.Errorf("%w: %d pending", ErrUnexpectedNotEmpty, leftover))
	}

	for _, s := range []*sock.Socket{st.listenSock, st.ringSend, st.ringRecv} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	st.peerCommAddrs = nil
	return result.ErrorOrNil()
}

// Abort releases everything best-effort, without reporting leftover
// unexpected connections. Safe on a partially initialized state.
func (st *State) Abort() error {
	if st == nil {
		return nil
	}
	var result *multierror.Error

	for _, u := range st.unexpected {
		u.sock.Close()
	}
	st.unexpected = nil

	for _, s := range []*sock.Socket{st.listenSock, st.ringSend, st.ringRecv} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if st.proxy != nil {
		if err := st.proxy.Release(); err != nil {
			result = multierror.Append(result, err)
		}
		st.proxy = nil
	}
	st.peerCommAddrs = nil
	st.peerProxyAddrs = nil
	return result.ErrorOrNil()
}
