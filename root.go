package ringboot

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// extInfo is what each rank reports to the root when checking in:
// where the root can call it back, and where every peer can reach it
// afterwards. Fixed little-endian layout, byte-stable across versions.
type extInfo struct {
	Rank       int32
	NRanks     int32
	ListenRoot sock.Address
	ListenComm sock.Address
}

const extInfoLen = 8 + 2*sock.AddrLen

func (e *extInfo) encode() []byte {
	buf := make([]byte, extInfoLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Rank))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.NRanks))
	copy(buf[8:8+sock.AddrLen], e.ListenRoot[:])
	copy(buf[8+sock.AddrLen:], e.ListenComm[:])
	return buf
}

func decodeExtInfo(buf []byte) extInfo {
	var e extInfo
	e.Rank = int32(binary.LittleEndian.Uint32(buf[0:4]))
	e.NRanks = int32(binary.LittleEndian.Uint32(buf[4:8]))
	copy(e.ListenRoot[:], buf[8:8+sock.AddrLen])
	copy(e.ListenComm[:], buf[8+sock.AddrLen:])
	return e
}

// CreateRoot binds the root listener on the handle's address, writes the
// bound address back into the handle, and spawns the root coordinator as a
// detached task. Nobody joins it: its errors are logged and swallowed, and
// it frees its own resources on the way out.
func CreateRoot(handle *Handle, opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return err
	}
	if handle == nil || handle.Addr.IsZero() {
		return fmt.Errorf("%w: handle has no address", ErrInvalidArgument)
	}

	ln := sock.New(handle.Addr, handle.Magic, sock.TypeBootstrap, nil)
	if err := ln.Listen(); err != nil {
		return err
	}
	handle.Addr = ln.Addr()

	logger := cfg.logger()
	go func() {
		if err := runRoot(ln, handle.Magic, logger, cfg.sink(), cfg.mlabels); err != nil {
			logger.Warn("bootstrap root failed", "error", err)
		}
	}()
	return nil
}

// runRoot collects one check-in per rank, then dials every rank back with
// the comm address of its right-hand ring neighbour. Any error is fatal to
// the whole group: surviving ranks hang until externally aborted.
func runRoot(ln *sock.Socket, magic uint64, logger *slog.Logger, msink metrics.MetricSink, mlabels []metrics.Label) error {
	defer ln.Close()

	// Many short-lived connections follow.
	if err := raiseFileLimit(); err != nil {
		logger.Warn("could not raise the file descriptor limit", "error", err)
	}

	nranks := 0
	c := 0
	var rankAddrs, rankAddrsRoot []sock.Address

	for {
		conn := sock.New(sock.Address{}, 0, sock.TypeUnknown, nil)
		if err := conn.Accept(ln); err != nil {
			return err
		}
		var buf [extInfoLen]byte
		n, err := netRecv(conn, buf[:])
		conn.Close()
		if err != nil {
			return err
		}
		if n != extInfoLen {
			return fmt.Errorf("%w: short check-in (%d bytes)", ErrProtocol, n)
		}
		info := decodeExtInfo(buf[:])

		if c == 0 {
			if info.NRanks < 1 {
				return fmt.Errorf("%w: rank count %d", ErrInvalidArgument, info.NRanks)
			}
			nranks = int(info.NRanks)
			rankAddrs = make([]sock.Address, nranks)
			rankAddrsRoot = make([]sock.Address, nranks)
		}

		if int(info.NRanks) != nranks {
			logger.Warn("mismatch in rank count from procs", "expected", nranks, "got", info.NRanks)
			return fmt.Errorf("%w: %d : %d", ErrRankCountMismatch, nranks, info.NRanks)
		}
		if info.Rank < 0 || int(info.Rank) >= nranks {
			return fmt.Errorf("%w: rank %d out of range [0, %d)", ErrProtocol, info.Rank, nranks)
		}
		if !rankAddrsRoot[info.Rank].IsZero() {
			logger.Warn("rank has already checked in", LabelRank.L(info.Rank), "nranks", nranks)
			return fmt.Errorf("%w: rank %d of %d ranks", ErrAlreadyCheckedIn, info.Rank, nranks)
		}

		rankAddrsRoot[info.Rank] = info.ListenRoot
		rankAddrs[info.Rank] = info.ListenComm
		c++
		msink.IncrCounterWithLabels(MetricBootstrapRootCheckinCount, 1.0, mlabels)
		logger.Debug("received check-in", LabelRank.L(info.Rank), "progress", fmt.Sprintf("%d/%d", c, nranks))
		if c == nranks {
			break
		}
	}

	for r := 0; r < nranks; r++ {
		next := (r + 1) % nranks
		out := sock.New(rankAddrsRoot[r], magic, sock.TypeBootstrap, nil)
		if err := out.Connect(); err != nil {
			return err
		}
		err := netSend(out, rankAddrs[next][:])
		out.Close()
		if err != nil {
			return err
		}
	}
	logger.Debug("ring stitched, root exiting", "nranks", nranks)
	return nil
}
