package ringboot

import (
	"fmt"
)

// AllGather fills a contiguous nranks*size buffer whose own slot is
// pre-filled, by circulating slices around the ring for nranks-1 steps. At
// step i the slice written into slot (rank-i-1) mod nranks is that rank's
// original contribution. Send goes out before the matching recv so the
// ring flows in one direction.
func (st *State) AllGather(data []byte, size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: allgather slice size %d", ErrInvalidArgument, size)
	}
	if len(data) < st.nranks*size {
		return fmt.Errorf("%w: allgather buffer holds %d bytes, need %d", ErrInvalidArgument, len(data), st.nranks*size)
	}
	rank, nranks := st.rank, st.nranks
	if nranks == 1 {
		return nil
	}

	for i := 0; i < nranks-1; i++ {
		sslice := (rank - i + nranks) % nranks
		rslice := (rank - i - 1 + nranks) % nranks

		if err := netSend(st.ringSend, data[sslice*size:(sslice+1)*size]); err != nil {
			return err
		}
		n, err := netRecv(st.ringRecv, data[rslice*size:(rslice+1)*size])
		if err != nil {
			return err
		}
		if n != size {
			return fmt.Errorf("%w: ring slice is %d bytes, want %d", ErrProtocol, n, size)
		}
	}
	st.msink.IncrCounterWithLabels(MetricBootstrapAllGatherCount, 1.0, st.mlabels)
	return nil
}

// Barrier blocks until every rank of the group has entered it.
// Dissemination algorithm (Hensgen, Finkel, Manber 1988): after
// ceil(log2 nranks) send/recv rounds every rank has transitively heard
// from every other. ranks maps group indices to global ranks.
func (st *State) Barrier(ranks []int, rank, nranks, tag int) error {
	if nranks == 1 {
		return nil
	}
	if len(ranks) < nranks {
		return fmt.Errorf("%w: %d ranks given, need %d", ErrInvalidArgument, len(ranks), nranks)
	}

	var token [4]byte
	for mask := 1; mask < nranks; mask <<= 1 {
		src := (rank - mask + nranks) % nranks
		dst := (rank + mask) % nranks
		if err := st.Send(ranks[dst], tag, token[:]); err != nil {
			return err
		}
		if _, err := st.Recv(ranks[src], tag, token[:]); err != nil {
			return err
		}
	}
	st.msink.IncrCounterWithLabels(MetricBootstrapBarrierCount, 1.0, st.mlabels)
	return nil
}

// IntraAllGather gathers the per-rank slots of data across the sub-group
// described by ranks, using the step index as the message tag.
func (st *State) IntraAllGather(ranks []int, rank, nranks int, data []byte, size int) error {
	if nranks == 1 {
		return nil
	}
	if len(ranks) < nranks {
		return fmt.Errorf("%w: %d ranks given, need %d", ErrInvalidArgument, len(ranks), nranks)
	}
	if size <= 0 || len(data) < nranks*size {
		return fmt.Errorf("%w: allgather buffer holds %d bytes, need %d", ErrInvalidArgument, len(data), nranks*size)
	}

	for i := 1; i < nranks; i++ {
		src := (rank - i + nranks) % nranks
		dst := (rank + i) % nranks
		if err := st.Send(ranks[dst], i, data[rank*size:(rank+1)*size]); err != nil {
			return err
		}
		if _, err := st.Recv(ranks[src], i, data[src*size:(src+1)*size]); err != nil {
			return err
		}
	}
	return nil
}

// IntraBroadcast sends root's buffer to every other member of the
// sub-group, tagged with the receiver's global rank. In-place on the root.
func (st *State) IntraBroadcast(ranks []int, rank, nranks, root int, data []byte) error {
	if nranks == 1 {
		return nil
	}
	if len(ranks) < nranks {
		return fmt.Errorf("%w: %d ranks given, need %d", ErrInvalidArgument, len(ranks), nranks)
	}

	if rank == root {
		for i := 0; i < nranks; i++ {
			if i == root {
				continue
			}
			if err := st.Send(ranks[i], ranks[i], data); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := st.Recv(ranks[root], ranks[rank], data)
	return err
}
