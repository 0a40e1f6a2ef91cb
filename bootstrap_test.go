package ringboot

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringmesh/ringboot/pkg/sock"
)

func testLogHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func testMagic(t *testing.T) uint64 {
	t.Helper()
	var buf [8]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err)
	return binary.LittleEndian.Uint64(buf[:])
}

func newTestHandle(t *testing.T) *Handle {
	t.Helper()
	addr, err := sock.AddrFromString("127.0.0.1:0")
	require.NoError(t, err)
	h := &Handle{Addr: addr, Magic: testMagic(t)}
	require.NoError(t, CreateRoot(h, WithLogHandler(testLogHandler("root"))))
	return h
}

// startGroup rendezvouses n ranks on the loopback interface and returns
// their states indexed by rank. abort may be nil.
func startGroup(t *testing.T, n int, abort *atomic.Uint32, opts ...Option) []*State {
	t.Helper()
	h := newTestHandle(t)

	type result struct {
		rank int
		st   *State
		err  error
	}
	ch := make(chan result, n)
	for r := 0; r < n; r++ {
		go func(r int) {
			rankOpts := append([]Option{
				WithInterface("127.0.0.1"),
				WithLogHandler(testLogHandler(fmt.Sprintf("rank%d", r))),
			}, opts...)
			st, err := Init(h, r, n, abort, rankOpts...)
			ch <- result{rank: r, st: st, err: err}
		}(r)
	}

	states := make([]*State, n)
	deadline := time.After(30 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case res := <-ch:
			require.NoError(t, res.err, "rank %d failed to init", res.rank)
			states[res.rank] = res.st
		case <-deadline:
			t.Fatalf("rendezvous timed out with %d/%d ranks done", i, n)
		}
	}
	t.Cleanup(func() {
		for _, st := range states {
			st.Abort()
		}
	})
	return states
}

// runRanks executes fn once per rank concurrently and fails on the first
// error.
func runRanks(t *testing.T, states []*State, fn func(st *State) error) {
	t.Helper()
	ch := make(chan error, len(states))
	for _, st := range states {
		go func(st *State) {
			ch <- fn(st)
		}(st)
	}
	deadline := time.After(30 * time.Second)
	for range states {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("collective timed out")
		}
	}
}

func identity(n int) []int {
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}

func TestRendezvous(t *testing.T) {
	const n = 4
	states := startGroup(t, n, nil)

	for r, st := range states {
		require.Equal(t, r, st.Rank())
		require.Equal(t, n, st.NRanks())
		addrs := st.PeerAddresses()
		require.Len(t, addrs, n)

		seen := map[string]bool{}
		for _, a := range addrs {
			require.False(t, a.IsZero())
			seen[a.String()] = true
		}
		require.Len(t, seen, n, "peer addresses must be distinct")

		// The ring send socket points at the right-hand neighbour.
		require.Equal(t, addrs[(r+1)%n], st.ringSend.Addr())

		require.NotNil(t, st.Proxy())
		require.Len(t, st.Proxy().PeerAddresses(), n)
	}

	// Every rank sees the same table.
	for r := 1; r < n; r++ {
		require.Equal(t, states[0].PeerAddresses(), states[r].PeerAddresses())
	}

	runRanks(t, states, func(st *State) error { return st.Close() })
}

func TestSingleRank(t *testing.T) {
	states := startGroup(t, 1, nil)
	st := states[0]

	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = byte(i)
	}
	want := append([]byte(nil), buf...)
	require.NoError(t, st.AllGather(buf, 16))
	require.Equal(t, want, buf)

	require.NoError(t, st.Barrier(identity(1), 0, 1, 0))
	require.NoError(t, st.Close())
}

func contribution(rank, size int) []byte {
	c := make([]byte, size)
	for j := range c {
		c[j] = byte(rank*31 + j)
	}
	return c
}

func TestAllGather(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 8} {
		t.Run(fmt.Sprintf("nranks=%d", n), func(t *testing.T) {
			states := startGroup(t, n, nil)
			for _, size := range []int{1, 8, 4096} {
				want := make([]byte, 0, n*size)
				for r := 0; r < n; r++ {
					want = append(want, contribution(r, size)...)
				}

				runRanks(t, states, func(st *State) error {
					buf := make([]byte, n*size)
					copy(buf[st.Rank()*size:], contribution(st.Rank(), size))
					if err := st.AllGather(buf, size); err != nil {
						return err
					}
					if string(buf) != string(want) {
						return fmt.Errorf("rank %d gathered wrong contents for size %d", st.Rank(), size)
					}
					// A second pass over the filled buffer must be a no-op.
					if err := st.AllGather(buf, size); err != nil {
						return err
					}
					if string(buf) != string(want) {
						return fmt.Errorf("rank %d: allgather is not idempotent for size %d", st.Rank(), size)
					}
					return nil
				})
			}
		})
	}
}

func TestAllGatherSlowPeer(t *testing.T) {
	const n, size = 4, 64
	states := startGroup(t, n, nil)

	want := make([]byte, 0, n*size)
	for r := 0; r < n; r++ {
		want = append(want, contribution(r, size)...)
	}

	start := time.Now()
	runRanks(t, states, func(st *State) error {
		if st.Rank() == 2 {
			time.Sleep(100 * time.Millisecond)
		}
		buf := make([]byte, n*size)
		copy(buf[st.Rank()*size:], contribution(st.Rank(), size))
		if err := st.AllGather(buf, size); err != nil {
			return err
		}
		if string(buf) != string(want) {
			return fmt.Errorf("rank %d gathered wrong contents", st.Rank())
		}
		return nil
	})
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestBarrier(t *testing.T) {
	const n = 5
	states := startGroup(t, n, nil)

	var entered atomic.Int32
	runRanks(t, states, func(st *State) error {
		if st.Rank() == 3 {
			time.Sleep(200 * time.Millisecond)
		}
		entered.Add(1)
		if err := st.Barrier(identity(n), st.Rank(), n, 17); err != nil {
			return err
		}
		if got := entered.Load(); got != n {
			return fmt.Errorf("rank %d left the barrier with %d/%d ranks entered", st.Rank(), got, n)
		}
		return nil
	})
}

func TestIntraBroadcast(t *testing.T) {
	const n, root = 5, 2
	states := startGroup(t, n, nil)

	payload := make([]byte, 1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	type got struct {
		rank int
		data []byte
	}
	ch := make(chan got, n)
	runRanks(t, states, func(st *State) error {
		buf := make([]byte, 1024)
		if st.Rank() == root {
			copy(buf, payload)
		}
		if err := st.IntraBroadcast(identity(n), st.Rank(), n, root, buf); err != nil {
			return err
		}
		ch <- got{rank: st.Rank(), data: buf}
		return nil
	})

	for i := 0; i < n; i++ {
		g := <-ch
		require.Equal(t, payload, g.data, "rank %d diverged from the root payload", g.rank)
	}
}

func TestIntraAllGather(t *testing.T) {
	const n, size = 4, 8
	states := startGroup(t, n, nil)

	want := make([]byte, 0, n*size)
	for r := 0; r < n; r++ {
		want = append(want, contribution(r, size)...)
	}

	runRanks(t, states, func(st *State) error {
		buf := make([]byte, n*size)
		copy(buf[st.Rank()*size:], contribution(st.Rank(), size))
		if err := st.IntraAllGather(identity(n), st.Rank(), n, buf, size); err != nil {
			return err
		}
		if string(buf) != string(want) {
			return fmt.Errorf("rank %d gathered wrong contents", st.Rank())
		}
		return nil
	})
}

func TestInitRejectsBadArguments(t *testing.T) {
	h := &Handle{Magic: 1}

	_, err := Init(nil, 0, 1, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Init(h, 0, 1, nil)
	require.ErrorIs(t, err, ErrInvalidArgument, "handle without address")

	var err2 error
	h.Addr, err2 = sock.AddrFromString("127.0.0.1:1")
	require.NoError(t, err2)
	_, err = Init(h, 3, 2, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Init(h, -1, 2, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
