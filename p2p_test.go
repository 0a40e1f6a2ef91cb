package ringboot

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringmesh/ringboot/pkg/sock"
)

func TestP2PMatchingOutOfOrder(t *testing.T) {
	states := startGroup(t, 3, nil)

	// Ranks 1 and 2 send everything before rank 0 posts a single recv.
	sent := make(chan error, 2)
	for _, sender := range []int{1, 2} {
		go func(r int) {
			st := states[r]
			if err := st.Send(0, 7, []byte{'A', byte('0' + r)}); err != nil {
				sent <- err
				return
			}
			sent <- st.Send(0, 9, []byte{'B', byte('0' + r)})
		}(sender)
	}
	require.NoError(t, <-sent)
	require.NoError(t, <-sent)

	recv := func(peer, tag int) string {
		buf := make([]byte, 2)
		n, err := states[0].Recv(peer, tag, buf)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		return string(buf)
	}

	require.Equal(t, "B2", recv(2, 9))
	require.Equal(t, "A1", recv(1, 7))
	require.Equal(t, "A2", recv(2, 7))
	require.Equal(t, "B1", recv(1, 9))

	// Everything matched: teardown must be clean on all ranks.
	runRanks(t, states, func(st *State) error { return st.Close() })
}

func TestUnexpectedQueueFIFO(t *testing.T) {
	states := startGroup(t, 2, nil)

	done := make(chan error, 1)
	go func() {
		st := states[1]
		for _, msg := range []struct {
			tag  int
			data string
		}{{5, "d1"}, {5, "d2"}, {6, "go"}} {
			if err := st.Send(0, msg.tag, []byte(msg.data)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	require.NoError(t, <-done)

	// The tag-6 recv parks both tag-5 messages in arrival order.
	buf := make([]byte, 2)
	_, err := states[0].Recv(1, 6, buf)
	require.NoError(t, err)
	require.Equal(t, "go", string(buf))
	require.Len(t, states[0].unexpected, 2)

	_, err = states[0].Recv(1, 5, buf)
	require.NoError(t, err)
	require.Equal(t, "d1", string(buf))

	_, err = states[0].Recv(1, 5, buf)
	require.NoError(t, err)
	require.Equal(t, "d2", string(buf))
	require.Empty(t, states[0].unexpected)
}

func TestAbortUnblocksRecv(t *testing.T) {
	abort := new(atomic.Uint32)
	states := startGroup(t, 2, abort)

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 4)
		_, err := states[0].Recv(1, 1, buf)
		errCh <- err
	}()

	time.Sleep(200 * time.Millisecond)
	abort.Store(1)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, sock.ErrAborted)
	case <-time.After(3 * time.Second):
		t.Fatal("recv did not unwind after the abort flag was set")
	}
}

func TestCloseReportsPendingUnexpected(t *testing.T) {
	states := startGroup(t, 2, nil)

	done := make(chan error, 1)
	go func() {
		if err := states[1].Send(0, 5, []byte("x")); err != nil {
			done <- err
			return
		}
		done <- states[1].Send(0, 6, []byte("y"))
	}()
	require.NoError(t, <-done)

	// Matching tag 6 parks the tag-5 message; closing with it pending is a
	// protocol error.
	buf := make([]byte, 1)
	_, err := states[0].Recv(1, 6, buf)
	require.NoError(t, err)

	err = states[0].Close()
	require.ErrorIs(t, err, ErrUnexpectedNotEmpty)
	require.NoError(t, states[1].Close())
}

func TestSendRejectsBadPeer(t *testing.T) {
	states := startGroup(t, 1, nil)
	require.ErrorIs(t, states[0].Send(1, 0, nil), ErrInvalidArgument)
	_, err := states[0].Recv(-1, 0, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
