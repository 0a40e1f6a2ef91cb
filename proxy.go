package ringboot

import (
	"sync/atomic"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// ProxyHandoff carries what the data-plane proxy service needs from
// bootstrap: this rank's proxy listener and the gathered proxy addresses
// of the whole group. Ownership of the listener transfers to the proxy
// service at init; split groups created with WithSharedProxy hold extra
// references to the parent's handoff instead of standing up their own.
type ProxyHandoff struct {
	ln    *sock.Socket
	peers []sock.Address
	refs  atomic.Int32
}

func newProxyHandoff(ln *sock.Socket, peers []sock.Address) *ProxyHandoff {
	p := &ProxyHandoff{ln: ln, peers: peers}
	p.refs.Store(1)
	return p
}

// Listener is this rank's proxy listen socket.
func (p *ProxyHandoff) Listener() *sock.Socket { return p.ln }

// PeerAddresses returns the proxy addresses of every rank, indexed by rank.
func (p *ProxyHandoff) PeerAddresses() []sock.Address { return p.peers }

func (p *ProxyHandoff) Retain() { p.refs.Add(1) }

// Release drops one reference; the last one closes the listener.
func (p *ProxyHandoff) Release() error {
	if p.refs.Add(-1) > 0 {
		return nil
	}
	if p.ln == nil {
		return nil
	}
	return p.ln.Close()
}
