package link

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"bmsnet/internal/addrutil"
	"bmsnet/internal/model"
	"bmsnet/internal/wire"
)

const udpHeader = 12

// UDP emulates the radio link over UDP. Each datagram is
// dst(6) | src(6) | payload. Broadcast fans out to every configured peer;
// unicast goes to the address a node was last heard from.
type UDP struct {
	id    model.NodeID
	conn  *net.UDPConn
	queue *Queue
	log   zerolog.Logger

	mu      sync.Mutex
	peers   []*net.UDPAddr
	learned map[model.NodeID]*net.UDPAddr
}

// ListenUDP binds listen and starts the read loop feeding q.
func ListenUDP(id model.NodeID, listen string, peers []string, q *Queue, log zerolog.Logger) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}
	resolved := make([]*net.UDPAddr, 0, len(peers))
	for _, p := range addrutil.PeerAddrs(peers, addrutil.DefaultLinkPort) {
		a, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p, err)
		}
		resolved = append(resolved, a)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	u := &UDP{
		id:      id,
		conn:    conn,
		queue:   q,
		log:     log.With().Str("component", "link").Logger(),
		peers:   resolved,
		learned: make(map[model.NodeID]*net.UDPAddr),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) ID() model.NodeID { return u.id }

// LocalAddr returns the bound socket address.
func (u *UDP) LocalAddr() string {
	if u == nil || u.conn == nil {
		return ""
	}
	return u.conn.LocalAddr().String()
}

// Close stops the read loop.
func (u *UDP) Close() error {
	if u == nil || u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

// AddPeer adds a fan-out address at runtime.
func (u *UDP) AddPeer(addr string) error {
	norm, ok := addrutil.PeerAddr(addr, addrutil.DefaultLinkPort)
	if !ok {
		return fmt.Errorf("invalid peer address %q", addr)
	}
	a, err := net.ResolveUDPAddr("udp", norm)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.peers = append(u.peers, a)
	u.mu.Unlock()
	return nil
}

func (u *UDP) Send(to model.NodeID, payload []byte) error {
	if len(payload) > wire.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrOversize, len(payload))
	}
	dgram := make([]byte, 0, udpHeader+len(payload))
	dgram = append(dgram, to[:]...)
	dgram = append(dgram, u.id[:]...)
	dgram = append(dgram, payload...)

	u.mu.Lock()
	var targets []*net.UDPAddr
	if addr, ok := u.learned[to]; ok && !to.IsBroadcast() {
		targets = []*net.UDPAddr{addr}
	} else {
		targets = append(targets, u.peers...)
	}
	u.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	var firstErr error
	for _, addr := range targets {
		if _, err := u.conn.WriteToUDP(dgram, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (u *UDP) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < udpHeader+wire.TagSize {
			continue
		}
		var dst, src model.NodeID
		copy(dst[:], buf[0:6])
		copy(src[:], buf[6:12])
		if src == u.id {
			continue
		}
		if dst != u.id && !dst.IsBroadcast() {
			continue
		}

		u.mu.Lock()
		u.learned[src] = addr
		u.mu.Unlock()

		if !u.queue.Push(src, buf[udpHeader:n]) {
			u.log.Debug().Str("node", src.String()).Uint64("dropped", u.queue.Dropped()).Msg("receive queue full")
		}
	}
}
