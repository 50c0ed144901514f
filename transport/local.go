package transport

import (
	"context"
	"sync"

	"github.com/aura-labs/aura"
)

// DefaultQueueSize bounds the number of undelivered packets per endpoint.
const DefaultQueueSize = 1024

// LocalManager keeps track of all endpoints of an in-process network. Use
// one manager per simulated cluster.
type LocalManager struct {
	sync.Mutex
	endpoints map[aura.AuthorityID]*LocalTransport
	// down holds links that are cut, keyed by (from, to).
	down      map[[2]aura.AuthorityID]bool
	queueSize int
}

// NewLocalManager returns an empty in-process network.
func NewLocalManager() *LocalManager {
	return &LocalManager{
		endpoints: make(map[aura.AuthorityID]*LocalTransport),
		down:      make(map[[2]aura.AuthorityID]bool),
		queueSize: DefaultQueueSize,
	}
}

// NewTransport registers a listening endpoint for id.
func (m *LocalManager) NewTransport(id aura.AuthorityID) *LocalTransport {
	m.Lock()
	defer m.Unlock()
	lt := &LocalTransport{
		id:        id,
		manager:   m,
		queue:     make(chan Packet, m.queueSize),
		connected: make(map[aura.AuthorityID]bool),
	}
	m.endpoints[id] = lt
	return lt
}

// SetLink cuts or restores the link from one endpoint to another. A cut
// link makes Send fail with a transport error, as a dropped connection
// would.
func (m *LocalManager) SetLink(from, to aura.AuthorityID, up bool) {
	m.Lock()
	defer m.Unlock()
	if up {
		delete(m.down, [2]aura.AuthorityID{from, to})
	} else {
		m.down[[2]aura.AuthorityID{from, to}] = true
	}
}

func (m *LocalManager) lookup(from, to aura.AuthorityID) (*LocalTransport, error) {
	m.Lock()
	defer m.Unlock()
	if m.down[[2]aura.AuthorityID{from, to}] {
		return nil, aura.Errorf(aura.KindTransport, "link %s -> %s is down", from, to)
	}
	dst, ok := m.endpoints[to]
	if !ok || dst.isClosed() {
		return nil, aura.Errorf(aura.KindTransport, "%s is not listening", to)
	}
	return dst, nil
}

// LocalTransport is one endpoint of a LocalManager.
type LocalTransport struct {
	id      aura.AuthorityID
	manager *LocalManager
	queue   chan Packet

	sync.Mutex
	connected map[aura.AuthorityID]bool
	closed    bool
}

// ID returns the endpoint's identity.
func (lt *LocalTransport) ID() aura.AuthorityID {
	return lt.id
}

func (lt *LocalTransport) isClosed() bool {
	lt.Lock()
	defer lt.Unlock()
	return lt.closed
}

// Connect implements Transport.
func (lt *LocalTransport) Connect(ctx context.Context, peer aura.AuthorityID) error {
	if _, err := lt.manager.lookup(lt.id, peer); err != nil {
		return err
	}
	lt.Lock()
	defer lt.Unlock()
	lt.connected[peer] = true
	return nil
}

// Disconnect implements Transport.
func (lt *LocalTransport) Disconnect(peer aura.AuthorityID) error {
	lt.Lock()
	defer lt.Unlock()
	delete(lt.connected, peer)
	return nil
}

// IsConnected implements Transport.
func (lt *LocalTransport) IsConnected(peer aura.AuthorityID) bool {
	lt.Lock()
	defer lt.Unlock()
	return lt.connected[peer]
}

// Send implements Transport. It blocks while the receiver's queue is full.
func (lt *LocalTransport) Send(ctx context.Context, peer aura.AuthorityID, data []byte) error {
	if !lt.IsConnected(peer) {
		return aura.Errorf(aura.KindTransport, "not connected to %s", peer)
	}
	dst, err := lt.manager.lookup(lt.id, peer)
	if err != nil {
		lt.Disconnect(peer)
		return err
	}
	p := Packet{From: lt.id, Data: append([]byte{}, data...)}
	select {
	case dst.queue <- p:
		return nil
	case <-ctx.Done():
		return aura.Errorf(aura.KindTimedOut, "send to %s: %v", peer, ctx.Err())
	}
}

// Broadcast implements Transport. It tries every peer and returns the
// first error.
func (lt *LocalTransport) Broadcast(ctx context.Context, peers []aura.AuthorityID, data []byte) error {
	var first error
	for _, p := range peers {
		if err := lt.Send(ctx, p, data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Receive implements Transport.
func (lt *LocalTransport) Receive(ctx context.Context) (Packet, error) {
	select {
	case p := <-lt.queue:
		return p, nil
	case <-ctx.Done():
		return Packet{}, aura.Errorf(aura.KindTimedOut, "receive: %v", ctx.Err())
	}
}

// TryReceive returns a pending packet without blocking.
func (lt *LocalTransport) TryReceive() (Packet, bool) {
	select {
	case p := <-lt.queue:
		return p, true
	default:
		return Packet{}, false
	}
}

// Close stops accepting packets.
func (lt *LocalTransport) Close() error {
	lt.Lock()
	defer lt.Unlock()
	lt.closed = true
	lt.connected = make(map[aura.AuthorityID]bool)
	return nil
}
