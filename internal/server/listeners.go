package server

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"dustdevil/internal/proto"
	"dustdevil/internal/state"

	log "github.com/sirupsen/logrus"
)

// connHandler is invoked with every accepted connection of a family.
type connHandler func(family state.Family, conn net.Conn)

type listenerEntry struct {
	addr     netip.AddrPort
	listener net.Listener
}

// listenerManager owns the two dynamic listener sets and their accept
// loops. It implements state.SocketBinder, so every add/remove arrives
// already serialized by the coordinator.
type listenerManager struct {
	mu     sync.Mutex
	sets   map[state.Family][]*listenerEntry
	handle connHandler
	co     *state.Coordinator
	wg     sync.WaitGroup
}

func newListenerManager(co *state.Coordinator, handle connHandler) *listenerManager {
	return &listenerManager{
		sets:   make(map[state.Family][]*listenerEntry),
		handle: handle,
		co:     co,
	}
}

func (m *listenerManager) Add(family state.Family, addr netip.AddrPort) (netip.AddrPort, error) {
	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return netip.AddrPort{}, err
	}

	bound := addr
	if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok {
		if ap, ok := netip.AddrFromSlice(tcpAddr.IP); ok {
			bound = netip.AddrPortFrom(ap, uint16(tcpAddr.Port))
		}
	}

	entry := &listenerEntry{addr: bound, listener: l}
	m.mu.Lock()
	m.sets[family] = append(m.sets[family], entry)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(family, entry)
	return bound, nil
}

// Remove stops the accept loop for an exact address match. Sessions
// accepted earlier keep running.
func (m *listenerManager) Remove(family state.Family, addr netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[family]
	for i, entry := range set {
		if entry.addr == addr {
			entry.listener.Close()
			m.sets[family] = append(set[:i], set[i+1:]...)
			return true
		}
	}
	return false
}

func (m *listenerManager) List(family state.Family) []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]netip.AddrPort, 0, len(m.sets[family]))
	for _, entry := range m.sets[family] {
		list = append(list, entry.addr)
	}
	return list
}

// Count reports the number of live listeners of a family.
func (m *listenerManager) Count(family state.Family) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[family])
}

// CloseAll stops every accept loop and waits for them to exit.
func (m *listenerManager) CloseAll() {
	m.mu.Lock()
	for family, set := range m.sets {
		for _, entry := range set {
			entry.listener.Close()
		}
		m.sets[family] = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *listenerManager) acceptLoop(family state.Family, entry *listenerEntry) {
	defer m.wg.Done()

	for {
		conn, err := entry.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			kind := proto.EvClientAcceptFailed
			if family == state.FamilySandstorm {
				kind = proto.EvManagerAcceptFailed
			}
			addr := entry.addr
			m.co.Publish(proto.AcceptErrorEvent{K: kind, Addr: &addr, Err: proto.IoErrorFrom(err)})
			log.WithField("listener", entry.addr).Warnf("Accept error: %v", err)
			continue
		}
		m.handle(family, conn)
	}
}
