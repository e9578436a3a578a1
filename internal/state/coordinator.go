// Package state owns the server's shared runtime state. Every mutation
// goes through the Coordinator, whose mutex both applies the change and
// assigns the resulting event its global sequence number, so subscribers
// replaying the stream reconstruct exactly the state a snapshot would show.
package state

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"dustdevil/internal/events"
	"dustdevil/internal/metrics"
	"dustdevil/internal/proto"
	"dustdevil/internal/users"
)

// Family distinguishes the two listener sets.
type Family int

const (
	FamilySocks5 Family = iota
	FamilySandstorm
)

// SocketBinder is implemented by the server's listener manager. Add binds
// the address and starts its accept loop; Remove stops it by exact address
// match.
type SocketBinder interface {
	Add(family Family, addr netip.AddrPort) (netip.AddrPort, error)
	Remove(family Family, addr netip.AddrPort) bool
	List(family Family) []netip.AddrPort
}

// AuthMethodState is one row of the auth method registry.
type AuthMethodState struct {
	Method  proto.AuthMethod
	Enabled bool
}

type Coordinator struct {
	mu  sync.Mutex
	seq uint64
	now func() int64

	bus      *events.Bus
	users    *users.Store
	counters *metrics.Counters

	noAuthEnabled   atomic.Bool
	userPassEnabled atomic.Bool
	bufferSize      atomic.Uint32

	binder SocketBinder

	streamingAllowed bool

	nextClientID  uint64
	nextManagerID uint64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewCoordinator(store *users.Store, bus *events.Bus, counters *metrics.Counters, streamingAllowed bool) *Coordinator {
	c := &Coordinator{
		now:              func() int64 { return time.Now().Unix() },
		bus:              bus,
		users:            store,
		counters:         counters,
		streamingAllowed: streamingAllowed,
		nextClientID:     1,
		nextManagerID:    1,
		shutdownCh:       make(chan struct{}),
	}
	c.noAuthEnabled.Store(true)
	c.userPassEnabled.Store(true)
	c.bufferSize.Store(8192)
	return c
}

// AttachBinder wires the listener manager in after construction; the server
// owns the sockets, the coordinator owns the ordering of their events.
func (c *Coordinator) AttachBinder(b SocketBinder) {
	c.mu.Lock()
	c.binder = b
	c.mu.Unlock()
}

func (c *Coordinator) publishLocked(body proto.EventBody) proto.Event {
	c.seq++
	ev := proto.Event{Seq: c.seq, Timestamp: c.now(), Body: body}
	c.bus.Publish(ev)
	return ev
}

// Publish emits a single event with the next sequence number.
func (c *Coordinator) Publish(body proto.EventBody) proto.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishLocked(body)
}

// LastSeq returns the sequence number of the most recently published event.
func (c *Coordinator) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Users returns the store for read-side authentication checks.
func (c *Coordinator) Users() *users.Store {
	return c.users
}

// ---- session lifecycle ----

// ClientConnected assigns the next client session id, bumps the counters
// and publishes the accept event in one step.
func (c *Coordinator) ClientConnected(addr netip.AddrPort) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextClientID
	c.nextClientID++
	c.counters.ClientOpened()
	c.publishLocked(proto.SessionAddrEvent{K: proto.EvClientConnected, ID: id, Addr: addr})
	return id
}

func (c *Coordinator) ClientFinished(id, sent, received uint64, ioErr *proto.IoError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.ClientClosed()
	c.publishLocked(proto.ClientFinishedEvent{ID: id, Sent: sent, Received: received, Err: ioErr})
}

func (c *Coordinator) ManagerConnected(addr netip.AddrPort) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextManagerID
	c.nextManagerID++
	c.counters.ManagerOpened()
	c.publishLocked(proto.SessionAddrEvent{K: proto.EvManagerConnected, ID: id, Addr: addr})
	return id
}

func (c *Coordinator) ManagerFinished(id uint64, ioErr *proto.IoError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.ManagerClosed()
	c.publishLocked(proto.ManagerFinishedEvent{ID: id, Err: ioErr})
}

// ---- relay accounting ----

func (c *Coordinator) AddBytesSent(id, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.AddBytesSent(n)
	c.publishLocked(proto.SessionCountEvent{K: proto.EvClientBytesSent, ID: id, Count: n})
}

func (c *Coordinator) AddBytesReceived(id, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.AddBytesReceived(n)
	c.publishLocked(proto.SessionCountEvent{K: proto.EvClientBytesReceived, ID: id, Count: n})
}

// ---- auth methods ----

func (c *Coordinator) IsAuthEnabled(m proto.AuthMethod) bool {
	switch m {
	case proto.AuthNone:
		return c.noAuthEnabled.Load()
	case proto.AuthUserPass:
		return c.userPassEnabled.Load()
	default:
		return false
	}
}

// SetAuthBootstrap flips a method flag at startup without emitting events.
func (c *Coordinator) SetAuthBootstrap(m proto.AuthMethod, enabled bool) {
	switch m {
	case proto.AuthNone:
		c.noAuthEnabled.Store(enabled)
	case proto.AuthUserPass:
		c.userPassEnabled.Store(enabled)
	}
}

func (c *Coordinator) ToggleAuth(managerID uint64, m proto.AuthMethod, enabled bool) bool {
	if !m.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m {
	case proto.AuthNone:
		c.noAuthEnabled.Store(enabled)
	case proto.AuthUserPass:
		c.userPassEnabled.Store(enabled)
	}
	c.publishLocked(proto.AuthToggledEvent{ID: managerID, Method: m, Enabled: enabled})
	return true
}

func (c *Coordinator) AuthSnapshot() []AuthMethodState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []AuthMethodState{
		{Method: proto.AuthNone, Enabled: c.noAuthEnabled.Load()},
		{Method: proto.AuthUserPass, Enabled: c.userPassEnabled.Load()},
	}
}

// ---- buffer size ----

func (c *Coordinator) BufferSize() uint32 {
	return c.bufferSize.Load()
}

// SetBufferSizeBootstrap installs the configured size without an event.
func (c *Coordinator) SetBufferSizeBootstrap(size uint32) {
	if size > 0 {
		c.bufferSize.Store(size)
	}
}

func (c *Coordinator) SetBufferSize(managerID uint64, size uint32) bool {
	if size == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufferSize.Store(size)
	c.publishLocked(proto.BufferSizeSetEvent{ID: managerID, Size: size})
	return true
}

// ---- users ----

func (c *Coordinator) ListUsers() []proto.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users.Snapshot()
}

func (c *Coordinator) AddUser(managerID uint64, u proto.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.users.Add(u); err != nil {
		return err
	}
	c.publishLocked(proto.ManagerUserEvent{K: proto.EvManagerUserRegistered, ID: managerID, Username: u.Username, Role: u.Role})
	return nil
}

func (c *Coordinator) UpdateUser(managerID uint64, username string, newPassword *string, newRole *proto.UserRole) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	role, passwordChanged, err := c.users.Update(username, newPassword, newRole)
	if err != nil {
		return err
	}
	c.publishLocked(proto.ManagerUserUpdatedEvent{ID: managerID, Username: username, Role: role, PasswordChanged: passwordChanged})
	return nil
}

func (c *Coordinator) DeleteUser(managerID uint64, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	role, err := c.users.Delete(username)
	if err != nil {
		return err
	}
	c.publishLocked(proto.ManagerUserEvent{K: proto.EvManagerUserDeleted, ID: managerID, Username: username, Role: role})
	return nil
}

// ---- listener sets ----

func familyEvents(f Family) (added, removed, bindFailed proto.EventKind) {
	if f == FamilySocks5 {
		return proto.EvSocks5SocketAdded, proto.EvSocks5SocketRemoved, proto.EvSocks5SocketBindFailed
	}
	return proto.EvSandstormSocketAdded, proto.EvSandstormSocketRemoved, proto.EvSandstormSocketBindFailed
}

func managerSocketEvents(f Family) (add, remove proto.EventKind) {
	if f == FamilySocks5 {
		return proto.EvManagerAddSocks5, proto.EvManagerRemoveSocks5
	}
	return proto.EvManagerAddSandstorm, proto.EvManagerRemoveSandstorm
}

// AddSocket binds a new listener at a manager's request. Returns nil on
// success or the wire form of the bind failure.
func (c *Coordinator) AddSocket(managerID uint64, f Family, addr netip.AddrPort) *proto.IoError {
	c.mu.Lock()
	defer c.mu.Unlock()
	addEv, _ := managerSocketEvents(f)
	c.publishLocked(proto.SessionAddrEvent{K: addEv, ID: managerID, Addr: addr})

	addedEv, _, bindFailedEv := familyEvents(f)
	bound, err := c.binder.Add(f, addr)
	if err != nil {
		ioErr := proto.IoErrorFrom(err)
		c.publishLocked(proto.SocketErrorEvent{K: bindFailedEv, Addr: addr, Err: ioErr})
		return &ioErr
	}
	c.publishLocked(proto.SocketEvent{K: addedEv, Addr: bound})
	return nil
}

// RemoveSocket closes a listener by exact address match.
func (c *Coordinator) RemoveSocket(managerID uint64, f Family, addr netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, removeEv := managerSocketEvents(f)
	c.publishLocked(proto.SessionAddrEvent{K: removeEv, ID: managerID, Addr: addr})

	if !c.binder.Remove(f, addr) {
		return false
	}
	_, removedEv, _ := familyEvents(f)
	c.publishLocked(proto.SocketEvent{K: removedEv, Addr: addr})
	return true
}

func (c *Coordinator) ListSockets(f Family) []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binder.List(f)
}

// BootstrapSocketBound records a listener bound at startup.
func (c *Coordinator) BootstrapSocketBound(f Family, addr netip.AddrPort) {
	addedEv, _, _ := familyEvents(f)
	c.Publish(proto.SocketEvent{K: addedEv, Addr: addr})
}

func (c *Coordinator) BootstrapSocketFailed(f Family, addr netip.AddrPort, err error) {
	_, _, bindFailedEv := familyEvents(f)
	c.Publish(proto.SocketErrorEvent{K: bindFailedEv, Addr: addr, Err: proto.IoErrorFrom(err)})
}

// ---- metrics & event stream ----

func (c *Coordinator) MetricsSnapshot() proto.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters.Snapshot()
}

// SubscribeEvents atomically snapshots the metrics and registers a
// subscriber, so the snapshot and the subscriber's first event bracket
// with no gap and no overlap. Returns ok=false when streaming is disabled
// by configuration.
func (c *Coordinator) SubscribeEvents() (proto.Metrics, *events.Subscription, bool) {
	if !c.streamingAllowed {
		return proto.Metrics{}, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.counters.Snapshot()
	sub := c.bus.Subscribe(events.DefaultQueueSize, false)
	return snap, sub, true
}

func (c *Coordinator) UnsubscribeEvents(sub *events.Subscription) {
	c.bus.Unsubscribe(sub)
}

// ---- shutdown ----

// RequestShutdown is the manager-initiated path; ShutdownSignal the
// process-signal path. Both are idempotent.
func (c *Coordinator) RequestShutdown(managerID uint64) {
	c.Publish(proto.SessionEvent{K: proto.EvManagerShutdownRequested, ID: managerID})
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

func (c *Coordinator) ShutdownSignal() {
	c.Publish(proto.MarkerEvent{K: proto.EvShutdownSignal})
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

func (c *Coordinator) ShutdownRequested() <-chan struct{} {
	return c.shutdownCh
}
