package sandstorm

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"dustdevil/internal/events"
	"dustdevil/internal/metrics"
	"dustdevil/internal/proto"
	"dustdevil/internal/state"
	"dustdevil/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBinder struct {
	sets map[state.Family][]netip.AddrPort
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{sets: make(map[state.Family][]netip.AddrPort)}
}

func (b *fakeBinder) Add(f state.Family, addr netip.AddrPort) (netip.AddrPort, error) {
	b.sets[f] = append(b.sets[f], addr)
	return addr, nil
}

func (b *fakeBinder) Remove(f state.Family, addr netip.AddrPort) bool {
	for i, got := range b.sets[f] {
		if got == addr {
			b.sets[f] = append(b.sets[f][:i], b.sets[f][i+1:]...)
			return true
		}
	}
	return false
}

func (b *fakeBinder) List(f state.Family) []netip.AddrPort {
	return append([]netip.AddrPort(nil), b.sets[f]...)
}

func newTestCoordinator(t *testing.T) *state.Coordinator {
	t.Helper()
	store := users.NewStore()
	require.NoError(t, store.Add(proto.User{Username: "admin", Password: "admin", Role: proto.RoleAdmin}))
	co := state.NewCoordinator(store, events.NewBus(), metrics.New(), true)
	co.AttachBinder(newFakeBinder())
	return co
}

// startSession wires a Handle goroutine to one end of a pipe and returns
// the client end.
func startSession(t *testing.T, co *state.Coordinator) net.Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { clientConn.Close() })

	id := co.ManagerConnected(netip.MustParseAddrPort("127.0.0.1:50000"))
	go Handle(ctx, id, serverConn, co)
	return clientConn
}

func mustWrite(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Write(data)
	require.NoError(t, err)
}

func mustRead(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func authenticate(t *testing.T, conn net.Conn) {
	t.Helper()
	mustWrite(t, conn, []byte{0x01, 0x05, 'a', 'd', 'm', 'i', 'n', 0x05, 'a', 'd', 'm', 'i', 'n'})
	assert.Equal(t, []byte{0x00}, mustRead(t, conn, 1))
}

func TestMeowPing(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0xFF})
	assert.Equal(t, []byte{0xFF, 0x4D, 0x45, 0x4F, 0x57}, mustRead(t, conn, 5))
}

func TestHandshakeUnsupportedVersion(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)

	mustWrite(t, conn, []byte{0x02})
	assert.Equal(t, []byte{0x01}, mustRead(t, conn, 1))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandshakeBadCredentials(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)

	mustWrite(t, conn, []byte{0x01, 0x05, 'a', 'd', 'm', 'i', 'n', 0x03, 'b', 'a', 'd'})
	assert.Equal(t, []byte{0x02}, mustRead(t, conn, 1))
}

func TestHandshakePermissionDenied(t *testing.T) {
	co := newTestCoordinator(t)
	require.NoError(t, co.Users().Add(proto.User{Username: "bob", Password: "pwd", Role: proto.RoleRegular}))
	conn := startSession(t, co)

	mustWrite(t, conn, []byte{0x01, 0x03, 'b', 'o', 'b', 0x03, 'p', 'w', 'd'})
	assert.Equal(t, []byte{0x03}, mustRead(t, conn, 1))
}

func TestHandshakeEmptyCredentials(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)

	mustWrite(t, conn, []byte{0x01, 0x00, 0x05, 'a', 'd', 'm', 'i', 'n'})
	assert.Equal(t, []byte{0xFF}, mustRead(t, conn, 1))
}

func TestAddThenListSocks5Socket(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	// Pipelined: add 127.0.0.1:1080, then list. Same family, so the
	// responses must come back in request order.
	mustWrite(t, conn, []byte{
		0x04, 0x04, 0x7F, 0x00, 0x00, 0x01, 0x04, 0x38,
		0x03,
	})

	assert.Equal(t, []byte{0x04, 0x01}, mustRead(t, conn, 2))
	assert.Equal(t, []byte{0x03, 0x00, 0x01, 0x04, 0x7F, 0x00, 0x00, 0x01, 0x04, 0x38}, mustRead(t, conn, 10))
}

func TestRemoveSocketNotFound(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x05, 0x04, 0x7F, 0x00, 0x00, 0x01, 0x04, 0x38})
	assert.Equal(t, []byte{0x05, 0x01}, mustRead(t, conn, 2))
}

func TestCannotDeleteOnlyAdmin(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x0C, 0x05, 'a', 'd', 'm', 'i', 'n'})
	assert.Equal(t, []byte{0x0C, 0x02}, mustRead(t, conn, 2))
}

func TestUserFamilyOrdering(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	// Three pipelined user requests: add bob, add bob again, delete bob.
	mustWrite(t, conn, []byte{
		0x0A, 0x03, 'b', 'o', 'b', 0x03, 'p', 'w', 'd', 0x23,
		0x0A, 0x03, 'b', 'o', 'b', 0x03, 'p', 'w', 'd', 0x23,
		0x0C, 0x03, 'b', 'o', 'b',
	})

	assert.Equal(t, []byte{0x0A, 0x00}, mustRead(t, conn, 2))
	assert.Equal(t, []byte{0x0A, 0x01}, mustRead(t, conn, 2))
	assert.Equal(t, []byte{0x0C, 0x00}, mustRead(t, conn, 2))
}

func TestListUsers(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x09})
	assert.Equal(t, []byte{0x09, 0x00, 0x01, 0x05, 'a', 'd', 'm', 'i', 'n', 0x40}, mustRead(t, conn, 10))
}

func TestBufferSizeRequests(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x10})
	assert.Equal(t, []byte{0x10, 0x00, 0x00, 0x20, 0x00}, mustRead(t, conn, 5))

	// Zero is rejected without touching the setting.
	mustWrite(t, conn, []byte{0x11, 0x00, 0x00, 0x00, 0x00})
	assert.Equal(t, []byte{0x11, 0x00}, mustRead(t, conn, 2))

	// The maximum u32 value is accepted.
	mustWrite(t, conn, []byte{0x11, 0xFF, 0xFF, 0xFF, 0xFF})
	assert.Equal(t, []byte{0x11, 0x01}, mustRead(t, conn, 2))

	mustWrite(t, conn, []byte{0x10})
	assert.Equal(t, []byte{0x10, 0xFF, 0xFF, 0xFF, 0xFF}, mustRead(t, conn, 5))
}

func TestToggleAndListAuthMethods(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x0E, 0x00, 0x00})
	assert.Equal(t, []byte{0x0E, 0x01}, mustRead(t, conn, 2))

	mustWrite(t, conn, []byte{0x0D})
	assert.Equal(t, []byte{0x0D, 0x02, 0x00, 0x00, 0x02, 0x01}, mustRead(t, conn, 6))
	assert.False(t, co.IsAuthEnabled(proto.AuthNone))
	assert.True(t, co.IsAuthEnabled(proto.AuthUserPass))
}

func TestCurrentMetrics(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x0F})
	head := mustRead(t, conn, 2)
	assert.Equal(t, []byte{0x0F, 0x01}, head)

	body := mustRead(t, conn, 48)
	// One manager is connected: this session.
	assert.Equal(t, byte(0x01), body[39], "current managers must count this session")
}

func TestEventStreamSnapshotConsistency(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x01, 0x01})
	assert.Equal(t, []byte{0x01, 0x01}, mustRead(t, conn, 2))
	mustRead(t, conn, 48) // metrics snapshot M0
	snapshotSeq := co.LastSeq()

	// Add a regular user bob; the response and the mirrored event may
	// interleave in any order.
	mustWrite(t, conn, []byte{0x0A, 0x03, 'b', 'o', 'b', 0x03, 'p', 'w', 'd', 0x23})

	sawResponse := false
	var streamed *proto.Event
	for !sawResponse || streamed == nil {
		frameType := mustRead(t, conn, 1)[0]
		switch frameType {
		case 0x0A:
			assert.Equal(t, byte(0x00), mustRead(t, conn, 1)[0])
			sawResponse = true
		case 0x02:
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			ev, err := proto.ReadEvent(conn)
			require.NoError(t, err)
			if streamed == nil {
				streamed = &ev
			}
		default:
			t.Fatalf("unexpected frame type 0x%02x", frameType)
		}
	}

	assert.Equal(t, snapshotSeq+1, streamed.Seq, "first streamed event must be exactly last_seq+1")
	body, ok := streamed.Body.(proto.ManagerUserEvent)
	require.True(t, ok)
	assert.Equal(t, proto.EvManagerUserRegistered, body.Kind())
	assert.Equal(t, "bob", body.Username)
	assert.Equal(t, proto.RoleRegular, body.Role)
}

func TestEventStreamAlreadyEnabled(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x01, 0x01})
	assert.Equal(t, []byte{0x01, 0x01}, mustRead(t, conn, 2))
	mustRead(t, conn, 48)

	mustWrite(t, conn, []byte{0x01, 0x01})
	assert.Equal(t, []byte{0x01, 0x02}, mustRead(t, conn, 2))

	mustWrite(t, conn, []byte{0x01, 0x00})
	assert.Equal(t, []byte{0x01, 0x00}, mustRead(t, conn, 2))
}

func TestEventStreamDisabledByConfig(t *testing.T) {
	store := users.NewStore()
	require.NoError(t, store.Add(proto.User{Username: "admin", Password: "admin", Role: proto.RoleAdmin}))
	co := state.NewCoordinator(store, events.NewBus(), metrics.New(), false)
	co.AttachBinder(newFakeBinder())

	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x01, 0x01})
	assert.Equal(t, []byte{0x01, 0x00}, mustRead(t, conn, 2))
}

func TestShutdownRequest(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	mustWrite(t, conn, []byte{0x00})
	assert.Equal(t, []byte{0x00}, mustRead(t, conn, 1))

	select {
	case <-co.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not signalled")
	}
}

func TestMalformedCommandClosesSilently(t *testing.T) {
	co := newTestCoordinator(t)
	conn := startSession(t, co)
	authenticate(t, conn)

	// 0x02 is server-to-client only; sending it is a protocol violation.
	mustWrite(t, conn, []byte{0x02})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
