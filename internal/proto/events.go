package proto

import (
	"fmt"
	"io"
	"net/netip"
)

// EventKind tags every observable server transition.
type EventKind uint8

const (
	EvSocks5SocketAdded         EventKind = 0x01
	EvSocks5SocketBindFailed    EventKind = 0x02
	EvNoSocketBound             EventKind = 0x03
	EvSocks5SocketRemoved       EventKind = 0x04
	EvSandstormSocketAdded      EventKind = 0x05
	EvSandstormSocketBindFailed EventKind = 0x06
	EvSandstormSocketRemoved    EventKind = 0x07

	EvLoadingUsersFromFile     EventKind = 0x08
	EvUsersLoadedFromFile      EventKind = 0x09
	EvStartingWithDefaultUser  EventKind = 0x0A
	EvSavingUsersToFile        EventKind = 0x0B
	EvUsersSavedToFile         EventKind = 0x0C
	EvUserRegisteredByArgs     EventKind = 0x0D
	EvUserReplacedByArgs       EventKind = 0x0E

	EvClientConnected            EventKind = 0x0F
	EvClientAcceptFailed         EventKind = 0x10
	EvClientUnsupportedVersion   EventKind = 0x11
	EvClientUnsupportedCommand   EventKind = 0x12
	EvClientUnsupportedAtyp      EventKind = 0x13
	EvClientAuthMethodSelected   EventKind = 0x14
	EvClientNoAcceptableMethod   EventKind = 0x15
	EvClientBadUserpassVersion   EventKind = 0x16
	EvClientAuthenticated        EventKind = 0x17
	EvClientRequest              EventKind = 0x18
	EvClientDNSLookup            EventKind = 0x19
	EvClientConnectAttempt       EventKind = 0x1A
	EvClientBindFailed           EventKind = 0x1B
	EvClientConnectFailed        EventKind = 0x1C
	EvClientConnectExhausted     EventKind = 0x1D
	EvClientConnectedToUpstream  EventKind = 0x1E
	EvClientBytesSent            EventKind = 0x1F
	EvClientBytesReceived        EventKind = 0x20
	EvClientSourceShutdown       EventKind = 0x21
	EvClientDestinationShutdown  EventKind = 0x22
	EvClientFinished             EventKind = 0x23

	EvManagerConnected           EventKind = 0x24
	EvManagerAcceptFailed        EventKind = 0x25
	EvManagerUnsupportedVersion  EventKind = 0x26
	EvManagerAuthenticated       EventKind = 0x27
	EvManagerAddSocks5           EventKind = 0x28
	EvManagerRemoveSocks5        EventKind = 0x29
	EvManagerAddSandstorm        EventKind = 0x2A
	EvManagerRemoveSandstorm     EventKind = 0x2B
	EvManagerUserRegistered      EventKind = 0x2C
	EvManagerUserUpdated         EventKind = 0x2D
	EvManagerUserDeleted         EventKind = 0x2E
	EvManagerAuthToggled         EventKind = 0x2F
	EvManagerBufferSizeSet       EventKind = 0x30
	EvManagerShutdownRequested   EventKind = 0x31
	EvManagerFinished            EventKind = 0x32
	EvShutdownSignal             EventKind = 0x33
)

// EventBody is one event variant. Message renders the human-readable log
// line for the variant.
type EventBody interface {
	Kind() EventKind
	encodeBody(w io.Writer) error
	Message() string
}

// Event is a single entry of the global event stream.
type Event struct {
	Seq       uint64
	Timestamp int64
	Body      EventBody
}

// WriteEvent serializes the stream header (sequence number, UNIX timestamp)
// followed by the kind tag and variant body.
func WriteEvent(w io.Writer, ev Event) error {
	if err := WriteU64(w, ev.Seq); err != nil {
		return err
	}
	if err := WriteI64(w, ev.Timestamp); err != nil {
		return err
	}
	if err := WriteU8(w, uint8(ev.Body.Kind())); err != nil {
		return err
	}
	return ev.Body.encodeBody(w)
}

// ReadEvent is the mirror of WriteEvent.
func ReadEvent(r io.Reader) (Event, error) {
	seq, err := ReadU64(r)
	if err != nil {
		return Event{}, err
	}
	ts, err := ReadI64(r)
	if err != nil {
		return Event{}, err
	}
	body, err := readEventBody(r)
	if err != nil {
		return Event{}, err
	}
	return Event{Seq: seq, Timestamp: ts, Body: body}, nil
}

func writeOptionalIoError(w io.Writer, e *IoError) error {
	if e == nil {
		return WriteU8(w, 1)
	}
	if err := WriteU8(w, 0); err != nil {
		return err
	}
	return WriteIoError(w, *e)
}

func readOptionalIoError(r io.Reader) (*IoError, error) {
	ok, err := ReadU8(r)
	if err != nil {
		return nil, err
	}
	if ok != 0 {
		return nil, nil
	}
	ioErr, err := ReadIoError(r)
	if err != nil {
		return nil, err
	}
	return &ioErr, nil
}

// SocketEvent covers listener lifecycle transitions carrying one address.
type SocketEvent struct {
	K    EventKind
	Addr netip.AddrPort
}

func (e SocketEvent) Kind() EventKind { return e.K }

func (e SocketEvent) encodeBody(w io.Writer) error {
	return WriteSocketAddr(w, e.Addr)
}

func (e SocketEvent) Message() string {
	switch e.K {
	case EvSocks5SocketAdded:
		return fmt.Sprintf("Listening for socks5 client connections at %s", e.Addr)
	case EvSocks5SocketRemoved:
		return fmt.Sprintf("Will no longer listen for socks5 client connections at %s", e.Addr)
	case EvSandstormSocketAdded:
		return fmt.Sprintf("Listening for Sandstorm connections at %s", e.Addr)
	default:
		return fmt.Sprintf("Will no longer listen for Sandstorm connections at %s", e.Addr)
	}
}

// SocketErrorEvent covers listener bind failures.
type SocketErrorEvent struct {
	K    EventKind
	Addr netip.AddrPort
	Err  IoError
}

func (e SocketErrorEvent) Kind() EventKind { return e.K }

func (e SocketErrorEvent) encodeBody(w io.Writer) error {
	if err := WriteSocketAddr(w, e.Addr); err != nil {
		return err
	}
	return WriteIoError(w, e.Err)
}

func (e SocketErrorEvent) Message() string {
	what := "socks5"
	if e.K == EvSandstormSocketBindFailed {
		what = "Sandstorm"
	}
	return fmt.Sprintf("Failed to set up %s socket at %s: %s", what, e.Addr, e.Err.Message)
}

// MarkerEvent covers variants with no payload.
type MarkerEvent struct {
	K EventKind
}

func (e MarkerEvent) Kind() EventKind { return e.K }

func (e MarkerEvent) encodeBody(io.Writer) error { return nil }

func (e MarkerEvent) Message() string {
	if e.K == EvNoSocketBound {
		return "Failed to bind any socks5 socket! Aborting"
	}
	return "Shutdown signal received"
}

// FileEvent covers users-file progress notices carrying one string.
type FileEvent struct {
	K    EventKind
	Path string
}

func (e FileEvent) Kind() EventKind { return e.K }

func (e FileEvent) encodeBody(w io.Writer) error {
	return WriteString(w, e.Path)
}

func (e FileEvent) Message() string {
	switch e.K {
	case EvLoadingUsersFromFile:
		return fmt.Sprintf("Loading users from file %s", e.Path)
	case EvSavingUsersToFile:
		return fmt.Sprintf("Saving users to file %s", e.Path)
	default:
		return fmt.Sprintf("Starting up with single default user %s", e.Path)
	}
}

// FileResultEvent covers users-file load/save completions.
type FileResultEvent struct {
	K     EventKind
	Path  string
	Count uint64
	Err   *IoError
}

func (e FileResultEvent) Kind() EventKind { return e.K }

func (e FileResultEvent) encodeBody(w io.Writer) error {
	if err := WriteString(w, e.Path); err != nil {
		return err
	}
	if e.Err != nil {
		return writeOptionalIoError(w, e.Err)
	}
	if err := WriteU8(w, 1); err != nil {
		return err
	}
	return WriteU64(w, e.Count)
}

func (e FileResultEvent) Message() string {
	if e.K == EvUsersSavedToFile {
		if e.Err != nil {
			return fmt.Sprintf("Failed to save users to file %s: %s", e.Path, e.Err.Message)
		}
		return fmt.Sprintf("Successfully saved %d users to file %s", e.Count, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("Error while loading users from file %s: %s", e.Path, e.Err.Message)
	}
	return fmt.Sprintf("Loaded %d users from file %s", e.Count, e.Path)
}

// ArgsUserEvent covers users installed from command-line arguments.
type ArgsUserEvent struct {
	K        EventKind
	Username string
	Role     UserRole
}

func (e ArgsUserEvent) Kind() EventKind { return e.K }

func (e ArgsUserEvent) encodeBody(w io.Writer) error {
	if err := WriteSmallString(w, e.Username); err != nil {
		return err
	}
	return WriteUserRole(w, e.Role)
}

func (e ArgsUserEvent) Message() string {
	if e.K == EvUserReplacedByArgs {
		return fmt.Sprintf("Replaced user loaded from file %s with new %s user specified via argument", e.Username, e.Role)
	}
	return fmt.Sprintf("Registered new %s user %s specified via argument", e.Role, e.Username)
}

// SessionEvent covers variants carrying only a session id.
type SessionEvent struct {
	K  EventKind
	ID uint64
}

func (e SessionEvent) Kind() EventKind { return e.K }

func (e SessionEvent) encodeBody(w io.Writer) error {
	return WriteU64(w, e.ID)
}

func (e SessionEvent) Message() string {
	switch e.K {
	case EvClientNoAcceptableMethod:
		return fmt.Sprintf("Client %d no acceptable authentication method found", e.ID)
	case EvClientConnectExhausted:
		return fmt.Sprintf("Client %d failed to connect to destination, sending error response", e.ID)
	case EvClientSourceShutdown:
		return fmt.Sprintf("Client %d source socket shutdown", e.ID)
	case EvClientDestinationShutdown:
		return fmt.Sprintf("Client %d destination socket shutdown", e.ID)
	default:
		return fmt.Sprintf("Manager %d requested the server shuts down", e.ID)
	}
}

// SessionAddrEvent covers variants carrying a session id and an address.
type SessionAddrEvent struct {
	K    EventKind
	ID   uint64
	Addr netip.AddrPort
}

func (e SessionAddrEvent) Kind() EventKind { return e.K }

func (e SessionAddrEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return WriteSocketAddr(w, e.Addr)
}

func (e SessionAddrEvent) Message() string {
	switch e.K {
	case EvClientConnected:
		return fmt.Sprintf("New client connection from %s assigned ID %d", e.Addr, e.ID)
	case EvClientConnectAttempt:
		return fmt.Sprintf("Client %d attempting to connect to destination at %s", e.ID, e.Addr)
	case EvClientConnectedToUpstream:
		return fmt.Sprintf("Client %d successfully established connection to destination at %s", e.ID, e.Addr)
	case EvManagerConnected:
		return fmt.Sprintf("New management connection from %s assigned ID %d", e.Addr, e.ID)
	case EvManagerAddSocks5:
		return fmt.Sprintf("Manager %d requested opening a new socks5 socket at %s", e.ID, e.Addr)
	case EvManagerRemoveSocks5:
		return fmt.Sprintf("Manager %d requested closing socks5 socket at %s", e.ID, e.Addr)
	case EvManagerAddSandstorm:
		return fmt.Sprintf("Manager %d requested opening a new sandstorm socket at %s", e.ID, e.Addr)
	default:
		return fmt.Sprintf("Manager %d requested closing sandstorm socket at %s", e.ID, e.Addr)
	}
}

// AcceptErrorEvent covers accept failures, whose listener address may be
// unknown.
type AcceptErrorEvent struct {
	K    EventKind
	Addr *netip.AddrPort
	Err  IoError
}

func (e AcceptErrorEvent) Kind() EventKind { return e.K }

func (e AcceptErrorEvent) encodeBody(w io.Writer) error {
	if e.Addr == nil {
		if err := WriteU8(w, 0); err != nil {
			return err
		}
	} else {
		if err := WriteU8(w, 1); err != nil {
			return err
		}
		if err := WriteSocketAddr(w, *e.Addr); err != nil {
			return err
		}
	}
	return WriteIoError(w, e.Err)
}

func (e AcceptErrorEvent) Message() string {
	what := "socks"
	if e.K == EvManagerAcceptFailed {
		what = "management"
	}
	if e.Addr == nil {
		return fmt.Sprintf("Failed to accept incoming %s connection from unknown socket: %s", what, e.Err.Message)
	}
	return fmt.Sprintf("Failed to accept incoming %s connection from socket %s: %s", what, *e.Addr, e.Err.Message)
}

// SessionByteEvent covers protocol violations carrying the offending byte.
type SessionByteEvent struct {
	K     EventKind
	ID    uint64
	Value uint8
}

func (e SessionByteEvent) Kind() EventKind { return e.K }

func (e SessionByteEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return WriteU8(w, e.Value)
}

func (e SessionByteEvent) Message() string {
	switch e.K {
	case EvClientUnsupportedVersion:
		return fmt.Sprintf("Client %d requested unsupported socks version: %d", e.ID, e.Value)
	case EvClientUnsupportedCommand:
		return fmt.Sprintf("Client %d requested unsupported socks command: %d", e.ID, e.Value)
	case EvClientUnsupportedAtyp:
		return fmt.Sprintf("Client %d requested unsupported socks ATYP: %d", e.ID, e.Value)
	case EvClientBadUserpassVersion:
		return fmt.Sprintf("Client %d requested unsupported userpass version: %d", e.ID, e.Value)
	default:
		return fmt.Sprintf("Manager %d requested unsupported sandstorm version: %d", e.ID, e.Value)
	}
}

// AuthMethodSelectedEvent reports the method negotiated with a client.
type AuthMethodSelectedEvent struct {
	ID     uint64
	Method AuthMethod
}

func (e AuthMethodSelectedEvent) Kind() EventKind { return EvClientAuthMethodSelected }

func (e AuthMethodSelectedEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return WriteAuthMethod(w, e.Method)
}

func (e AuthMethodSelectedEvent) Message() string {
	return fmt.Sprintf("Client %d will use auth method %s", e.ID, e.Method)
}

// UserAuthEvent reports an authentication attempt on either protocol.
type UserAuthEvent struct {
	K        EventKind
	ID       uint64
	Username string
	Success  bool
}

func (e UserAuthEvent) Kind() EventKind { return e.K }

func (e UserAuthEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	if err := WriteSmallString(w, e.Username); err != nil {
		return err
	}
	return WriteBool(w, e.Success)
}

func (e UserAuthEvent) Message() string {
	who := "Client"
	if e.K == EvManagerAuthenticated {
		who = "Manager"
	}
	if e.Success {
		return fmt.Sprintf("%s %d successfully authenticated as %s", who, e.ID, e.Username)
	}
	return fmt.Sprintf("%s %d unsuccessfully authenticated as %s", who, e.ID, e.Username)
}

// Socks5Dest is a requested destination before resolution: an IP literal or
// a domain name, plus the port.
type Socks5Dest struct {
	// Addr is set for IP literal destinations.
	Addr netip.Addr
	// Domain is set for domain-name destinations.
	Domain string
	Port   uint16
}

const destTypeDomain = 200

func (d Socks5Dest) String() string {
	if d.Domain != "" {
		return fmt.Sprintf("domainname %s:%d", d.Domain, d.Port)
	}
	if d.Addr.Is6() {
		return fmt.Sprintf("IPv6 [%s]:%d", d.Addr, d.Port)
	}
	return fmt.Sprintf("IPv4 %s:%d", d.Addr, d.Port)
}

// RequestEvent reports a client's CONNECT destination.
type RequestEvent struct {
	ID   uint64
	Dest Socks5Dest
}

func (e RequestEvent) Kind() EventKind { return EvClientRequest }

func (e RequestEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	switch {
	case e.Dest.Domain != "":
		if err := WriteU8(w, destTypeDomain); err != nil {
			return err
		}
		if err := WriteSmallString(w, e.Dest.Domain); err != nil {
			return err
		}
	case e.Dest.Addr.Is4() || e.Dest.Addr.Is4In6():
		octets := e.Dest.Addr.Unmap().As4()
		if err := WriteU8(w, addrTypeV4); err != nil {
			return err
		}
		if _, err := w.Write(octets[:]); err != nil {
			return err
		}
	default:
		octets := e.Dest.Addr.As16()
		if err := WriteU8(w, addrTypeV6); err != nil {
			return err
		}
		if _, err := w.Write(octets[:]); err != nil {
			return err
		}
	}
	return WriteU16(w, e.Dest.Port)
}

func (e RequestEvent) Message() string {
	return fmt.Sprintf("Client %d requested to connect to %s", e.ID, e.Dest)
}

// DNSLookupEvent reports a domain resolution start.
type DNSLookupEvent struct {
	ID     uint64
	Domain string
}

func (e DNSLookupEvent) Kind() EventKind { return EvClientDNSLookup }

func (e DNSLookupEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return WriteSmallString(w, e.Domain)
}

func (e DNSLookupEvent) Message() string {
	return fmt.Sprintf("Client %d performing DNS lookup for %s", e.ID, e.Domain)
}

// SessionErrorEvent covers dial failures during upstream connection.
type SessionErrorEvent struct {
	K   EventKind
	ID  uint64
	Err IoError
}

func (e SessionErrorEvent) Kind() EventKind { return e.K }

func (e SessionErrorEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return WriteIoError(w, e.Err)
}

func (e SessionErrorEvent) Message() string {
	if e.K == EvClientBindFailed {
		return fmt.Sprintf("Client %d failed to bind local socket: %s", e.ID, e.Err.Message)
	}
	return fmt.Sprintf("Client %d failed to connect to destination: %s", e.ID, e.Err.Message)
}

// SessionCountEvent covers per-transfer byte accounting.
type SessionCountEvent struct {
	K     EventKind
	ID    uint64
	Count uint64
}

func (e SessionCountEvent) Kind() EventKind { return e.K }

func (e SessionCountEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return WriteU64(w, e.Count)
}

func (e SessionCountEvent) Message() string {
	verb := "sent"
	if e.K == EvClientBytesReceived {
		verb = "received"
	}
	return fmt.Sprintf("Client %d %s %d bytes", e.ID, verb, e.Count)
}

// ClientFinishedEvent closes a client session with its final totals.
type ClientFinishedEvent struct {
	ID       uint64
	Sent     uint64
	Received uint64
	Err      *IoError
}

func (e ClientFinishedEvent) Kind() EventKind { return EvClientFinished }

func (e ClientFinishedEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	if err := WriteU64(w, e.Sent); err != nil {
		return err
	}
	if err := WriteU64(w, e.Received); err != nil {
		return err
	}
	return writeOptionalIoError(w, e.Err)
}

func (e ClientFinishedEvent) Message() string {
	if e.Err != nil {
		return fmt.Sprintf("Client %d closed with IO error after %d bytes sent and %d bytes received: %s", e.ID, e.Sent, e.Received, e.Err.Message)
	}
	return fmt.Sprintf("Client %d finished after %d bytes sent and %d bytes received", e.ID, e.Sent, e.Received)
}

// ManagerUserEvent covers user additions and deletions by a manager.
type ManagerUserEvent struct {
	K        EventKind
	ID       uint64
	Username string
	Role     UserRole
}

func (e ManagerUserEvent) Kind() EventKind { return e.K }

func (e ManagerUserEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	if err := WriteSmallString(w, e.Username); err != nil {
		return err
	}
	return WriteUserRole(w, e.Role)
}

func (e ManagerUserEvent) Message() string {
	if e.K == EvManagerUserDeleted {
		return fmt.Sprintf("Manager %d deleted %s user %s", e.ID, e.Role, e.Username)
	}
	return fmt.Sprintf("Manager %d registered new %s user %s", e.ID, e.Role, e.Username)
}

// ManagerUserUpdatedEvent reports a user update by a manager.
type ManagerUserUpdatedEvent struct {
	ID              uint64
	Username        string
	Role            UserRole
	PasswordChanged bool
}

func (e ManagerUserUpdatedEvent) Kind() EventKind { return EvManagerUserUpdated }

func (e ManagerUserUpdatedEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	if err := WriteSmallString(w, e.Username); err != nil {
		return err
	}
	if err := WriteUserRole(w, e.Role); err != nil {
		return err
	}
	return WriteBool(w, e.PasswordChanged)
}

func (e ManagerUserUpdatedEvent) Message() string {
	if e.PasswordChanged {
		return fmt.Sprintf("Manager %d updated user %s with role %s and new password", e.ID, e.Username, e.Role)
	}
	return fmt.Sprintf("Manager %d updated role of user %s to %s", e.ID, e.Username, e.Role)
}

// AuthToggledEvent reports an auth method being enabled or disabled.
type AuthToggledEvent struct {
	ID      uint64
	Method  AuthMethod
	Enabled bool
}

func (e AuthToggledEvent) Kind() EventKind { return EvManagerAuthToggled }

func (e AuthToggledEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	if err := WriteAuthMethod(w, e.Method); err != nil {
		return err
	}
	return WriteBool(w, e.Enabled)
}

func (e AuthToggledEvent) Message() string {
	verb := "disabled"
	if e.Enabled {
		verb = "enabled"
	}
	return fmt.Sprintf("Manager %d %s authentication method %s", e.ID, verb, e.Method)
}

// BufferSizeSetEvent reports a buffer size change.
type BufferSizeSetEvent struct {
	ID   uint64
	Size uint32
}

func (e BufferSizeSetEvent) Kind() EventKind { return EvManagerBufferSizeSet }

func (e BufferSizeSetEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return WriteU32(w, e.Size)
}

func (e BufferSizeSetEvent) Message() string {
	return fmt.Sprintf("Manager %d set client buffer size to %d", e.ID, e.Size)
}

// ManagerFinishedEvent closes a manager session.
type ManagerFinishedEvent struct {
	ID  uint64
	Err *IoError
}

func (e ManagerFinishedEvent) Kind() EventKind { return EvManagerFinished }

func (e ManagerFinishedEvent) encodeBody(w io.Writer) error {
	if err := WriteU64(w, e.ID); err != nil {
		return err
	}
	return writeOptionalIoError(w, e.Err)
}

func (e ManagerFinishedEvent) Message() string {
	if e.Err != nil {
		return fmt.Sprintf("Manager %d closed with IO error: %s", e.ID, e.Err.Message)
	}
	return fmt.Sprintf("Manager %d finished", e.ID)
}

func readEventBody(r io.Reader) (EventBody, error) {
	kindByte, err := ReadU8(r)
	if err != nil {
		return nil, err
	}
	k := EventKind(kindByte)

	switch k {
	case EvSocks5SocketAdded, EvSocks5SocketRemoved, EvSandstormSocketAdded, EvSandstormSocketRemoved:
		addr, err := ReadSocketAddr(r)
		if err != nil {
			return nil, err
		}
		return SocketEvent{K: k, Addr: addr}, nil

	case EvSocks5SocketBindFailed, EvSandstormSocketBindFailed:
		addr, err := ReadSocketAddr(r)
		if err != nil {
			return nil, err
		}
		ioErr, err := ReadIoError(r)
		if err != nil {
			return nil, err
		}
		return SocketErrorEvent{K: k, Addr: addr, Err: ioErr}, nil

	case EvNoSocketBound, EvShutdownSignal:
		return MarkerEvent{K: k}, nil

	case EvLoadingUsersFromFile, EvStartingWithDefaultUser, EvSavingUsersToFile:
		path, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return FileEvent{K: k, Path: path}, nil

	case EvUsersLoadedFromFile, EvUsersSavedToFile:
		path, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		ok, err := ReadU8(r)
		if err != nil {
			return nil, err
		}
		if ok != 0 {
			count, err := ReadU64(r)
			if err != nil {
				return nil, err
			}
			return FileResultEvent{K: k, Path: path, Count: count}, nil
		}
		ioErr, err := ReadIoError(r)
		if err != nil {
			return nil, err
		}
		return FileResultEvent{K: k, Path: path, Err: &ioErr}, nil

	case EvUserRegisteredByArgs, EvUserReplacedByArgs:
		username, err := ReadSmallString(r)
		if err != nil {
			return nil, err
		}
		role, err := ReadUserRole(r)
		if err != nil {
			return nil, err
		}
		return ArgsUserEvent{K: k, Username: username, Role: role}, nil

	case EvClientNoAcceptableMethod, EvClientConnectExhausted, EvClientSourceShutdown,
		EvClientDestinationShutdown, EvManagerShutdownRequested:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		return SessionEvent{K: k, ID: id}, nil

	case EvClientConnected, EvClientConnectAttempt, EvClientConnectedToUpstream,
		EvManagerConnected, EvManagerAddSocks5, EvManagerRemoveSocks5,
		EvManagerAddSandstorm, EvManagerRemoveSandstorm:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		addr, err := ReadSocketAddr(r)
		if err != nil {
			return nil, err
		}
		return SessionAddrEvent{K: k, ID: id, Addr: addr}, nil

	case EvClientAcceptFailed, EvManagerAcceptFailed:
		present, err := ReadU8(r)
		if err != nil {
			return nil, err
		}
		var addr *netip.AddrPort
		if present != 0 {
			ap, err := ReadSocketAddr(r)
			if err != nil {
				return nil, err
			}
			addr = &ap
		}
		ioErr, err := ReadIoError(r)
		if err != nil {
			return nil, err
		}
		return AcceptErrorEvent{K: k, Addr: addr, Err: ioErr}, nil

	case EvClientUnsupportedVersion, EvClientUnsupportedCommand, EvClientUnsupportedAtyp,
		EvClientBadUserpassVersion, EvManagerUnsupportedVersion:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadU8(r)
		if err != nil {
			return nil, err
		}
		return SessionByteEvent{K: k, ID: id, Value: v}, nil

	case EvClientAuthMethodSelected:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		method, err := ReadAuthMethod(r)
		if err != nil {
			return nil, err
		}
		return AuthMethodSelectedEvent{ID: id, Method: method}, nil

	case EvClientAuthenticated, EvManagerAuthenticated:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		username, err := ReadSmallString(r)
		if err != nil {
			return nil, err
		}
		success, err := ReadBool(r)
		if err != nil {
			return nil, err
		}
		return UserAuthEvent{K: k, ID: id, Username: username, Success: success}, nil

	case EvClientRequest:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		destType, err := ReadU8(r)
		if err != nil {
			return nil, err
		}
		dest := Socks5Dest{}
		switch destType {
		case addrTypeV4:
			var octets [4]byte
			if _, err := io.ReadFull(r, octets[:]); err != nil {
				return nil, err
			}
			dest.Addr = netip.AddrFrom4(octets)
		case addrTypeV6:
			var octets [16]byte
			if _, err := io.ReadFull(r, octets[:]); err != nil {
				return nil, err
			}
			dest.Addr = netip.AddrFrom16(octets)
		case destTypeDomain:
			domain, err := ReadSmallString(r)
			if err != nil {
				return nil, err
			}
			dest.Domain = domain
		default:
			return nil, malformed("invalid destination type byte %d", destType)
		}
		port, err := ReadU16(r)
		if err != nil {
			return nil, err
		}
		dest.Port = port
		return RequestEvent{ID: id, Dest: dest}, nil

	case EvClientDNSLookup:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		domain, err := ReadSmallString(r)
		if err != nil {
			return nil, err
		}
		return DNSLookupEvent{ID: id, Domain: domain}, nil

	case EvClientBindFailed, EvClientConnectFailed:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		ioErr, err := ReadIoError(r)
		if err != nil {
			return nil, err
		}
		return SessionErrorEvent{K: k, ID: id, Err: ioErr}, nil

	case EvClientBytesSent, EvClientBytesReceived:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		count, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		return SessionCountEvent{K: k, ID: id, Count: count}, nil

	case EvClientFinished:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		sent, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		received, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		ioErr, err := readOptionalIoError(r)
		if err != nil {
			return nil, err
		}
		return ClientFinishedEvent{ID: id, Sent: sent, Received: received, Err: ioErr}, nil

	case EvManagerUserRegistered, EvManagerUserDeleted:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		username, err := ReadSmallString(r)
		if err != nil {
			return nil, err
		}
		role, err := ReadUserRole(r)
		if err != nil {
			return nil, err
		}
		return ManagerUserEvent{K: k, ID: id, Username: username, Role: role}, nil

	case EvManagerUserUpdated:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		username, err := ReadSmallString(r)
		if err != nil {
			return nil, err
		}
		role, err := ReadUserRole(r)
		if err != nil {
			return nil, err
		}
		passwordChanged, err := ReadBool(r)
		if err != nil {
			return nil, err
		}
		return ManagerUserUpdatedEvent{ID: id, Username: username, Role: role, PasswordChanged: passwordChanged}, nil

	case EvManagerAuthToggled:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		method, err := ReadAuthMethod(r)
		if err != nil {
			return nil, err
		}
		enabled, err := ReadBool(r)
		if err != nil {
			return nil, err
		}
		return AuthToggledEvent{ID: id, Method: method, Enabled: enabled}, nil

	case EvManagerBufferSizeSet:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		size, err := ReadU32(r)
		if err != nil {
			return nil, err
		}
		return BufferSizeSetEvent{ID: id, Size: size}, nil

	case EvManagerFinished:
		id, err := ReadU64(r)
		if err != nil {
			return nil, err
		}
		ioErr, err := readOptionalIoError(r)
		if err != nil {
			return nil, err
		}
		return ManagerFinishedEvent{ID: id, Err: ioErr}, nil

	default:
		return nil, malformed("invalid event kind byte 0x%02x", kindByte)
	}
}
