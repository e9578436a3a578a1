package proto

// Sandstorm protocol constants: the handshake version, the handshake status
// bytes, and the command type byte of every request/response frame.

const SandstormVersion = 1

// Handshake status bytes.
const (
	HandshakeOk                 = 0x00
	HandshakeUnsupportedVersion = 0x01
	HandshakeBadCredentials     = 0x02
	HandshakePermissionDenied   = 0x03
	HandshakeUnspecifiedError   = 0xFF
)

// Command is a Sandstorm frame type byte.
type Command uint8

const (
	CmdShutdown              Command = 0x00
	CmdEventStreamConfig     Command = 0x01
	CmdEventStream           Command = 0x02
	CmdListSocks5Sockets     Command = 0x03
	CmdAddSocks5Socket       Command = 0x04
	CmdRemoveSocks5Socket    Command = 0x05
	CmdListSandstormSockets  Command = 0x06
	CmdAddSandstormSocket    Command = 0x07
	CmdRemoveSandstormSocket Command = 0x08
	CmdListUsers             Command = 0x09
	CmdAddUser               Command = 0x0A
	CmdUpdateUser            Command = 0x0B
	CmdDeleteUser            Command = 0x0C
	CmdListAuthMethods       Command = 0x0D
	CmdToggleAuthMethod      Command = 0x0E
	CmdCurrentMetrics        Command = 0x0F
	CmdGetBufferSize         Command = 0x10
	CmdSetBufferSize         Command = 0x11
	CmdMeow                  Command = 0xFF
)

// Event stream config response states.
const (
	EventStreamDisabled       = 0x00
	EventStreamEnabled        = 0x01
	EventStreamAlreadyEnabled = 0x02
)

// Add user response bytes.
const (
	AddUserOk            = 0x00
	AddUserAlreadyExists = 0x01
	AddUserInvalidValues = 0x02
)

// Update user response bytes.
const (
	UpdateUserOk               = 0x00
	UpdateUserNotFound         = 0x01
	UpdateUserCannotDemote     = 0x02
	UpdateUserNothingRequested = 0x03
)

// Delete user response bytes.
const (
	DeleteUserOk           = 0x00
	DeleteUserNotFound     = 0x01
	DeleteUserCannotDelete = 0x02
)

// Remove socket response bytes.
const (
	RemoveSocketOk       = 0x00
	RemoveSocketNotFound = 0x01
)

// MeowBody is the fixed MEOW response payload.
var MeowBody = [4]byte{'M', 'E', 'O', 'W'}
