package sandstorm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"

	"dustdevil/internal/proto"
	"dustdevil/internal/state"
	"dustdevil/internal/users"
)

// Request families. Responses within a family are written in request
// order; across families they may interleave.
const (
	familySocks5 = iota
	familySandstorm
	familyUsers
	familyAuth
	familyBuffer
	familyFree
	familyCount
)

// job executes one request against the coordinator and returns the
// complete response frame, or nil when the writer handles the response
// itself (event stream config).
type job func() []byte

// readRequests pulls frames off the connection as fast as they arrive and
// enqueues them on their family queue. Any malformed frame aborts the
// session with no reply.
func readRequests(id uint64, reader *bufio.Reader, queues []chan job, wr *writer, co *state.Coordinator) error {
	for {
		cmdByte, err := proto.ReadU8(reader)
		if err != nil {
			return err
		}

		family, j, err := parseRequest(id, proto.Command(cmdByte), reader, wr, co)
		if err != nil {
			return err
		}

		select {
		case queues[family] <- j:
		case <-wr.dead:
			return errors.New("writer gone")
		}
	}
}

func parseRequest(id uint64, cmd proto.Command, reader *bufio.Reader, wr *writer, co *state.Coordinator) (int, job, error) {
	switch cmd {
	case proto.CmdShutdown:
		return familyFree, func() []byte {
			co.RequestShutdown(id)
			return []byte{byte(proto.CmdShutdown)}
		}, nil

	case proto.CmdEventStreamConfig:
		enable, err := proto.ReadBool(reader)
		if err != nil {
			return 0, nil, err
		}
		return familyFree, func() []byte {
			wr.configureEventStream(enable)
			return nil
		}, nil

	case proto.CmdListSocks5Sockets, proto.CmdListSandstormSockets:
		family, stateFamily := socketFamily(cmd)
		return family, func() []byte {
			return listSocketsResponse(cmd, co.ListSockets(stateFamily))
		}, nil

	case proto.CmdAddSocks5Socket, proto.CmdAddSandstormSocket:
		addr, err := proto.ReadSocketAddr(reader)
		if err != nil {
			return 0, nil, err
		}
		family, stateFamily := socketFamily(cmd)
		return family, func() []byte {
			return addSocketResponse(cmd, co.AddSocket(id, stateFamily, addr))
		}, nil

	case proto.CmdRemoveSocks5Socket, proto.CmdRemoveSandstormSocket:
		addr, err := proto.ReadSocketAddr(reader)
		if err != nil {
			return 0, nil, err
		}
		family, stateFamily := socketFamily(cmd)
		return family, func() []byte {
			status := byte(proto.RemoveSocketNotFound)
			if co.RemoveSocket(id, stateFamily, addr) {
				status = proto.RemoveSocketOk
			}
			return []byte{byte(cmd), status}
		}, nil

	case proto.CmdListUsers:
		return familyUsers, func() []byte {
			return listUsersResponse(co.ListUsers())
		}, nil

	case proto.CmdAddUser:
		username, err := proto.ReadSmallString(reader)
		if err != nil {
			return 0, nil, err
		}
		password, err := proto.ReadSmallString(reader)
		if err != nil {
			return 0, nil, err
		}
		role, err := proto.ReadUserRole(reader)
		if err != nil {
			return 0, nil, err
		}
		return familyUsers, func() []byte {
			status := byte(proto.AddUserOk)
			switch err := co.AddUser(id, proto.User{Username: username, Password: password, Role: role}); {
			case errors.Is(err, users.ErrAlreadyExists):
				status = proto.AddUserAlreadyExists
			case err != nil:
				status = proto.AddUserInvalidValues
			}
			return []byte{byte(proto.CmdAddUser), status}
		}, nil

	case proto.CmdUpdateUser:
		username, err := proto.ReadSmallString(reader)
		if err != nil {
			return 0, nil, err
		}
		var newPassword *string
		hasPassword, err := proto.ReadBool(reader)
		if err != nil {
			return 0, nil, err
		}
		if hasPassword {
			password, err := proto.ReadSmallString(reader)
			if err != nil {
				return 0, nil, err
			}
			newPassword = &password
		}
		var newRole *proto.UserRole
		hasRole, err := proto.ReadBool(reader)
		if err != nil {
			return 0, nil, err
		}
		if hasRole {
			role, err := proto.ReadUserRole(reader)
			if err != nil {
				return 0, nil, err
			}
			newRole = &role
		}
		return familyUsers, func() []byte {
			status := byte(proto.UpdateUserOk)
			switch err := co.UpdateUser(id, username, newPassword, newRole); {
			case errors.Is(err, users.ErrNotFound):
				status = proto.UpdateUserNotFound
			case errors.Is(err, users.ErrOnlyAdmin):
				status = proto.UpdateUserCannotDemote
			case errors.Is(err, users.ErrNoChange):
				status = proto.UpdateUserNothingRequested
			case err != nil:
				status = proto.UpdateUserNotFound
			}
			return []byte{byte(proto.CmdUpdateUser), status}
		}, nil

	case proto.CmdDeleteUser:
		username, err := proto.ReadSmallString(reader)
		if err != nil {
			return 0, nil, err
		}
		return familyUsers, func() []byte {
			status := byte(proto.DeleteUserOk)
			switch err := co.DeleteUser(id, username); {
			case errors.Is(err, users.ErrNotFound):
				status = proto.DeleteUserNotFound
			case errors.Is(err, users.ErrOnlyAdmin):
				status = proto.DeleteUserCannotDelete
			}
			return []byte{byte(proto.CmdDeleteUser), status}
		}, nil

	case proto.CmdListAuthMethods:
		return familyAuth, func() []byte {
			return listAuthResponse(co.AuthSnapshot())
		}, nil

	case proto.CmdToggleAuthMethod:
		method, err := proto.ReadAuthMethod(reader)
		if err != nil {
			return 0, nil, err
		}
		enabled, err := proto.ReadBool(reader)
		if err != nil {
			return 0, nil, err
		}
		return familyAuth, func() []byte {
			ok := byte(0)
			if co.ToggleAuth(id, method, enabled) {
				ok = 1
			}
			return []byte{byte(proto.CmdToggleAuthMethod), ok}
		}, nil

	case proto.CmdCurrentMetrics:
		return familyFree, func() []byte {
			var buf bytes.Buffer
			buf.WriteByte(byte(proto.CmdCurrentMetrics))
			buf.WriteByte(1)
			_ = proto.WriteMetrics(&buf, co.MetricsSnapshot())
			return buf.Bytes()
		}, nil

	case proto.CmdGetBufferSize:
		return familyBuffer, func() []byte {
			var buf bytes.Buffer
			buf.WriteByte(byte(proto.CmdGetBufferSize))
			_ = proto.WriteU32(&buf, co.BufferSize())
			return buf.Bytes()
		}, nil

	case proto.CmdSetBufferSize:
		size, err := proto.ReadU32(reader)
		if err != nil {
			return 0, nil, err
		}
		return familyBuffer, func() []byte {
			ok := byte(0)
			if co.SetBufferSize(id, size) {
				ok = 1
			}
			return []byte{byte(proto.CmdSetBufferSize), ok}
		}, nil

	case proto.CmdMeow:
		return familyFree, func() []byte {
			return append([]byte{byte(proto.CmdMeow)}, proto.MeowBody[:]...)
		}, nil

	default:
		return 0, nil, fmt.Errorf("%w: unsupported command byte 0x%02x", proto.ErrMalformedFrame, byte(cmd))
	}
}

func socketFamily(cmd proto.Command) (int, state.Family) {
	if cmd >= proto.CmdListSocks5Sockets && cmd <= proto.CmdRemoveSocks5Socket {
		return familySocks5, state.FamilySocks5
	}
	return familySandstorm, state.FamilySandstorm
}

func listSocketsResponse(cmd proto.Command, list []netip.AddrPort) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(cmd))
	_ = proto.WriteSocketAddrList(&buf, list)
	return buf.Bytes()
}

func addSocketResponse(cmd proto.Command, ioErr *proto.IoError) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(cmd))
	if ioErr == nil {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
		_ = proto.WriteIoError(&buf, *ioErr)
	}
	return buf.Bytes()
}

func listUsersResponse(list []proto.User) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(proto.CmdListUsers))
	_ = proto.WriteU16(&buf, uint16(len(list)))
	for _, u := range list {
		_ = proto.WriteSmallString(&buf, u.Username)
		_ = proto.WriteUserRole(&buf, u.Role)
	}
	return buf.Bytes()
}

func listAuthResponse(list []state.AuthMethodState) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(proto.CmdListAuthMethods))
	buf.WriteByte(byte(len(list)))
	for _, m := range list {
		_ = proto.WriteAuthMethod(&buf, m.Method)
		_ = proto.WriteBool(&buf, m.Enabled)
	}
	return buf.Bytes()
}
