// Package sandstorm implements the management protocol session: the
// version-1 handshake, the pipelined request dispatcher with per-family
// ordering, and the single writer that multiplexes responses with the
// event stream.
package sandstorm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"dustdevil/internal/proto"
	"dustdevil/internal/state"

	log "github.com/sirupsen/logrus"
)

const (
	readBufferSize  = 0x400
	writeBufferSize = 0x2000
	queueDepth      = 16
)

// Handle runs one management connection to completion. Cancelling the
// context force-closes the session after shutdown drain.
func Handle(ctx context.Context, id uint64, conn net.Conn, co *state.Coordinator) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	err := run(id, conn, co)

	var ioErr *proto.IoError
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, proto.ErrMalformedFrame) {
		e := proto.IoErrorFrom(err)
		ioErr = &e
	}
	co.ManagerFinished(id, ioErr)
}

func run(id uint64, conn net.Conn, co *state.Coordinator) error {
	reader := bufio.NewReaderSize(conn, readBufferSize)

	ok, err := handshake(reader, conn, id, co)
	if err != nil || !ok {
		return err
	}

	return monitor(id, reader, conn, co)
}

// handshake authenticates the manager. Only admins may proceed; everyone
// else gets a status byte and the connection is closed.
func handshake(reader *bufio.Reader, conn net.Conn, id uint64, co *state.Coordinator) (bool, error) {
	version, err := proto.ReadU8(reader)
	if err != nil {
		return false, err
	}
	if version != proto.SandstormVersion {
		co.Publish(proto.SessionByteEvent{K: proto.EvManagerUnsupportedVersion, ID: id, Value: version})
		_, err := conn.Write([]byte{proto.HandshakeUnsupportedVersion})
		return false, err
	}

	username, err := proto.ReadSmallString(reader)
	if err != nil {
		return false, err
	}
	password, err := proto.ReadSmallString(reader)
	if err != nil {
		return false, err
	}
	if username == "" || password == "" {
		_, err := conn.Write([]byte{proto.HandshakeUnspecifiedError})
		return false, err
	}

	role, found := co.Users().Login(username, password)
	granted := found && role == proto.RoleAdmin
	co.Publish(proto.UserAuthEvent{K: proto.EvManagerAuthenticated, ID: id, Username: username, Success: granted})

	status := byte(proto.HandshakeOk)
	switch {
	case !found:
		status = proto.HandshakeBadCredentials
	case role != proto.RoleAdmin:
		status = proto.HandshakePermissionDenied
	}
	if _, err := conn.Write([]byte{status}); err != nil {
		return false, err
	}
	if status != proto.HandshakeOk {
		log.WithFields(log.Fields{"manager": id, "user": username}).Debug("Monitoring access denied")
		return false, nil
	}
	return true, nil
}

// monitor runs the pipelined request phase: the reader classifies requests
// into per-family FIFO queues, one worker per family executes them in
// order, and a single writer serializes all response frames.
func monitor(id uint64, reader *bufio.Reader, conn net.Conn, co *state.Coordinator) error {
	wr := newWriter(id, conn, co)
	go wr.run()

	queues := make([]chan job, familyCount)
	for i := range queues {
		queues[i] = make(chan job, queueDepth)
	}

	var workers sync.WaitGroup
	workers.Add(familyCount)
	for i := range queues {
		go func(q chan job) {
			defer workers.Done()
			for j := range q {
				if frame := j(); frame != nil {
					wr.send(frame)
				}
			}
		}(queues[i])
	}

	readErr := readRequests(id, reader, queues, wr, co)

	for _, q := range queues {
		close(q)
	}
	workers.Wait()
	writeErr := wr.close()

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return readErr
	}
	return writeErr
}
