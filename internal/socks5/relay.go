package socks5

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"dustdevil/internal/proto"
	"dustdevil/internal/state"

	log "github.com/sirupsen/logrus"
)

type closeWriter interface {
	CloseWrite() error
}

// relay copies bytes in both directions until both sides have seen EOF,
// half-closing the opposite write side when one direction finishes. Each
// direction uses its own buffer of the size configured at session start,
// and every transfer is accounted before the next read.
func relay(id uint64, clientReader *bufio.Reader, client, upstream net.Conn, bufSize int, co *state.Coordinator) (uint64, uint64, error) {
	if bufSize <= 0 {
		bufSize = readBufferSize
	}

	var wg sync.WaitGroup
	var sent, received uint64
	var sendErr, recvErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, sendErr = copyDirection(id, clientReader, upstream, bufSize, true, co)
		co.Publish(proto.SessionEvent{K: proto.EvClientSourceShutdown, ID: id})
	}()
	go func() {
		defer wg.Done()
		received, recvErr = copyDirection(id, upstream, client, bufSize, false, co)
		co.Publish(proto.SessionEvent{K: proto.EvClientDestinationShutdown, ID: id})
	}()
	wg.Wait()

	log.WithFields(log.Fields{
		"client":   id,
		"sent":     sent,
		"received": received,
	}).Debug("Relay finished")

	err := sendErr
	if err == nil {
		err = recvErr
	}
	return sent, received, err
}

func copyDirection(id uint64, src io.Reader, dst net.Conn, bufSize int, srcToDst bool, co *state.Coordinator) (uint64, error) {
	buf := make([]byte, bufSize)
	var total uint64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, writeErr
			}
			total += uint64(n)
			if srcToDst {
				co.AddBytesSent(id, uint64(n))
			} else {
				co.AddBytesReceived(id, uint64(n))
			}
		}
		if readErr != nil {
			halfClose(dst)
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			return total, readErr
		}
	}
}

func halfClose(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = conn.Close()
	}
}
