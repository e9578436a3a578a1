// Package socks5 implements the per-client SOCKS5 session: method
// negotiation, optional username/password authentication, CONNECT with
// multi-address fallback, and the accounted relay loop.
package socks5

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"syscall"
	"time"

	"dustdevil/internal/proto"
	"dustdevil/internal/state"

	log "github.com/sirupsen/logrus"
)

const (
	socksVersion    = 0x05
	userpassVersion = 0x01
	cmdConnect      = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// SOCKS5 reply status bytes.
const (
	statusSuccess             = 0x00
	statusGeneralFailure      = 0x01
	statusNetworkUnreachable  = 0x03
	statusHostUnreachable     = 0x04
	statusConnectionRefused   = 0x05
	statusCommandNotSupported = 0x07
	statusAtypNotSupported    = 0x08
)

const (
	negotiateTimeout = 10 * time.Second
	connectTimeout   = 10 * time.Second
	readBufferSize   = 0x2000
)

// Handle runs one client connection to completion and reports its final
// byte totals to the coordinator.
func Handle(ctx context.Context, id uint64, conn net.Conn, co *state.Coordinator) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	sent, received, err := run(ctx, id, conn, co)

	var ioErr *proto.IoError
	if err != nil && !errors.Is(err, io.EOF) {
		e := proto.IoErrorFrom(err)
		ioErr = &e
	}
	co.ClientFinished(id, sent, received, ioErr)
}

func run(ctx context.Context, id uint64, conn net.Conn, co *state.Coordinator) (uint64, uint64, error) {
	bufSize := int(co.BufferSize())
	reader := bufio.NewReaderSize(conn, readBufferSize)

	conn.SetDeadline(time.Now().Add(negotiateTimeout))

	method, err := negotiateMethod(reader, conn, id, co)
	if err != nil || method == proto.AuthNoAcceptable {
		return 0, 0, err
	}

	if method == proto.AuthUserPass {
		ok, err := authenticate(reader, conn, id, co)
		if err != nil || !ok {
			return 0, 0, err
		}
	}

	dest, status, err := readRequest(reader, id, co)
	if err != nil {
		return 0, 0, err
	}
	if status != statusSuccess {
		return 0, 0, sendReply(conn, status, nil)
	}
	co.Publish(proto.RequestEvent{ID: id, Dest: dest})

	addrs, err := resolveDestination(ctx, id, dest, co)
	if err != nil {
		return 0, 0, err
	}
	if len(addrs) == 0 {
		return 0, 0, sendReply(conn, statusHostUnreachable, nil)
	}

	upstream, status := connectUpstream(ctx, id, addrs, co)
	if upstream == nil {
		co.Publish(proto.SessionEvent{K: proto.EvClientConnectExhausted, ID: id})
		return 0, 0, sendReply(conn, status, nil)
	}
	defer upstream.Close()

	if err := sendReply(conn, statusSuccess, upstream.LocalAddr()); err != nil {
		return 0, 0, err
	}

	conn.SetDeadline(time.Time{})
	return relay(id, reader, conn, upstream, bufSize, co)
}

// negotiateMethod reads the client greeting and picks an auth method:
// userpass wins over noauth when both are offered, enabled and the user
// store is non-empty; otherwise the first acceptable method in the
// client's offered order.
func negotiateMethod(reader *bufio.Reader, conn net.Conn, id uint64, co *state.Coordinator) (proto.AuthMethod, error) {
	var head [2]byte
	if _, err := io.ReadFull(reader, head[:]); err != nil {
		return 0, err
	}
	if head[0] != socksVersion {
		co.Publish(proto.SessionByteEvent{K: proto.EvClientUnsupportedVersion, ID: id, Value: head[0]})
		_, _ = conn.Write([]byte{socksVersion, uint8(proto.AuthNoAcceptable)})
		return proto.AuthNoAcceptable, nil
	}

	methods := make([]byte, head[1])
	if _, err := io.ReadFull(reader, methods); err != nil {
		return 0, err
	}

	selected := proto.AuthNoAcceptable
	for _, m := range methods {
		method := proto.AuthMethod(m)
		if !method.Valid() || !co.IsAuthEnabled(method) {
			continue
		}
		if selected == proto.AuthNoAcceptable {
			selected = method
		}
		if method == proto.AuthUserPass && co.Users().Len() > 0 {
			selected = proto.AuthUserPass
			break
		}
	}

	if selected == proto.AuthNoAcceptable {
		co.Publish(proto.SessionEvent{K: proto.EvClientNoAcceptableMethod, ID: id})
		_, _ = conn.Write([]byte{socksVersion, uint8(proto.AuthNoAcceptable)})
		return proto.AuthNoAcceptable, nil
	}

	co.Publish(proto.AuthMethodSelectedEvent{ID: id, Method: selected})
	if _, err := conn.Write([]byte{socksVersion, uint8(selected)}); err != nil {
		return 0, err
	}
	return selected, nil
}

func authenticate(reader *bufio.Reader, conn net.Conn, id uint64, co *state.Coordinator) (bool, error) {
	ver, err := reader.ReadByte()
	if err != nil {
		return false, err
	}
	if ver != userpassVersion {
		co.Publish(proto.SessionByteEvent{K: proto.EvClientBadUserpassVersion, ID: id, Value: ver})
		_, err := conn.Write([]byte{userpassVersion, 0x01})
		return false, err
	}

	username, err := readCredential(reader)
	if err != nil {
		return false, err
	}
	password, err := readCredential(reader)
	if err != nil {
		return false, err
	}

	ok := username != "" && password != ""
	if ok {
		_, ok = co.Users().Login(username, password)
	}
	co.Publish(proto.UserAuthEvent{K: proto.EvClientAuthenticated, ID: id, Username: username, Success: ok})

	status := byte(0x01)
	if ok {
		status = 0x00
	}
	if _, err := conn.Write([]byte{userpassVersion, status}); err != nil {
		return false, err
	}
	return ok, nil
}

func readCredential(reader *bufio.Reader) (string, error) {
	length, err := reader.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readRequest parses the CONNECT request. A non-success status means the
// caller replies with it and closes; an error means the connection already
// failed.
func readRequest(reader *bufio.Reader, id uint64, co *state.Coordinator) (proto.Socks5Dest, byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(reader, head[:]); err != nil {
		return proto.Socks5Dest{}, 0, err
	}
	if head[0] != socksVersion {
		co.Publish(proto.SessionByteEvent{K: proto.EvClientUnsupportedVersion, ID: id, Value: head[0]})
		return proto.Socks5Dest{}, statusGeneralFailure, nil
	}
	if head[1] != cmdConnect {
		co.Publish(proto.SessionByteEvent{K: proto.EvClientUnsupportedCommand, ID: id, Value: head[1]})
		return proto.Socks5Dest{}, statusCommandNotSupported, nil
	}

	dest := proto.Socks5Dest{}
	switch head[3] {
	case atypIPv4:
		var octets [4]byte
		if _, err := io.ReadFull(reader, octets[:]); err != nil {
			return proto.Socks5Dest{}, 0, err
		}
		dest.Addr = netip.AddrFrom4(octets)
	case atypIPv6:
		var octets [16]byte
		if _, err := io.ReadFull(reader, octets[:]); err != nil {
			return proto.Socks5Dest{}, 0, err
		}
		dest.Addr = netip.AddrFrom16(octets)
	case atypDomain:
		domain, err := readDomain(reader)
		if err != nil {
			return proto.Socks5Dest{}, 0, err
		}
		dest.Domain = domain
	default:
		co.Publish(proto.SessionByteEvent{K: proto.EvClientUnsupportedAtyp, ID: id, Value: head[3]})
		return proto.Socks5Dest{}, statusAtypNotSupported, nil
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(reader, portBuf[:]); err != nil {
		return proto.Socks5Dest{}, 0, err
	}
	dest.Port = uint16(portBuf[0])<<8 | uint16(portBuf[1])
	return dest, statusSuccess, nil
}

func readDomain(reader *bufio.Reader) (string, error) {
	length, err := reader.ReadByte()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", fmt.Errorf("%w: domain name length cannot be 0", proto.ErrMalformedFrame)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", err
	}
	for _, c := range buf {
		if !isDomainChar(c) {
			return "", fmt.Errorf("%w: domain name contains invalid character %d", proto.ErrMalformedFrame, c)
		}
	}
	return string(buf), nil
}

func isDomainChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '.'
}

// resolveDestination turns the request into an ordered address list,
// preserving resolver order for domains.
func resolveDestination(ctx context.Context, id uint64, dest proto.Socks5Dest, co *state.Coordinator) ([]netip.AddrPort, error) {
	if dest.Domain == "" {
		return []netip.AddrPort{netip.AddrPortFrom(dest.Addr, dest.Port)}, nil
	}

	co.Publish(proto.DNSLookupEvent{ID: id, Domain: dest.Domain})
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, dest.Domain)
	if err != nil {
		log.WithFields(log.Fields{"client": id, "domain": dest.Domain}).Debugf("DNS lookup failed: %v", err)
		return nil, nil
	}

	addrs := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		addrs = append(addrs, netip.AddrPortFrom(addr, dest.Port))
	}
	return addrs, nil
}

// connectUpstream dials each candidate in order with a per-attempt timeout
// and returns the first established connection, or the status byte mapped
// from the last failed attempt; earlier failures are not weighed against it.
func connectUpstream(ctx context.Context, id uint64, addrs []netip.AddrPort, co *state.Coordinator) (net.Conn, byte) {
	status := byte(statusHostUnreachable)

	for _, addr := range addrs {
		co.Publish(proto.SessionAddrEvent{K: proto.EvClientConnectAttempt, ID: id, Addr: addr})

		dialer := net.Dialer{Timeout: connectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			status = statusFromDialError(err)
			co.Publish(proto.SessionErrorEvent{K: proto.EvClientConnectFailed, ID: id, Err: proto.IoErrorFrom(err)})
			continue
		}

		bound := addrPortOf(conn.RemoteAddr())
		co.Publish(proto.SessionAddrEvent{K: proto.EvClientConnectedToUpstream, ID: id, Addr: bound})
		return conn, statusSuccess
	}
	return nil, status
}

func statusFromDialError(err error) byte {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return statusConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return statusNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return statusHostUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return statusHostUnreachable
	default:
		return statusGeneralFailure
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		if ap, ok := netip.AddrFromSlice(tcpAddr.IP); ok {
			return netip.AddrPortFrom(ap.Unmap(), uint16(tcpAddr.Port))
		}
	}
	return netip.AddrPort{}
}

// sendReply writes the CONNECT reply with the bound address of the
// upstream socket, or 0.0.0.0:0 on failure replies.
func sendReply(w io.Writer, status byte, bound net.Addr) error {
	buf := make([]byte, 0, 22)
	buf = append(buf, socksVersion, status, 0x00)

	ap := netip.AddrPort{}
	if bound != nil {
		ap = addrPortOf(bound)
	}
	if ap.Addr().Is4() || !ap.IsValid() {
		octets := [4]byte{}
		if ap.IsValid() {
			octets = ap.Addr().As4()
		}
		buf = append(buf, atypIPv4)
		buf = append(buf, octets[:]...)
	} else {
		octets := ap.Addr().As16()
		buf = append(buf, atypIPv6)
		buf = append(buf, octets[:]...)
	}
	buf = append(buf, byte(ap.Port()>>8), byte(ap.Port()))

	_, err := w.Write(buf)
	return err
}
