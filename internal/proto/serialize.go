// Package proto implements the binary wire formats shared by the Sandstorm
// management protocol and the server's event stream: fixed-width big-endian
// integers, length-prefixed strings, socket addresses, serializable I/O
// errors, metrics snapshots and events.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"unicode/utf8"
)

// ErrMalformedFrame wraps every decode failure caused by the peer: truncated
// input is reported as the underlying I/O error instead, so callers can tell
// a dead connection from a misbehaving one.
var ErrMalformedFrame = errors.New("malformed frame")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

func ReadU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func WriteU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func WriteU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func WriteU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func WriteU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadI64(r io.Reader) (int64, error) {
	v, err := ReadU64(r)
	return int64(v), err
}

func WriteI64(w io.Writer, v int64) error {
	return WriteU64(w, uint64(v))
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadU8(r)
	return b != 0, err
}

func WriteBool(w io.Writer, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return WriteU8(w, b)
}

// ReadSmallString reads a u8-length-prefixed UTF-8 string. A zero length is
// valid here; callers with a no-empty rule (usernames, passwords, domain
// names) check it themselves.
func ReadSmallString(r io.Reader) (string, error) {
	length, err := ReadU8(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", malformed("string is not valid UTF-8")
	}
	return string(buf), nil
}

func WriteSmallString(w io.Writer, s string) error {
	if len(s) > 255 {
		return malformed("small string is too long (%d bytes)", len(s))
	}
	if err := WriteU8(w, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a u16-length-prefixed UTF-8 string. Used for filenames
// and error messages, which may not fit in a small string.
func ReadString(r io.Reader) (string, error) {
	length, err := ReadU16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", malformed("string is not valid UTF-8")
	}
	return string(buf), nil
}

func WriteString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return malformed("string is too long (%d bytes)", len(s))
	}
	if err := WriteU16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

const (
	addrTypeV4 = 4
	addrTypeV6 = 6
)

// ReadSocketAddr reads a discriminated socket address: one type byte (4 or
// 6), the raw address octets, and a big-endian port.
func ReadSocketAddr(r io.Reader) (netip.AddrPort, error) {
	addrType, err := ReadU8(r)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var addr netip.Addr
	switch addrType {
	case addrTypeV4:
		var octets [4]byte
		if _, err := io.ReadFull(r, octets[:]); err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom4(octets)
	case addrTypeV6:
		var octets [16]byte
		if _, err := io.ReadFull(r, octets[:]); err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom16(octets)
	default:
		return netip.AddrPort{}, malformed("invalid socket address type %d", addrType)
	}

	port, err := ReadU16(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}

func WriteSocketAddr(w io.Writer, ap netip.AddrPort) error {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		octets := addr.Unmap().As4()
		if err := WriteU8(w, addrTypeV4); err != nil {
			return err
		}
		if _, err := w.Write(octets[:]); err != nil {
			return err
		}
	} else {
		octets := addr.As16()
		if err := WriteU8(w, addrTypeV6); err != nil {
			return err
		}
		if _, err := w.Write(octets[:]); err != nil {
			return err
		}
	}
	return WriteU16(w, ap.Port())
}

// ReadSocketAddrList reads a u16 count followed by that many addresses.
func ReadSocketAddrList(r io.Reader) ([]netip.AddrPort, error) {
	count, err := ReadU16(r)
	if err != nil {
		return nil, err
	}
	list := make([]netip.AddrPort, 0, count)
	for i := 0; i < int(count); i++ {
		ap, err := ReadSocketAddr(r)
		if err != nil {
			return nil, err
		}
		list = append(list, ap)
	}
	return list, nil
}

func WriteSocketAddrList(w io.Writer, list []netip.AddrPort) error {
	if len(list) > 0xFFFF {
		return malformed("list is too long (%d entries)", len(list))
	}
	if err := WriteU16(w, uint16(len(list))); err != nil {
		return err
	}
	for _, ap := range list {
		if err := WriteSocketAddr(w, ap); err != nil {
			return err
		}
	}
	return nil
}
