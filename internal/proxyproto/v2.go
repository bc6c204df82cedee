// Package proxyproto decodes a PROXY protocol v2 header from the start
// of an accepted connection, recovering the original client address
// when the proxy sits behind a load balancer (§6 "Optional PROXY
// protocol v2"). No example repo in the retrieved corpus depends on a
// PROXY-protocol library, so this is a narrow, from-scratch decoder
// covering only the TCP and UDP over IPv4/IPv6 address families — a
// justified standard-library-only component (see DESIGN.md).
package proxyproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

var v2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// ErrNotProxyProtocol means the connection did not begin with the v2
// signature.
var ErrNotProxyProtocol = errors.New("proxyproto: missing v2 signature")

// Header carries the original client and proxy-facing addresses.
type Header struct {
	SourceAddr net.Addr
	DestAddr   net.Addr
}

// ReadHeader reads and decodes one PROXY v2 header from r. r must be a
// *bufio.Reader so unrelated bytes are never consumed past the header.
// A LOCAL command (health checks from the load balancer itself) yields
// a nil *Header with no error.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	sig, err := r.Peek(12)
	if err != nil {
		return nil, fmt.Errorf("proxyproto: reading signature: %w", err)
	}
	if [12]byte(sig) != v2Signature {
		return nil, ErrNotProxyProtocol
	}
	if _, err := r.Discard(12); err != nil {
		return nil, err
	}

	verCmd, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("proxyproto: reading ver_cmd: %w", err)
	}
	if verCmd>>4 != 2 {
		return nil, fmt.Errorf("proxyproto: unsupported version %d", verCmd>>4)
	}
	cmd := verCmd & 0x0F

	famProto, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("proxyproto: reading fam_proto: %w", err)
	}
	family := famProto >> 4
	proto := famProto & 0x0F

	var lenBuf [2]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("proxyproto: reading length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	body := make([]byte, length)
	if _, err := readFull(r, body); err != nil {
		return nil, fmt.Errorf("proxyproto: reading address block: %w", err)
	}

	if cmd == 0 { // LOCAL: health check, no proxied address
		return nil, nil
	}

	return decodeAddresses(family, proto, body)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func decodeAddresses(family, proto byte, body []byte) (*Header, error) {
	const tcp, udp = 1, 2
	if proto != tcp && proto != udp {
		return nil, fmt.Errorf("proxyproto: unsupported protocol %d", proto)
	}

	switch family {
	case 1: // AF_INET
		if len(body) < 12 {
			return nil, errors.New("proxyproto: truncated ipv4 address block")
		}
		srcIP := net.IP(body[0:4])
		dstIP := net.IP(body[4:8])
		srcPort := binary.BigEndian.Uint16(body[8:10])
		dstPort := binary.BigEndian.Uint16(body[10:12])
		return &Header{
			SourceAddr: &net.TCPAddr{IP: srcIP, Port: int(srcPort)},
			DestAddr:   &net.TCPAddr{IP: dstIP, Port: int(dstPort)},
		}, nil
	case 2: // AF_INET6
		if len(body) < 36 {
			return nil, errors.New("proxyproto: truncated ipv6 address block")
		}
		srcIP := net.IP(body[0:16])
		dstIP := net.IP(body[16:32])
		srcPort := binary.BigEndian.Uint16(body[32:34])
		dstPort := binary.BigEndian.Uint16(body[34:36])
		return &Header{
			SourceAddr: &net.TCPAddr{IP: srcIP, Port: int(srcPort)},
			DestAddr:   &net.TCPAddr{IP: dstIP, Port: int(dstPort)},
		}, nil
	default: // AF_UNSPEC or AF_UNIX: no usable address for our purposes
		return nil, nil
	}
}
