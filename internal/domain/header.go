package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/shadowsocks/go-shadowsocks2/socks"
)

type AddressType byte

const (
	AddrTypeUnknown AddressType = 0
	AddrTypeIPv4    AddressType = socks.AtypIPv4
	AddrTypeDomain  AddressType = socks.AtypDomainName
	AddrTypeIPv6    AddressType = socks.AtypIPv6
)

// MaxHeaderLen is the longest possible address header: type, length, 255 byte domain, port.
const MaxHeaderLen = socks.MaxAddrLen

var (
	ErrUnknownAddressType = errors.New("unknown address type")
	ErrTruncatedHeader    = errors.New("truncated address header")
)

func (t AddressType) String() string {
	switch t {
	case AddrTypeIPv4:
		return "IPv4"
	case AddrTypeDomain:
		return "Domain"
	case AddrTypeIPv6:
		return "IPv6"
	}
	return "Unknown"
}

// Header is the address preamble of a Shadowsocks stream or datagram.
type Header struct {
	AddressType AddressType
	Address     string
	Port        uint16
	// Payload aliases the parsed buffer.
	Payload []byte
}

// ParseHeader decodes [type][address][port BE][payload...]. It never returns a partial header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) == 0 {
		return Header{}, ErrTruncatedHeader
	}

	var (
		addr string
		end  int
	)
	switch AddressType(b[0]) {
	case AddrTypeIPv4:
		end = 1 + net.IPv4len
		if len(b) < end {
			return Header{}, ErrTruncatedHeader
		}
		addr = net.IP(b[1:end]).String()
	case AddrTypeDomain:
		if len(b) < 2 {
			return Header{}, ErrTruncatedHeader
		}
		end = 2 + int(b[1])
		if len(b) < end {
			return Header{}, ErrTruncatedHeader
		}
		addr = string(b[2:end])
	case AddrTypeIPv6:
		end = 1 + net.IPv6len
		if len(b) < end {
			return Header{}, ErrTruncatedHeader
		}
		addr = net.IP(b[1:end]).String()
	default:
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownAddressType, b[0])
	}

	if len(b) < end+2 {
		return Header{}, fmt.Errorf("%w: port missing", ErrTruncatedHeader)
	}

	return Header{
		AddressType: AddressType(b[0]),
		Address:     addr,
		Port:        binary.BigEndian.Uint16(b[end : end+2]),
		Payload:     b[end+2:],
	}, nil
}

// Marshal encodes the header followed by its payload.
func (h Header) Marshal() ([]byte, error) {
	out := make([]byte, 0, MaxHeaderLen+len(h.Payload))
	out = append(out, byte(h.AddressType))

	switch h.AddressType {
	case AddrTypeIPv4:
		ip := net.ParseIP(h.Address).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv4 address %q", h.Address)
		}
		out = append(out, ip...)
	case AddrTypeIPv6:
		ip := net.ParseIP(h.Address).To16()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv6 address %q", h.Address)
		}
		out = append(out, ip...)
	case AddrTypeDomain:
		if len(h.Address) > 255 {
			return nil, fmt.Errorf("domain too long: %d bytes", len(h.Address))
		}
		out = append(out, byte(len(h.Address)))
		out = append(out, h.Address...)
	default:
		return nil, ErrUnknownAddressType
	}

	out = binary.BigEndian.AppendUint16(out, h.Port)
	return append(out, h.Payload...), nil
}

func (h Header) HostPort() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(int(h.Port)))
}

// ReplyHeader builds the address header prepended to datagrams returned to a UDP client.
func ReplyHeader(from Endpoint) []byte {
	return socks.ParseAddr(from.String())
}
