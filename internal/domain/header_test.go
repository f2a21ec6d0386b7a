package domain

import (
	"bytes"
	"testing"

	"github.com/shadowsocks/go-shadowsocks2/socks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{AddressType: AddrTypeIPv4, Address: "93.184.216.34", Port: 80, Payload: []byte("GET / HTTP/1.0\r\n\r\n")},
		{AddressType: AddrTypeIPv4, Address: "10.0.0.1", Port: 65535, Payload: []byte{}},
		{AddressType: AddrTypeDomain, Address: "example.com", Port: 443, Payload: []byte{0x16, 0x03, 0x01}},
		{AddressType: AddrTypeDomain, Address: string(bytes.Repeat([]byte("a"), 255)), Port: 1, Payload: []byte{}},
		{AddressType: AddrTypeIPv6, Address: "2001:db8::1", Port: 8388, Payload: []byte("x")},
	}

	for _, want := range cases {
		t.Run(want.AddressType.String()+"/"+want.HostPort(), func(t *testing.T) {
			raw, err := want.Marshal()
			require.NoError(t, err)

			got, err := ParseHeader(raw)
			require.NoError(t, err)
			assert.Equal(t, want.AddressType, got.AddressType)
			assert.Equal(t, want.Address, got.Address)
			assert.Equal(t, want.Port, got.Port)
			assert.Equal(t, want.Payload, got.Payload)
		})
	}
}

func TestParseHeaderMatchesSocksEncoding(t *testing.T) {
	for _, target := range []string{"93.184.216.34:80", "[2001:db8::ff]:53", "example.org:8080"} {
		addr := socks.ParseAddr(target)
		require.NotNil(t, addr)

		raw := append([]byte(addr), "payload"...)
		h, err := ParseHeader(raw)
		require.NoError(t, err)
		assert.Equal(t, target, h.HostPort())
		assert.Equal(t, []byte("payload"), h.Payload)
	}
}

func TestParseHeaderPayloadAliasesInput(t *testing.T) {
	raw := []byte{0x01, 127, 0, 0, 1, 0x1f, 0x90, 'a', 'b'}
	h, err := ParseHeader(raw)
	require.NoError(t, err)
	require.Len(t, h.Payload, 2)

	raw[7] = 'z'
	assert.Equal(t, byte('z'), h.Payload[0])
	assert.Equal(t, uint16(8080), h.Port)
}

func TestParseHeaderExampleScenario(t *testing.T) {
	raw := append([]byte{0x01, 93, 184, 216, 34, 0, 80}, "GET / HTTP/1.0\r\n\r\n"...)
	h, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, AddrTypeIPv4, h.AddressType)
	assert.Equal(t, "93.184.216.34:80", h.HostPort())
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(h.Payload))
}

func TestParseHeaderUnknownType(t *testing.T) {
	for _, first := range []byte{0x00, 0x02, 0x05, 0x7f, 0xff} {
		raw := []byte{first, 1, 2, 3, 4, 5, 6, 7, 8}
		h, err := ParseHeader(raw)
		require.ErrorIs(t, err, ErrUnknownAddressType)
		assert.Equal(t, Header{}, h)
		assert.Equal(t, []byte{first, 1, 2, 3, 4, 5, 6, 7, 8}, raw)
	}
}

func TestParseHeaderTruncated(t *testing.T) {
	cases := map[string][]byte{
		"empty":         {},
		"ipv4 address":  {0x01, 1, 2},
		"ipv4 port":     {0x01, 1, 2, 3, 4, 0},
		"domain length": {0x03},
		"domain body":   {0x03, 5, 'a', 'b'},
		"domain port":   {0x03, 1, 'a', 0},
		"ipv6 address":  {0x04, 0, 0, 0, 0},
		"ipv6 port":     append([]byte{0x04}, make([]byte, 16)...),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			h, err := ParseHeader(raw)
			require.ErrorIs(t, err, ErrTruncatedHeader)
			assert.Equal(t, Header{}, h)
		})
	}
}

func TestHeaderMarshalRejectsBadAddress(t *testing.T) {
	_, err := Header{AddressType: AddrTypeIPv4, Address: "example.com"}.Marshal()
	assert.Error(t, err)

	_, err = Header{AddressType: AddrTypeDomain, Address: string(make([]byte, 256))}.Marshal()
	assert.Error(t, err)

	_, err = Header{AddressType: AddrTypeUnknown}.Marshal()
	assert.ErrorIs(t, err, ErrUnknownAddressType)
}

func TestReplyHeader(t *testing.T) {
	v4 := ReplyHeader(Endpoint{IP: []byte{8, 8, 4, 4}, Port: 53})
	assert.Equal(t, []byte{0x01, 8, 8, 4, 4, 0, 53}, v4)

	v6 := ReplyHeader(Endpoint{IP: mustParseIP(t, "2001:db8::2"), Port: 443})
	require.Len(t, v6, 1+16+2)
	assert.Equal(t, byte(0x04), v6[0])

	h, err := ParseHeader(v6)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::2", h.Address)
	assert.Equal(t, uint16(443), h.Port)
}
