package domain

import (
	"net"
	"time"
)

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4  // EPOLLOUT
	EventError EventType = 0x18 // EPOLLERR | EPOLLHUP
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	// AfterFunc runs fn on the loop goroutine once d has elapsed.
	AfterFunc(d time.Duration, fn func()) (Timer, error)
	// Post runs fn on the loop goroutine. Safe to call from any goroutine.
	Post(fn func())
	Run(handler EventHandler) error
	Stop()
}

type Timer interface {
	Stop()
}

// StreamCipher is the order-dependent encryption boundary of one TCP session.
type StreamCipher interface {
	EncryptStream(b []byte) ([]byte, error)
	DecryptStream(b []byte) ([]byte, error)
}

// DatagramCipher encrypts and decrypts single datagrams. Calls are independent.
type DatagramCipher interface {
	EncryptDatagram(b []byte) ([]byte, error)
	DecryptDatagram(b []byte) ([]byte, error)
}

type Cipher interface {
	StreamCipher
	DatagramCipher
	Name() string
}

type CipherFactory interface {
	New() (Cipher, error)
}

type DNSResolver interface {
	// Resolve calls done on the loop goroutine with the first address found for host.
	Resolve(host string, done func(ip net.IP, err error))
}

// Observer receives the notifications a relay surfaces to its host.
type Observer interface {
	OnHandshake(client Endpoint, target string)
	OnUDPSession(client Endpoint, target string)
	OnFirstTraffic(client Endpoint, latency time.Duration)
	OnError(endpoint Endpoint, err error)
	OnClosed(client Endpoint)
}
