package domain

import (
	"errors"
	"net"
	"strconv"
	"time"
)

type State int

const (
	StateInit           State = iota // Accepted, not yet registered
	StateAwaitingHeader              // Waiting for the address header
	StateResolving                   // DNS
	StateConnecting                  // TCP Connect (EINPROGRESS)
	StateRelaying                    // Pipe
	StateProbeWait                   // Bad handshake, delayed close
	StateClosed                      // Closed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateProbeWait:
		return "probe_wait"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// TCPSession is the state of one client connection and its target connection.
type TCPSession struct {
	ClientFD int
	RemoteFD int
	State    State

	Client     Endpoint
	TargetAddr string
	TargetPort int

	CreatedAt      time.Time
	FirstTrafficAt time.Time

	// PendingBuffer holds decrypted client bytes received before the target is connected.
	PendingBuffer []byte

	// ClientBuffer is ciphertext being written to the client, RemoteBuffer is plaintext
	// being written to the target. A non-empty buffer pauses reads on the opposite side.
	ClientBuffer []byte
	RemoteBuffer []byte
}

// UDPSession is one client key's upstream socket and its fixed target.
type UDPSession struct {
	Key        string
	Client     Endpoint
	TargetAddr string
	TargetPort int

	// Target is nil while the target host is being resolved.
	Target     *Endpoint
	UpstreamFD int
	Queue      [][]byte

	LastActive time.Time
}

// Endpoint is a transport address.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	if e.IP == nil {
		return net.JoinHostPort("unknown", strconv.Itoa(e.Port))
	}
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func (e Endpoint) IsIPv4() bool {
	return e.IP.To4() != nil
}

// ErrBufferLimit is returned when a client sends more than the allowed amount before its
// target connection is established.
var ErrBufferLimit = errors.New("pre-connect buffer limit exceeded")
