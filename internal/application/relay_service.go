package application

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	onet "github.com/Jigsaw-Code/outline-ss-server/net"
	"golang.org/x/sys/unix"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/network"
)

const readBufferSize = 32 * 1024

type Options struct {
	// ProbeDelay is how long a connection that failed its handshake stays open.
	ProbeDelay       time.Duration
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	// UDPIdleTimeout of zero keeps UDP sessions until their upstream socket fails.
	UDPIdleTimeout time.Duration
	// BufferLimit caps client bytes held before the target connection is up.
	BufferLimit int
	// TargetValidator rejects resolved target addresses. Nil allows every address.
	TargetValidator onet.TargetIPValidator
}

func DefaultOptions() Options {
	return Options{
		ProbeDelay:       30 * time.Second,
		HandshakeTimeout: 60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		UDPIdleTimeout:   5 * time.Minute,
		BufferLimit:      64 * 1024,
	}
}

type RelayService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	ciphers  domain.CipherFactory
	resolver domain.DNSResolver
	observer domain.Observer
	opts     Options

	listenerFD int
	udp        *UDPRelay

	handlers map[int]domain.EventHandler
	sessions map[*TCPRelay]struct{}
	readBuf  []byte
}

func NewRelayService(
	loop domain.EventLoop,
	logger *slog.Logger,
	ciphers domain.CipherFactory,
	resolver domain.DNSResolver,
	observer domain.Observer,
	opts Options,
) *RelayService {
	return &RelayService{
		log:        logger,
		loop:       loop,
		ciphers:    ciphers,
		resolver:   resolver,
		observer:   observer,
		opts:       opts,
		listenerFD: -1,
		handlers:   make(map[int]domain.EventHandler),
		sessions:   make(map[*TCPRelay]struct{}),
		readBuf:    make([]byte, readBufferSize),
	}
}

func (s *RelayService) ListenTCP(local domain.Endpoint) error {
	lfd, err := network.ListenTCP(local)
	if err != nil {
		return fmt.Errorf("failed to listen tcp: %w", err)
	}
	if err := s.loop.Register(lfd, domain.EventRead); err != nil {
		unix.Close(lfd)
		return err
	}
	s.listenerFD = lfd
	return nil
}

func (s *RelayService) ListenUDP(local domain.Endpoint) error {
	cipher, err := s.ciphers.New()
	if err != nil {
		return err
	}
	ufd, err := network.ListenUDP(local)
	if err != nil {
		return fmt.Errorf("failed to bind udp: %w", err)
	}
	if err := s.loop.Register(ufd, domain.EventRead); err != nil {
		unix.Close(ufd)
		return err
	}
	s.udp = newUDPRelay(s, ufd, cipher)
	s.Attach(ufd, s.udp)
	return nil
}

// TCPAddr returns the bound TCP listener address.
func (s *RelayService) TCPAddr() (domain.Endpoint, error) {
	return network.LocalEndpoint(s.listenerFD)
}

// UDPAddr returns the bound UDP listener address.
func (s *RelayService) UDPAddr() (domain.Endpoint, error) {
	if s.udp == nil {
		return domain.Endpoint{}, net.ErrClosed
	}
	return network.LocalEndpoint(s.udp.fd)
}

// Attach routes events for fd to h.
func (s *RelayService) Attach(fd int, h domain.EventHandler) {
	s.handlers[fd] = h
}

func (s *RelayService) Detach(fd int) {
	delete(s.handlers, fd)
}

// release unregisters and closes fd.
func (s *RelayService) release(fd int) {
	s.Detach(fd)
	s.loop.Unregister(fd)
	unix.Close(fd)
}

func (s *RelayService) Start() error {
	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listenerFD, "udp", s.udp != nil)
	s.log.Info("Relay service is running loop...")
	return s.loop.Run(s)
}

func (s *RelayService) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD {
		return s.acceptNewClients()
	}

	h := s.handlers[fd]
	if h == nil {
		return nil
	}
	return h.HandleEvent(fd, event)
}

func (s *RelayService) acceptNewClients() error {
	for {
		nfd, client, err := network.Accept(s.listenerFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return nil
			}
			s.log.Error("Accept failed", "error", err)
			return err
		}

		cipher, err := s.ciphers.New()
		if err != nil {
			s.observer.OnError(client, connectionError("ERR_CIPHER", "Failed to create cipher", err))
			unix.Close(nfd)
			continue
		}

		relay := newTCPRelay(s, nfd, client, cipher)
		if err := relay.start(); err != nil {
			relay.fail(connectionError("ERR_READ", "Failed to register client", err))
			continue
		}
		s.sessions[relay] = struct{}{}
		s.log.Debug("New client accepted", "fd", nfd, "client", client)
	}
}

func (s *RelayService) forget(r *TCPRelay) {
	delete(s.sessions, r)
}

// ActiveSessions reports live TCP relays and UDP sessions.
func (s *RelayService) ActiveSessions() (tcp, udp int) {
	tcp = len(s.sessions)
	if s.udp != nil {
		udp = s.udp.sessions.Len()
	}
	return tcp, udp
}

// Close tears down every session and listener. Call it after Run has returned or from
// the loop goroutine.
func (s *RelayService) Close() {
	for r := range s.sessions {
		r.close()
	}
	if s.udp != nil {
		s.udp.close()
		s.udp = nil
	}
	if s.listenerFD >= 0 {
		s.loop.Unregister(s.listenerFD)
		unix.Close(s.listenerFD)
		s.listenerFD = -1
	}
}
