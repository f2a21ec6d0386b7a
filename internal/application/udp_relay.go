package application

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/network"
)

const (
	maxDatagramSize = 64 * 1024
	// maxQueuedDatagrams bounds what a session holds while its target resolves.
	maxQueuedDatagrams = 16
)

// UDPRelay serves every UDP client from one listening socket, with one upstream socket per
// client address.
type UDPRelay struct {
	svc      *RelayService
	fd       int
	cipher   domain.Cipher
	sessions *domain.Registry[*udpSession]
	buf      []byte
}

type udpSession struct {
	relay *UDPRelay
	domain.UDPSession
	idle  domain.Timer
	freed bool
}

func newUDPRelay(svc *RelayService, fd int, cipher domain.Cipher) *UDPRelay {
	return &UDPRelay{
		svc:      svc,
		fd:       fd,
		cipher:   cipher,
		sessions: domain.NewRegistry[*udpSession](),
		buf:      make([]byte, maxDatagramSize),
	}
}

func (u *UDPRelay) HandleEvent(fd int, event domain.EventType) error {
	for {
		n, sa, err := unix.Recvfrom(u.fd, u.buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return nil
			}
			u.svc.log.Error("UDP listener read failed", "error", err)
			return err
		}
		u.onDatagram(u.buf[:n], network.FromSockaddr(sa))
	}
}

func (u *UDPRelay) onDatagram(pkt []byte, client domain.Endpoint) {
	plain, err := u.cipher.DecryptDatagram(pkt)
	if err != nil {
		u.svc.observer.OnError(client, connectionError("ERR_CIPHER", "Failed to unpack data from client", err))
		return
	}

	h, err := domain.ParseHeader(plain)
	if err != nil {
		u.svc.observer.OnError(client, connectionError("ERR_READ_ADDRESS", "Failed to get target address", err))
		return
	}

	key := client.String()
	sess, ok := u.sessions.Get(key)
	if ok {
		sess.forward(h.Payload)
		return
	}

	sess = &udpSession{
		relay: u,
		UDPSession: domain.UDPSession{
			Key:        key,
			Client:     client,
			TargetAddr: h.Address,
			TargetPort: int(h.Port),
			UpstreamFD: -1,
			LastActive: time.Now(),
		},
	}
	if err := u.sessions.Add(key, sess); err != nil {
		u.svc.observer.OnError(client, connectionError("ERR_CREATE_SOCKET", "Failed to register UDP session", err))
		return
	}
	u.svc.observer.OnUDPSession(client, h.HostPort())
	sess.armIdle(u.svc.opts.UDPIdleTimeout)

	sess.forward(h.Payload)
	u.svc.resolver.Resolve(h.Address, sess.onResolved)
}

func (s *udpSession) onResolved(ip net.IP, err error) {
	if s.freed {
		return
	}
	svc := s.relay.svc
	if err != nil {
		s.fail(connectionError("ERR_RESOLVE_ADDRESS", "Failed to resolve target address "+s.TargetAddr, err))
		return
	}
	if v := svc.opts.TargetValidator; v != nil {
		if err := v(ip); err != nil {
			s.fail(ensureConnectionError(err, "ERR_ADDRESS_INVALID", "invalid address"))
			return
		}
	}

	fd, err := network.BindUDP(ip)
	if err != nil {
		s.fail(connectionError("ERR_CREATE_SOCKET", "Failed to create upstream socket", err))
		return
	}
	if err := svc.loop.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		s.fail(connectionError("ERR_CREATE_SOCKET", "Failed to register upstream socket", err))
		return
	}
	svc.Attach(fd, s)
	s.UpstreamFD = fd
	s.Target = &domain.Endpoint{IP: ip, Port: s.TargetPort}

	queue := s.Queue
	s.Queue = nil
	for _, payload := range queue {
		if s.freed {
			return
		}
		s.send(payload)
	}
}

// forward sends payload to the session's fixed target, queueing it while the target resolves.
func (s *udpSession) forward(payload []byte) {
	s.LastActive = time.Now()
	if s.Target == nil {
		if len(s.Queue) < maxQueuedDatagrams {
			s.Queue = append(s.Queue, payload)
		}
		return
	}
	s.send(payload)
}

func (s *udpSession) send(payload []byte) {
	err := unix.Sendto(s.UpstreamFD, payload, 0, network.ToSockaddr(*s.Target))
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		s.fail(connectionError("ERR_WRITE", "Failed to write to target", err))
	}
}

// HandleEvent relays replies from the upstream socket back to the client.
func (s *udpSession) HandleEvent(fd int, event domain.EventType) error {
	u := s.relay
	for !s.freed {
		n, sa, err := unix.Recvfrom(s.UpstreamFD, u.buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				s.fail(connectionError("ERR_READ", "Failed to read from target", err))
			}
			return nil
		}
		s.LastActive = time.Now()

		from := network.FromSockaddr(sa)
		reply := append(domain.ReplyHeader(from), u.buf[:n]...)
		ct, err := u.cipher.EncryptDatagram(reply)
		if err != nil {
			u.svc.observer.OnError(s.Client, connectionError("ERR_PACK", "Failed to pack data to client", err))
			continue
		}
		if err := unix.Sendto(u.fd, ct, 0, network.ToSockaddr(s.Client)); err != nil && err != unix.EAGAIN {
			u.svc.observer.OnError(s.Client, connectionError("ERR_WRITE", "Failed to write to client", err))
		}
	}
	return nil
}

func (s *udpSession) armIdle(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	wait := timeout - time.Since(s.LastActive)
	t, err := s.relay.svc.loop.AfterFunc(wait, func() {
		s.idle = nil
		if s.freed {
			return
		}
		if time.Since(s.LastActive) >= timeout {
			s.relay.svc.log.Debug("UDP session idle", "client", s.Client, "target", s.TargetAddr)
			s.free()
			return
		}
		s.armIdle(timeout)
	})
	if err != nil {
		s.relay.svc.log.Error("Failed to arm UDP idle timer", "client", s.Client, "error", err)
		return
	}
	s.idle = t
}

func (s *udpSession) fail(err error) {
	s.relay.svc.observer.OnError(s.Client, err)
	s.free()
}

// free is idempotent per key.
func (s *udpSession) free() {
	if s.freed {
		return
	}
	s.freed = true
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	if s.UpstreamFD >= 0 {
		s.relay.svc.release(s.UpstreamFD)
		s.UpstreamFD = -1
	}
	s.Queue = nil
	if cur, ok := s.relay.sessions.Get(s.Key); ok && cur == s {
		s.relay.sessions.Remove(s.Key)
	}
}

func (u *UDPRelay) close() {
	for _, key := range u.sessions.Keys() {
		if s, ok := u.sessions.Get(key); ok {
			s.free()
		}
	}
	u.svc.release(u.fd)
}
