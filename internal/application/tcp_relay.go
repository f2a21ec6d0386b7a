package application

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/network"
)

// TCPRelay drives one client connection: header, target connect, then relay with at most
// one in-flight buffer per direction.
type TCPRelay struct {
	svc    *RelayService
	sess   domain.TCPSession
	cipher domain.Cipher
	target domain.Endpoint

	clientPaused bool
	remotePaused bool
	clientEvents domain.EventType
	remoteEvents domain.EventType

	timer domain.Timer
}

func newTCPRelay(svc *RelayService, clientFD int, client domain.Endpoint, cipher domain.Cipher) *TCPRelay {
	return &TCPRelay{
		svc:    svc,
		cipher: cipher,
		sess: domain.TCPSession{
			ClientFD:  clientFD,
			RemoteFD:  -1,
			State:     domain.StateInit,
			Client:    client,
			CreatedAt: time.Now(),
		},
	}
}

// Session exposes the relay state for inspection.
func (r *TCPRelay) Session() *domain.TCPSession {
	return &r.sess
}

func (r *TCPRelay) start() error {
	r.svc.Attach(r.sess.ClientFD, r)
	r.clientEvents = domain.EventRead
	if err := r.svc.loop.Register(r.sess.ClientFD, r.clientEvents); err != nil {
		return err
	}
	r.sess.State = domain.StateAwaitingHeader
	r.setTimer(r.svc.opts.HandshakeTimeout, func() {
		r.fail(connectionError("ERR_READ_ADDRESS", "Handshake timed out", nil))
	})
	return nil
}

func (r *TCPRelay) closed() bool {
	return r.sess.State == domain.StateClosed
}

func (r *TCPRelay) setTimer(d time.Duration, fn func()) {
	r.stopTimer()
	if d <= 0 {
		return
	}
	t, err := r.svc.loop.AfterFunc(d, func() {
		r.timer = nil
		fn()
	})
	if err != nil {
		r.svc.log.Error("Failed to arm session timer", "client", r.sess.Client, "error", err)
		return
	}
	r.timer = t
}

func (r *TCPRelay) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *TCPRelay) HandleEvent(fd int, event domain.EventType) error {
	if r.closed() {
		return nil
	}

	switch fd {
	case r.sess.ClientFD:
		if event&domain.EventWrite != 0 {
			r.flushClient()
		}
		if event&domain.EventRead != 0 {
			r.readClient()
		}
		if event&domain.EventError != 0 && !r.closed() {
			r.fail(connectionError("ERR_RELAY_CLIENT", "Client socket error", network.SocketError(fd)))
		}
	case r.sess.RemoteFD:
		if r.sess.State == domain.StateConnecting {
			if event&(domain.EventWrite|domain.EventError) != 0 {
				r.finalizeConnect()
			}
			return nil
		}
		if event&domain.EventWrite != 0 {
			r.flushRemote()
		}
		if event&domain.EventRead != 0 {
			r.readRemote()
		}
		if event&domain.EventError != 0 && !r.closed() {
			r.fail(connectionError("ERR_RELAY_TARGET", "Target socket error", network.SocketError(fd)))
		}
	}
	return nil
}

func (r *TCPRelay) readClient() {
	buf := r.svc.readBuf
	for !r.closed() && !r.clientPaused && r.sess.State != domain.StateProbeWait {
		n, err := unix.Read(r.sess.ClientFD, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				r.fail(connectionError("ERR_RELAY_CLIENT", "Failed to read from client", err))
			}
			return
		}
		if n == 0 {
			r.close()
			return
		}

		plain, err := r.cipher.DecryptStream(buf[:n])
		if err != nil {
			r.probeClose(connectionError("ERR_CIPHER", "Failed to decrypt client data", err))
			return
		}
		if len(plain) > 0 {
			r.onClientData(plain)
		}
	}
}

func (r *TCPRelay) onClientData(plain []byte) {
	switch r.sess.State {
	case domain.StateAwaitingHeader:
		r.sess.PendingBuffer = append(r.sess.PendingBuffer, plain...)
		r.parseHeader()
	case domain.StateResolving, domain.StateConnecting:
		r.sess.PendingBuffer = append(r.sess.PendingBuffer, plain...)
		r.checkBufferLimit()
	case domain.StateRelaying:
		r.sess.RemoteBuffer = plain
		r.flushRemote()
	}
}

func (r *TCPRelay) checkBufferLimit() {
	if limit := r.svc.opts.BufferLimit; limit > 0 && len(r.sess.PendingBuffer) > limit {
		r.fail(connectionError("ERR_BUFFER_LIMIT", "Client sent too much before target connected", domain.ErrBufferLimit))
	}
}

func (r *TCPRelay) parseHeader() {
	h, err := domain.ParseHeader(r.sess.PendingBuffer)
	if err != nil {
		if errors.Is(err, domain.ErrTruncatedHeader) && len(r.sess.PendingBuffer) < domain.MaxHeaderLen {
			return
		}
		r.probeClose(connectionError("ERR_READ_ADDRESS", "Failed to get target address", err))
		return
	}

	r.stopTimer()
	r.sess.TargetAddr = h.Address
	r.sess.TargetPort = int(h.Port)
	r.sess.PendingBuffer = append([]byte(nil), h.Payload...)
	r.sess.State = domain.StateResolving

	r.svc.observer.OnHandshake(r.sess.Client, h.HostPort())
	if r.closed() {
		return
	}

	r.checkBufferLimit()
	if r.closed() {
		return
	}

	r.setTimer(r.svc.opts.ConnectTimeout, func() {
		r.fail(connectionError("ERR_CONNECT", "Timed out connecting to target", nil))
	})
	r.svc.resolver.Resolve(h.Address, r.onResolved)
}

func (r *TCPRelay) onResolved(ip net.IP, err error) {
	if r.closed() {
		return
	}
	if err != nil {
		r.fail(connectionError("ERR_RESOLVE_ADDRESS", "Failed to resolve target address "+r.sess.TargetAddr, err))
		return
	}
	if v := r.svc.opts.TargetValidator; v != nil {
		if err := v(ip); err != nil {
			r.fail(ensureConnectionError(err, "ERR_ADDRESS_INVALID", "invalid address"))
			return
		}
	}

	r.target = domain.Endpoint{IP: ip, Port: r.sess.TargetPort}
	r.svc.log.Debug("Initiating TCP connection", "client", r.sess.Client, "target", r.target)

	rfd, err := network.Connect(r.target)
	if err != nil {
		r.fail(connectionError("ERR_CONNECT", "Failed to connect to target", err))
		return
	}

	r.sess.RemoteFD = rfd
	r.sess.State = domain.StateConnecting
	r.svc.Attach(rfd, r)
	r.remoteEvents = domain.EventWrite
	if err := r.svc.loop.Register(rfd, r.remoteEvents); err != nil {
		r.fail(connectionError("ERR_CONNECT", "Failed to register target socket", err))
	}
}

func (r *TCPRelay) finalizeConnect() {
	if err := network.SocketError(r.sess.RemoteFD); err != nil {
		r.fail(connectionError("ERR_CONNECT", "Failed to connect to target", err))
		return
	}
	r.stopTimer()

	r.svc.log.Debug("Connected to target", "client", r.sess.Client, "target", r.target)

	r.sess.State = domain.StateRelaying
	r.sess.RemoteBuffer = r.sess.PendingBuffer
	r.sess.PendingBuffer = nil

	if !r.updateInterest() {
		return
	}
	r.flushRemote()
	r.readRemote()
}

func (r *TCPRelay) wantedEvents() (client, remote domain.EventType) {
	switch r.sess.State {
	case domain.StateProbeWait, domain.StateClosed:
		return 0, 0
	case domain.StateConnecting:
		remote = domain.EventWrite
	case domain.StateRelaying:
		if !r.remotePaused {
			remote |= domain.EventRead
		}
		if len(r.sess.RemoteBuffer) > 0 {
			remote |= domain.EventWrite
		}
	}
	if !r.clientPaused {
		client |= domain.EventRead
	}
	if len(r.sess.ClientBuffer) > 0 {
		client |= domain.EventWrite
	}
	return client, remote
}

// updateInterest re-arms only the fds whose interest changed. Re-arming an edge-triggered
// fd reports readiness that is already pending. It reports false if the session failed.
func (r *TCPRelay) updateInterest() bool {
	client, remote := r.wantedEvents()
	if client != r.clientEvents {
		r.clientEvents = client
		if err := r.svc.loop.Modify(r.sess.ClientFD, client); err != nil {
			r.fail(connectionError("ERR_RELAY_CLIENT", "Failed to update client interest", err))
			return false
		}
	}
	if r.sess.RemoteFD >= 0 && remote != r.remoteEvents {
		r.remoteEvents = remote
		if err := r.svc.loop.Modify(r.sess.RemoteFD, remote); err != nil {
			r.fail(connectionError("ERR_RELAY_TARGET", "Failed to update target interest", err))
			return false
		}
	}
	return true
}

// flushRemote writes the in-flight client bytes to the target. Client reads stay paused
// until the buffer drains.
func (r *TCPRelay) flushRemote() {
	for len(r.sess.RemoteBuffer) > 0 {
		n, err := unix.Write(r.sess.RemoteFD, r.sess.RemoteBuffer)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			r.fail(connectionError("ERR_RELAY_CLIENT", "Failed to write to target", err))
			return
		}
		r.sess.RemoteBuffer = r.sess.RemoteBuffer[n:]
	}

	if len(r.sess.RemoteBuffer) > 0 {
		r.clientPaused = true
		r.updateInterest()
		return
	}

	r.sess.RemoteBuffer = nil
	if r.clientPaused {
		r.clientPaused = false
		r.updateInterest()
		r.readClient()
	}
}

func (r *TCPRelay) readRemote() {
	buf := r.svc.readBuf
	for !r.closed() && !r.remotePaused && r.sess.State == domain.StateRelaying {
		n, err := unix.Read(r.sess.RemoteFD, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				r.fail(connectionError("ERR_RELAY_TARGET", "Failed to read from target", err))
			}
			return
		}
		if n == 0 {
			r.close()
			return
		}

		if r.sess.FirstTrafficAt.IsZero() {
			r.sess.FirstTrafficAt = time.Now()
			r.svc.observer.OnFirstTraffic(r.sess.Client, r.sess.FirstTrafficAt.Sub(r.sess.CreatedAt))
			if r.closed() {
				return
			}
		}

		ct, err := r.cipher.EncryptStream(buf[:n])
		if err != nil {
			r.fail(connectionError("ERR_CIPHER", "Failed to encrypt target data", err))
			return
		}
		r.sess.ClientBuffer = ct
		r.flushClient()
	}
}

// flushClient writes the in-flight ciphertext to the client. Target reads stay paused
// until the buffer drains.
func (r *TCPRelay) flushClient() {
	for len(r.sess.ClientBuffer) > 0 {
		n, err := unix.Write(r.sess.ClientFD, r.sess.ClientBuffer)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			r.fail(connectionError("ERR_RELAY_TARGET", "Failed to write to client", err))
			return
		}
		r.sess.ClientBuffer = r.sess.ClientBuffer[n:]
	}

	if len(r.sess.ClientBuffer) > 0 {
		r.remotePaused = true
		r.updateInterest()
		return
	}

	r.sess.ClientBuffer = nil
	if r.remotePaused {
		r.remotePaused = false
		r.updateInterest()
		r.readRemote()
	}
}

// probeClose stops reading and keeps the client connection open for ProbeDelay, so a bad
// key looks the same as a slow target.
func (r *TCPRelay) probeClose(err error) {
	r.svc.observer.OnError(r.sess.Client, err)
	if r.closed() {
		return
	}

	r.sess.State = domain.StateProbeWait
	r.sess.PendingBuffer = nil
	r.sess.RemoteBuffer = nil
	if r.sess.RemoteFD >= 0 {
		r.svc.release(r.sess.RemoteFD)
		r.sess.RemoteFD = -1
	}
	if !r.updateInterest() {
		return
	}

	r.setTimer(r.svc.opts.ProbeDelay, r.close)
	if r.timer == nil {
		r.close()
	}
}

func (r *TCPRelay) fail(err error) {
	if r.closed() {
		return
	}
	r.svc.observer.OnError(r.sess.Client, err)
	r.close()
}

// close is idempotent and releases both sockets synchronously.
func (r *TCPRelay) close() {
	if r.closed() {
		return
	}
	prev := r.sess.State
	r.sess.State = domain.StateClosed
	r.stopTimer()

	if r.sess.RemoteFD >= 0 {
		r.svc.release(r.sess.RemoteFD)
		r.sess.RemoteFD = -1
	}
	if r.sess.ClientFD >= 0 {
		r.svc.release(r.sess.ClientFD)
		r.sess.ClientFD = -1
	}
	r.sess.PendingBuffer = nil
	r.sess.RemoteBuffer = nil
	r.sess.ClientBuffer = nil

	r.svc.log.Debug("Closing session", "client", r.sess.Client, "state", prev)
	r.svc.forget(r)
	r.svc.observer.OnClosed(r.sess.Client)
}
