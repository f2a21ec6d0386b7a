package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/network"
)

var (
	ErrNoRecords = errors.New("no address records")
	ErrTimeout   = errors.New("dns query timed out")
)

const (
	minCacheTTL = 5 * time.Second
	maxCacheTTL = 10 * time.Minute
)

type query struct {
	id    uint16
	host  string
	qtype uint16
	done  []func(net.IP, error)
	timer domain.Timer
}

// Resolver sends queries from a socket owned by the event loop. All methods must run on
// the loop goroutine.
type Resolver struct {
	loop    domain.EventLoop
	log     *slog.Logger
	server  domain.Endpoint
	timeout time.Duration
	fd      int

	cache   *cache.Cache
	pending map[uint16]*query
	byHost  map[string]*query
}

func New(loop domain.EventLoop, log *slog.Logger, server domain.Endpoint, timeout time.Duration) (*Resolver, error) {
	fd, err := network.BindUDP(server.IP)
	if err != nil {
		return nil, fmt.Errorf("failed to bind dns socket: %w", err)
	}
	if err := loop.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Resolver{
		loop:    loop,
		log:     log,
		server:  server,
		timeout: timeout,
		fd:      fd,
		cache:   cache.New(minCacheTTL, time.Minute),
		pending: make(map[uint16]*query),
		byHost:  make(map[string]*query),
	}, nil
}

func (r *Resolver) FD() int {
	return r.fd
}

// Resolve calls done synchronously for IP literals and cached names.
func (r *Resolver) Resolve(host string, done func(net.IP, error)) {
	if ip := net.ParseIP(host); ip != nil {
		done(ip, nil)
		return
	}
	if v, ok := r.cache.Get(host); ok {
		done(v.(net.IP), nil)
		return
	}
	if q, ok := r.byHost[host]; ok {
		q.done = append(q.done, done)
		return
	}

	q := &query{host: host, done: []func(net.IP, error){done}}
	r.byHost[host] = q
	if err := r.send(q, dns.TypeA); err != nil {
		r.finish(q, nil, err)
		return
	}

	t, err := r.loop.AfterFunc(r.timeout, func() {
		r.log.Debug("DNS query timed out", "domain", host)
		r.finish(q, nil, ErrTimeout)
	})
	if err != nil {
		r.finish(q, nil, err)
		return
	}
	q.timer = t
}

func (r *Resolver) send(q *query, qtype uint16) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.host), qtype)
	m.RecursionDesired = true
	for {
		m.Id = dns.Id()
		if _, taken := r.pending[m.Id]; !taken {
			break
		}
	}

	packed, err := m.Pack()
	if err != nil {
		return fmt.Errorf("pack query: %w", err)
	}
	if err := unix.Sendto(r.fd, packed, 0, network.ToSockaddr(r.server)); err != nil {
		return fmt.Errorf("dns send failed: %w", err)
	}

	if q.id != 0 {
		delete(r.pending, q.id)
	}
	q.id = m.Id
	q.qtype = qtype
	r.pending[m.Id] = q
	return nil
}

func (r *Resolver) finish(q *query, ip net.IP, err error) {
	if q.timer != nil {
		q.timer.Stop()
	}
	delete(r.pending, q.id)
	if r.byHost[q.host] == q {
		delete(r.byHost, q.host)
	}
	for _, done := range q.done {
		done(ip, err)
	}
	q.done = nil
}

func (r *Resolver) HandleEvent(fd int, event domain.EventType) error {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return nil
			}
			return err
		}
		r.processResponse(buf[:n])
	}
}

func (r *Resolver) processResponse(b []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		r.log.Error("Failed to unpack DNS response", "error", err)
		return
	}

	q, exists := r.pending[msg.Id]
	if !exists {
		return
	}

	if msg.Rcode != dns.RcodeSuccess {
		r.finish(q, nil, fmt.Errorf("dns %s for %s", dns.RcodeToString[msg.Rcode], q.host))
		return
	}

	var (
		resolved net.IP
		ttl      uint32
	)
	for _, ans := range msg.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			resolved, ttl = rr.A, rr.Hdr.Ttl
		case *dns.AAAA:
			resolved, ttl = rr.AAAA, rr.Hdr.Ttl
		}
		if resolved != nil {
			break
		}
	}

	if resolved == nil {
		if q.qtype == dns.TypeA {
			if err := r.send(q, dns.TypeAAAA); err != nil {
				r.finish(q, nil, err)
			}
			return
		}
		r.log.Warn("DNS resolution returned no address records", "domain", q.host)
		r.finish(q, nil, fmt.Errorf("%w for %s", ErrNoRecords, q.host))
		return
	}

	expiry := time.Duration(ttl) * time.Second
	if expiry < minCacheTTL {
		expiry = minCacheTTL
	} else if expiry > maxCacheTTL {
		expiry = maxCacheTTL
	}
	r.cache.Set(q.host, resolved, expiry)

	r.log.Debug("DNS Resolved", "domain", q.host, "ip", resolved)
	r.finish(q, resolved, nil)
}

func (r *Resolver) Close() {
	for _, q := range r.pending {
		r.finish(q, nil, net.ErrClosed)
	}
	r.loop.Unregister(r.fd)
	unix.Close(r.fd)
}
