package resolver

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/epoll"
	"ss-relay/internal/infrastructure/network"
)

type testServer struct {
	addr    domain.Endpoint
	queries atomic.Int32
}

func startDNSServer(t *testing.T, handler func(w dns.ResponseWriter, req *dns.Msg)) *testServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			ts.queries.Add(1)
			handler(w, req)
		}),
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })

	ts.addr, err = network.ParseEndpoint(pc.LocalAddr().String())
	require.NoError(t, err)
	return ts
}

func answerA(ip string) func(dns.ResponseWriter, *dns.Msg) {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Qtype == dns.TypeA {
			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + ip)
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	}
}

type result struct {
	ip  net.IP
	err error
}

func startResolver(t *testing.T, server domain.Endpoint, timeout time.Duration) (*epoll.LinuxEventLoop, *Resolver) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop, err := epoll.New(log)
	require.NoError(t, err)

	r, err := New(loop, log, server, timeout)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(r)
	}()
	t.Cleanup(func() {
		loop.Post(r.Close)
		loop.Stop()
		<-done
	})
	return loop, r
}

func resolve(t *testing.T, loop domain.EventLoop, r *Resolver, host string) result {
	t.Helper()
	ch := make(chan result, 1)
	loop.Post(func() {
		r.Resolve(host, func(ip net.IP, err error) { ch <- result{ip, err} })
	})
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("no answer for %s", host)
	}
	return result{}
}

func TestResolveIPLiteralSkipsDNS(t *testing.T) {
	srv := startDNSServer(t, answerA("192.0.2.1"))
	loop, r := startResolver(t, srv.addr, time.Second)

	res := resolve(t, loop, r, "198.51.100.4")
	require.NoError(t, res.err)
	assert.Equal(t, "198.51.100.4", res.ip.String())
	assert.Zero(t, srv.queries.Load())
}

func TestResolveAndCache(t *testing.T) {
	srv := startDNSServer(t, answerA("192.0.2.55"))
	loop, r := startResolver(t, srv.addr, time.Second)

	res := resolve(t, loop, r, "relay.test")
	require.NoError(t, res.err)
	assert.Equal(t, "192.0.2.55", res.ip.String())

	res = resolve(t, loop, r, "relay.test")
	require.NoError(t, res.err)
	assert.Equal(t, "192.0.2.55", res.ip.String())
	assert.Equal(t, int32(1), srv.queries.Load())
}

func TestResolveFallsBackToAAAA(t *testing.T) {
	srv := startDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Qtype == dns.TypeAAAA {
			rr, _ := dns.NewRR(req.Question[0].Name + " 30 IN AAAA 2001:db8::7")
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})
	loop, r := startResolver(t, srv.addr, time.Second)

	res := resolve(t, loop, r, "v6only.test")
	require.NoError(t, res.err)
	assert.Equal(t, "2001:db8::7", res.ip.String())
	assert.Equal(t, int32(2), srv.queries.Load())
}

func TestResolveNoRecords(t *testing.T) {
	srv := startDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		w.WriteMsg(m)
	})
	loop, r := startResolver(t, srv.addr, time.Second)

	res := resolve(t, loop, r, "empty.test")
	assert.ErrorIs(t, res.err, ErrNoRecords)
}

func TestResolveNXDomain(t *testing.T) {
	srv := startDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		w.WriteMsg(m)
	})
	loop, r := startResolver(t, srv.addr, time.Second)

	res := resolve(t, loop, r, "missing.test")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "NXDOMAIN")
}

func TestResolveTimeout(t *testing.T) {
	srv := startDNSServer(t, func(dns.ResponseWriter, *dns.Msg) {})
	loop, r := startResolver(t, srv.addr, 50*time.Millisecond)

	res := resolve(t, loop, r, "silent.test")
	assert.ErrorIs(t, res.err, ErrTimeout)
}

func TestResolveCoalescesConcurrentQueries(t *testing.T) {
	srv := startDNSServer(t, answerA("192.0.2.9"))
	loop, r := startResolver(t, srv.addr, time.Second)

	ch := make(chan result, 2)
	loop.Post(func() {
		for i := 0; i < 2; i++ {
			r.Resolve("shared.test", func(ip net.IP, err error) { ch <- result{ip, err} })
		}
	})
	for i := 0; i < 2; i++ {
		select {
		case res := <-ch:
			require.NoError(t, res.err)
			assert.Equal(t, "192.0.2.9", res.ip.String())
		case <-time.After(3 * time.Second):
			t.Fatal("no answer")
		}
	}
	assert.Equal(t, int32(1), srv.queries.Load())
}
