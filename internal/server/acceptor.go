// Package server implements the downstream TCP+TLS acceptor (§6
// "Downstream wire protocol", §1 "out of scope: TCP acceptor loop").
// It owns exactly what the core explicitly does not: listening,
// SO_REUSEPORT fan-out across CPU cores, per-connection admission
// control, and optional PROXY protocol v2 decoding — then hands each
// accepted, TLS-terminated connection to a session.Session. Adapted
// from the teacher's internal/server.TCPServer (multi-listener
// SO_REUSEPORT accept loop, per-IP connection limiting, graceful
// shutdown), replacing DNS's length-prefixed-pipelined-query model
// with LDAP's one-session-per-connection model driven by
// internal/session.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jroosing/ldap-cache-proxy/internal/cache"
	"github.com/jroosing/ldap-cache-proxy/internal/pool"
	"github.com/jroosing/ldap-cache-proxy/internal/proxyproto"
	"github.com/jroosing/ldap-cache-proxy/internal/session"
)

const maxConnectionsPerIP = 64

// bufioReaderPool reduces per-connection allocations for the PROXY v2
// decode path, the same pooling pattern the teacher applies to its
// fixed-size TCP length buffers.
var bufioReaderPool = pool.New(func() *bufio.Reader {
	return bufio.NewReaderSize(nil, 4096)
})

// Acceptor listens for downstream LDAP connections, optionally decodes
// a PROXY v2 header, and spawns one session.Session per connection.
type Acceptor struct {
	Logger      *slog.Logger
	TLSConfig   *tls.Config
	SessionCfg  session.Config
	Cache       cache.Backend
	Audit       session.Auditor
	RateLimit   *RateLimiter
	UseProxyV2  bool // decode a PROXY protocol v2 header before TLS

	listeners []net.Listener
	wg        sync.WaitGroup

	mu        sync.Mutex
	connPerIP map[string]int
}

// Run starts one listener per CPU core, all bound to addr with
// SO_REUSEPORT, and blocks until ctx is cancelled.
func (a *Acceptor) Run(ctx context.Context, addr string) error {
	n := runtime.NumCPU()
	a.listeners = make([]net.Listener, 0, n)

	a.mu.Lock()
	if a.connPerIP == nil {
		a.connPerIP = map[string]int{}
	}
	a.mu.Unlock()

	for range n {
		ln, err := listenTCPReusePort(ctx, addr)
		if err != nil {
			for _, l := range a.listeners {
				_ = l.Close()
			}
			return err
		}
		a.listeners = append(a.listeners, ln)

		listener := ln
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.acceptLoop(ctx, listener)
		}()
	}

	<-ctx.Done()
	return a.stop(5 * time.Second)
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		ip := remoteIPString(c.RemoteAddr())
		if !a.RateLimit.Allow(ip) {
			if a.Logger != nil {
				a.Logger.WarnContext(ctx, "connection rate limit exceeded", "ip", ip)
			}
			_ = c.Close()
			continue
		}
		if !a.tryAcquireConn(ip) {
			if a.Logger != nil {
				a.Logger.WarnContext(ctx, "per-ip connection limit exceeded", "ip", ip)
			}
			_ = c.Close()
			continue
		}

		conn := c
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.releaseConn(ip)
			a.handleConnection(ctx, conn, ip)
		}()
	}
}

func (a *Acceptor) handleConnection(ctx context.Context, conn net.Conn, reportedIP string) {
	remoteAddr := conn.RemoteAddr().String()

	if a.UseProxyV2 {
		br := bufioReaderPool.Get()
		br.Reset(conn)
		hdr, err := proxyproto.ReadHeader(br)
		if err != nil {
			if a.Logger != nil {
				a.Logger.WarnContext(ctx, "proxyproto: failed to decode header, closing", "remote", remoteAddr, "err", err)
			}
			_ = conn.Close()
			bufioReaderPool.Put(br)
			return
		}
		if hdr != nil && hdr.SourceAddr != nil {
			remoteAddr = hdr.SourceAddr.String()
		}
		conn = &prefixedConn{Conn: conn, r: br, pooled: br}
	}

	if pc, ok := conn.(*prefixedConn); ok {
		defer bufioReaderPool.Put(pc.pooled)
	}

	tlsConn := tls.Server(conn, a.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if a.Logger != nil {
			a.Logger.DebugContext(ctx, "tls handshake failed, closing", "remote", remoteAddr, "err", err)
		}
		_ = conn.Close()
		return
	}

	sess := session.New(tlsConn, a.SessionCfg, a.Cache, a.Logger, a.Audit, remoteAddr)
	sess.Run(ctx)
}

func (a *Acceptor) stop(timeout time.Duration) error {
	for _, ln := range a.listeners {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (a *Acceptor) tryAcquireConn(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connPerIP[ip] >= maxConnectionsPerIP {
		return false
	}
	a.connPerIP[ip]++
	return true
}

func (a *Acceptor) releaseConn(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connPerIP[ip] <= 1 {
		delete(a.connPerIP, ip)
		return
	}
	a.connPerIP[ip]--
}

// listenTCPReusePort creates a TCP listener with SO_REUSEPORT enabled,
// allowing one listener per CPU core to share a single bind address.
func listenTCPReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

func remoteIPString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err == nil {
		return host
	}
	return addr.String()
}

// prefixedConn re-exposes a net.Conn whose leading bytes have already
// been consumed into a *bufio.Reader (here: the PROXY v2 header),
// forwarding subsequent reads through that reader first.
type prefixedConn struct {
	net.Conn
	r      *bufio.Reader
	pooled *bufio.Reader // returned to bufioReaderPool once the connection closes
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
