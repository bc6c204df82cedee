package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jroosing/ldap-cache-proxy/internal/cache"
	"github.com/jroosing/ldap-cache-proxy/internal/ldapwire"
)

// connectTimeout is the fixed per-address TCP connect timeout (§4.2, §5).
const connectTimeout = 5 * time.Second

// Client holds one framed, TLS-wrapped TCP connection to the upstream
// directory and a monotonically increasing message-id counter (§3). It is
// never shared between sessions (§3 invariant 3) and supports at most one
// outstanding request at a time (§4.2 "no pipelining").
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	codec   *ldapwire.Codec
	counter int64
}

// Build attempts each address in order, racing TCP connect against a
// 5-second timer; the first address whose TCP connect and TLS handshake
// both succeed wins. A TLS handshake failure on any address fails
// immediately with ErrTLS rather than trying the next address (§4.2,
// §9 item 3 — preserved as specified). addrs must be non-empty.
func Build(ctx context.Context, addrs []string, tlsConfig *tls.Config, maxBERSize int) (*Client, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("upstream: %w: empty address list", ErrConnect)
	}

	var dialer net.Dialer
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			continue
		}

		tlsConn := tls.Client(conn, tlsConfig)
		hsCtx, hsCancel := context.WithTimeout(ctx, connectTimeout)
		err = tlsConn.HandshakeContext(hsCtx)
		hsCancel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("upstream: %s: %w: %v", addr, ErrTLS, err)
		}

		return &Client{
			conn:  tlsConn,
			r:     bufio.NewReader(tlsConn),
			codec: ldapwire.NewCodec(maxBERSize),
		}, nil
	}

	return nil, ErrConnect
}

// Close releases the upstream connection. Safe to call more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) nextMsgID() int64 {
	c.counter++
	return c.counter
}

// Bind forwards a bind request and its controls verbatim, awaiting
// exactly one correlated response (§4.2). The bind response — including
// non-Success result codes — is returned intact to the caller.
func (c *Client) Bind(req *ldapwire.BindRequest, controls []ldapwire.Control) (*ldapwire.BindResponse, []ldapwire.Control, error) {
	msgid := c.nextMsgID()
	out := &ldapwire.Message{MsgID: msgid, Op: req, Controls: controls}
	if err := c.codec.WriteMessage(c.conn, out); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	in, err := c.codec.ReadMessage(c.r)
	if err != nil {
		if err == io.EOF {
			return nil, nil, fmt.Errorf("%w: connection closed", ErrTransport)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, ok := in.Op.(*ldapwire.BindResponse)
	if !ok || in.MsgID != msgid {
		return nil, nil, ErrInvalidProtocolState
	}
	return resp, in.Controls, nil
}

// Search forwards a search request and its controls, accumulating
// SearchResultEntry values in order until a matching SearchResultDone is
// received (§4.2).
func (c *Client) Search(req *ldapwire.SearchRequest, controls []ldapwire.Control) ([]cache.Entry, ldapwire.Result, []ldapwire.Control, error) {
	if c == nil || c.conn == nil {
		return nil, ldapwire.Result{}, nil, fmt.Errorf("%w: no upstream connection", ErrTransport)
	}
	msgid := c.nextMsgID()
	out := &ldapwire.Message{MsgID: msgid, Op: req, Controls: controls}
	if err := c.codec.WriteMessage(c.conn, out); err != nil {
		return nil, ldapwire.Result{}, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var entries []cache.Entry
	for {
		in, err := c.codec.ReadMessage(c.r)
		if err != nil {
			if err == io.EOF {
				return nil, ldapwire.Result{}, nil, fmt.Errorf("%w: connection closed mid-stream", ErrTransport)
			}
			return nil, ldapwire.Result{}, nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if in.MsgID != msgid {
			return nil, ldapwire.Result{}, nil, ErrInvalidProtocolState
		}

		switch op := in.Op.(type) {
		case *ldapwire.SearchResultEntry:
			entries = append(entries, cache.Entry{Result: *op, Controls: in.Controls})
		case ldapwire.SearchResultDone:
			return entries, op.Result, in.Controls, nil
		default:
			return nil, ldapwire.Result{}, nil, ErrInvalidProtocolState
		}
	}
}
