// Package session implements the per-connection protocol state machine
// (C4): the Unbound/Authenticated dispatch table, the bind, search, and
// Who-Am-I procedures, and (colocated, per its ~5% share) the
// authorization check (C5). Grounded in shape on the teacher's
// internal/server.QueryHandler — a per-request handler carrying a
// logger, a downstream dependency, and a bounded processing step — and
// in exact transition semantics on original_source/src/proxy.rs's
// client_process loop.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jroosing/ldap-cache-proxy/internal/cache"
	"github.com/jroosing/ldap-cache-proxy/internal/ldapwire"
	"github.com/jroosing/ldap-cache-proxy/internal/upstream"
)

// connState is the C4 tagged union (§3): Unbound carries no upstream
// resource; Authenticated owns exactly one upstream connection for the
// lifetime of the session (§3 invariant 3, §9 "Session holds upstream").
type connState struct {
	authenticated bool
	dn            string
	policy        Policy
	client        *upstream.Client
}

// Session drives one already-accepted, already-framed downstream
// connection (§1 "out of scope: TCP acceptor loop" — the acceptor is
// internal/server's responsibility; this type only consumes the
// resulting net.Conn and reported remote address).
type Session struct {
	conn       net.Conn
	codec      *ldapwire.Codec
	cfg        Config
	cacheStore cache.Backend
	log        *slog.Logger
	audit      Auditor
	remoteAddr string

	state connState
}

// New constructs a session. cacheStore and cfg are shared, read-only
// across every concurrently running session (§5).
func New(conn net.Conn, cfg Config, cacheStore cache.Backend, log *slog.Logger, audit Auditor, remoteAddr string) *Session {
	return &Session{
		conn:       conn,
		codec:      ldapwire.NewCodec(cfg.MaxIncomingBERSize),
		cfg:        cfg,
		cacheStore: cacheStore,
		log:        log,
		audit:      audit,
		remoteAddr: remoteAddr,
	}
}

// Run executes the per-connection loop (§4.4): read one downstream
// message, dispatch on (state, op), write zero or more responses,
// repeat until a fatal condition or a clean close. The upstream client
// and the downstream connection are released deterministically on
// every exit path (§5 "Cancellation and timeouts").
func (s *Session) Run(ctx context.Context) {
	defer s.closeUpstream()
	defer s.conn.Close()

	for {
		msg, err := s.codec.ReadMessage(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.DebugContext(ctx, "session: downstream read failed, closing", "remote", s.remoteAddr, "err", err)
			}
			return
		}

		switch op := msg.Op.(type) {
		case *ldapwire.BindRequest:
			if !s.handleBind(ctx, msg.MsgID, op, msg.Controls) {
				return
			}
		case ldapwire.UnbindRequest:
			return
		case *ldapwire.SearchRequest:
			if !s.state.authenticated {
				s.log.DebugContext(ctx, "session: search before bind, closing", "remote", s.remoteAddr)
				return
			}
			if !s.handleSearch(ctx, msg.MsgID, op, msg.Controls) {
				return
			}
		case *ldapwire.ExtendedRequest:
			if !s.state.authenticated {
				s.log.DebugContext(ctx, "session: extended op before bind, closing", "remote", s.remoteAddr)
				return
			}
			s.handleExtended(ctx, msg.MsgID, op)
		default:
			s.log.DebugContext(ctx, "session: unsupported operation, closing", "remote", s.remoteAddr)
			return
		}
	}
}

func (s *Session) closeUpstream() {
	if s.state.client != nil {
		_ = s.state.client.Close()
		s.state.client = nil
	}
}

// resolvePolicy implements the DN-policy lookup rule (§3 "DN policy"):
// an identity absent from the map is rejected unless allow_all_bind_dns
// is set, in which case an empty (allow-all) policy is synthesized.
func (s *Session) resolvePolicy(dn string) (Policy, bool) {
	if p, ok := s.cfg.BindDNMap[dn]; ok {
		return p, true
	}
	if s.cfg.AllowAllBindDNs {
		return Policy{}, true
	}
	return Policy{}, false
}

// handleBind implements §4.4.1. The bool result reports whether the
// session should continue (true) or terminate (false).
func (s *Session) handleBind(ctx context.Context, msgid int64, req *ldapwire.BindRequest, controls []ldapwire.Control) bool {
	policy, ok := s.resolvePolicy(req.DN)
	if !ok {
		s.sendBindError(ctx, msgid, "unable to bind")
		s.recordAudit(ctx, req.DN, "bind", "rejected: dn not in policy map")
		return true
	}

	client, err := upstream.Build(ctx, s.cfg.UpstreamAddrs, s.cfg.UpstreamTLS, s.cfg.MaxProxyBERSize)
	if err != nil {
		s.log.WarnContext(ctx, "session: upstream build failed", "remote", s.remoteAddr, "dn", req.DN, "err", err)
		s.sendBindError(ctx, msgid, "unable to bind")
		s.recordAudit(ctx, req.DN, "bind", "upstream build failed")
		return false
	}

	resp, respControls, err := client.Bind(req, controls)
	if err != nil {
		_ = client.Close()
		s.log.WarnContext(ctx, "session: upstream bind failed", "remote", s.remoteAddr, "dn", req.DN, "err", err)
		s.sendBindError(ctx, msgid, "unable to bind")
		s.recordAudit(ctx, req.DN, "bind", "upstream bind error")
		return false
	}

	out := &ldapwire.Message{MsgID: msgid, Op: resp, Controls: respControls}
	if err := s.codec.WriteMessage(s.conn, out); err != nil {
		_ = client.Close()
		s.log.DebugContext(ctx, "session: downstream bind response write failed", "remote", s.remoteAddr, "err", err)
		return false
	}

	if resp.Result.Code != ldapwire.ResultSuccess {
		// Non-Success bind: leave the session in its prior state,
		// discard only the just-built upstream client (§4.4.1).
		_ = client.Close()
		s.recordAudit(ctx, req.DN, "bind", "non-success result")
		return true
	}

	s.closeUpstream() // discards any prior authenticated state's upstream client
	s.state = connState{authenticated: true, dn: req.DN, policy: policy, client: client}
	s.recordAudit(ctx, req.DN, "bind", "authenticated")
	return true
}

func (s *Session) sendBindError(ctx context.Context, msgid int64, message string) {
	resp := &ldapwire.BindResponse{Result: ldapwire.Result{Code: ldapwire.ResultOperationsError, Message: message}}
	out := &ldapwire.Message{MsgID: msgid, Op: resp}
	if err := s.codec.WriteMessage(s.conn, out); err != nil {
		s.log.DebugContext(ctx, "session: failed writing bind error response", "remote", s.remoteAddr, "err", err)
	}
}

// handleSearch implements §4.4.2. The bool result reports whether the
// session should continue.
func (s *Session) handleSearch(ctx context.Context, msgid int64, req *ldapwire.SearchRequest, controls []ldapwire.Control) bool {
	if !Authorize(s.state.policy, req) {
		// Deliberate empty-success response rather than
		// InsufficientAccessRights — preserved per §9 item 1.
		s.sendSearchDone(ctx, msgid, ldapwire.Result{Code: ldapwire.ResultSuccess}, nil)
		s.recordAudit(ctx, s.state.dn, "search", "unauthorized")
		return false
	}

	key := cache.NewKey(s.state.dn, req, controls)

	entries, result, respControls, err := s.state.client.Search(req, controls)
	if err != nil {
		cached, found := s.cacheStore.Get(ctx, key)
		if !found {
			s.sendSearchDone(ctx, msgid, ldapwire.Result{
				Code:    ldapwire.ResultUnavailable,
				Message: "Backend LDAP server unavailable and no cached data",
			}, nil)
			s.recordAudit(ctx, s.state.dn, "search", "upstream down, no cached fallback")
			return false
		}
		if !s.emitEntries(ctx, msgid, cached.Entries) {
			return false
		}
		if !s.sendSearchDone(ctx, msgid, cached.Result, cached.Controls) {
			return false
		}
		s.cacheStore.TryQuiesce(ctx)
		s.recordAudit(ctx, s.state.dn, "search", "served from cache fallback")
		return true
	}

	value := cache.Value{CachedAt: time.Now(), Entries: entries, Result: result, Controls: respControls}
	s.cacheStore.PutIfChanged(ctx, key, value)

	if !s.emitEntries(ctx, msgid, entries) {
		return false
	}
	if !s.sendSearchDone(ctx, msgid, result, respControls) {
		return false
	}
	s.cacheStore.TryQuiesce(ctx)
	s.recordAudit(ctx, s.state.dn, "search", "served from upstream")
	return true
}

func (s *Session) emitEntries(ctx context.Context, msgid int64, entries []cache.Entry) bool {
	for _, e := range entries {
		entry := e.Result
		out := &ldapwire.Message{MsgID: msgid, Op: &entry, Controls: e.Controls}
		if err := s.codec.WriteMessage(s.conn, out); err != nil {
			s.log.DebugContext(ctx, "session: downstream entry write failed", "remote", s.remoteAddr, "err", err)
			return false
		}
	}
	return true
}

func (s *Session) sendSearchDone(ctx context.Context, msgid int64, result ldapwire.Result, controls []ldapwire.Control) bool {
	out := &ldapwire.Message{MsgID: msgid, Op: ldapwire.SearchResultDone{Result: result}, Controls: controls}
	if err := s.codec.WriteMessage(s.conn, out); err != nil {
		s.log.DebugContext(ctx, "session: downstream search-done write failed", "remote", s.remoteAddr, "err", err)
		return false
	}
	return true
}

// handleExtended implements §4.4.3: Who-Am-I is the sole recognized
// extended operation; any other OID yields OperationsError. The
// session always continues afterward.
func (s *Session) handleExtended(ctx context.Context, msgid int64, req *ldapwire.ExtendedRequest) {
	var resp *ldapwire.ExtendedResponse
	if req.Name == ldapwire.WhoAmIOID {
		resp = &ldapwire.ExtendedResponse{
			Result:   ldapwire.Result{Code: ldapwire.ResultSuccess},
			HasName:  false,
			Value:    []byte(s.state.dn),
			HasValue: true,
		}
		s.recordAudit(ctx, s.state.dn, "whoami", "success")
	} else {
		resp = &ldapwire.ExtendedResponse{Result: ldapwire.Result{Code: ldapwire.ResultOperationsError}}
		s.recordAudit(ctx, s.state.dn, "extended", "unrecognized oid")
	}

	out := &ldapwire.Message{MsgID: msgid, Op: resp}
	if err := s.codec.WriteMessage(s.conn, out); err != nil {
		s.log.DebugContext(ctx, "session: downstream extended response write failed", "remote", s.remoteAddr, "err", err)
	}
}

func (s *Session) recordAudit(ctx context.Context, dn, op, outcome string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditEvent{RemoteAddr: s.remoteAddr, BindDN: dn, Op: op, Outcome: outcome})
}
