package session

import "context"

// Auditor receives a best-effort, non-authoritative record of each
// terminal decision a session makes (bind outcome, search outcome,
// who-am-i). Recording failures must never affect protocol behavior —
// implementations are expected to log and drop rather than propagate.
// A nil Auditor disables recording entirely.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

// AuditEvent is one audited decision.
type AuditEvent struct {
	RemoteAddr string
	BindDN     string
	Op         string
	Outcome    string
}
