package domain

import (
	"context"
	"time"
)

// AuditOperation enumerates the mutations the orchestrator records.
type AuditOperation string

const (
	OpInstall   AuditOperation = "install"
	OpUninstall AuditOperation = "uninstall"
	OpStart     AuditOperation = "start"
	OpStop      AuditOperation = "stop"
	OpRestart   AuditOperation = "restart"
	OpForceStop AuditOperation = "force_stop"
)

// AuditOutcome is the terminal result of an audited operation.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditOrigin distinguishes operator-initiated mutations from internal ones.
type AuditOrigin string

const (
	OriginAPI     AuditOrigin = "api"
	OriginMonitor AuditOrigin = "monitor"
)

// AuditLogEntry is one append-only record of an orchestration mutation.
type AuditLogEntry struct {
	ID          int64          `json:"id"`
	Operation   AuditOperation `json:"operation"`
	ModuleName  string         `json:"module_name"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Outcome     AuditOutcome   `json:"outcome"`
	Detail      string         `json:"detail,omitempty"`
	Origin      AuditOrigin    `json:"origin"`
	CallerAddr  string         `json:"caller_addr,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type callerAddrKey struct{}

// WithCallerAddr stamps the request's network origin onto the context so
// audit entries written downstream can record it.
func WithCallerAddr(ctx context.Context, addr string) context.Context {
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, callerAddrKey{}, addr)
}

// CallerAddrFromContext returns the network origin stamped by WithCallerAddr,
// or empty for internally originated mutations.
func CallerAddrFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(callerAddrKey{}).(string)
	return addr
}

// AuditFilter narrows audit log listings.
type AuditFilter struct {
	ModuleName  string
	Operation   AuditOperation
	Outcome     AuditOutcome
	PrincipalID string
	Limit       int
	Offset      int
}
