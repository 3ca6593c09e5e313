package repository

import (
	"context"

	"github.com/splax/modhost/internal/domain"
)

// ModuleRepository persists the module registry.
type ModuleRepository interface {
	CreateModule(ctx context.Context, m *domain.ModuleRecord) error
	GetModuleByName(ctx context.Context, name string) (*domain.ModuleRecord, error)
	GetModuleByID(ctx context.Context, id string) (*domain.ModuleRecord, error)
	ListModules(ctx context.Context, limit, offset int) ([]domain.ModuleRecord, error)
	ListRunningModules(ctx context.Context) ([]domain.ModuleRecord, error)
	UpdateModule(ctx context.Context, m *domain.ModuleRecord) error
	// CompareAndSetStatus transitions id from expected to next. It returns
	// ErrConcurrentModification when the row exists in another status and
	// ErrNotFound when the row is gone.
	CompareAndSetStatus(ctx context.Context, id string, expected, next domain.ModuleStatus) error
	SetModuleHealth(ctx context.Context, id string, health domain.ModuleHealth) error
	SoftDeleteModule(ctx context.Context, id string) error
}

// PortRepository persists host port reservations.
type PortRepository interface {
	ReservePort(ctx context.Context, r domain.PortReservation) error
	PortOwner(ctx context.Context, hostPort int) (string, error)
	ListModulePorts(ctx context.Context, moduleID string) ([]domain.PortReservation, error)
	ReleaseModulePorts(ctx context.Context, moduleID string) error
}

// AuditRepository persists the append-only audit log.
type AuditRepository interface {
	InsertAudit(ctx context.Context, e *domain.AuditLogEntry) error
	ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditLogEntry, error)
}

// Store aggregates the repositories plus a connectivity probe for healthz.
type Store interface {
	ModuleRepository
	PortRepository
	AuditRepository
	Ping(ctx context.Context) error
	Close()
}
