package audit

import (
	"context"
	"log/slog"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/repository"
)

// Service records orchestration mutations in the append-only audit log.
type Service struct {
	repo repository.AuditRepository
	log  *slog.Logger
}

// New constructs the audit service.
func New(repo repository.AuditRepository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: log.With("component", "audit")}
}

// Record appends one entry. A failed insert is logged but never fails the
// operation being audited; losing an audit row beats losing an install.
func (s *Service) Record(ctx context.Context, e domain.AuditLogEntry) {
	if e.Origin == "" {
		e.Origin = domain.OriginAPI
	}
	if e.CallerAddr == "" {
		e.CallerAddr = domain.CallerAddrFromContext(ctx)
	}
	if err := s.repo.InsertAudit(ctx, &e); err != nil {
		s.log.Error("audit insert failed",
			"operation", e.Operation,
			"module", e.ModuleName,
			"outcome", e.Outcome,
			"error", err)
		return
	}
	s.log.Info("audit",
		"operation", e.Operation,
		"module", e.ModuleName,
		"outcome", e.Outcome,
		"origin", e.Origin,
		"principal", e.PrincipalID)
}

// List returns audit entries matching the filter, newest first.
func (s *Service) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditLogEntry, error) {
	return s.repo.ListAudit(ctx, f)
}
