// Package memory provides an in-memory Store used by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/repository"
)

// Store implements repository.Store on process memory with the same error
// semantics as the postgres implementation.
type Store struct {
	mu      sync.Mutex
	modules map[string]*domain.ModuleRecord
	ports   map[int]domain.PortReservation
	audit   []domain.AuditLogEntry
	nextID  int64
}

var _ repository.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		modules: map[string]*domain.ModuleRecord{},
		ports:   map[int]domain.PortReservation{},
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close()                         {}

func (s *Store) CreateModule(ctx context.Context, m *domain.ModuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.modules {
		if existing.Name == m.Name && existing.DeletedAt == nil {
			return repository.ErrConflict
		}
	}
	cp := *m
	s.modules[m.ID] = &cp
	return nil
}

func (s *Store) GetModuleByName(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.modules {
		if m.Name == name && m.DeletedAt == nil {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetModuleByID(ctx context.Context, id string) (*domain.ModuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok || m.DeletedAt != nil {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListModules(ctx context.Context, limit, offset int) ([]domain.ModuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make([]domain.ModuleRecord, 0)
	for _, m := range s.modules {
		if m.DeletedAt == nil {
			live = append(live, *m)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].InstalledAt.After(live[j].InstalledAt) })
	if offset >= len(live) {
		return []domain.ModuleRecord{}, nil
	}
	live = live[offset:]
	if limit > 0 && limit < len(live) {
		live = live[:limit]
	}
	return live, nil
}

func (s *Store) ListRunningModules(ctx context.Context) ([]domain.ModuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ModuleRecord, 0)
	for _, m := range s.modules {
		if m.DeletedAt == nil && m.Status == domain.StatusRunning {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstalledAt.Before(out[j].InstalledAt) })
	return out, nil
}

func (s *Store) UpdateModule(ctx context.Context, m *domain.ModuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.modules[m.ID]
	if !ok || existing.DeletedAt != nil {
		return repository.ErrNotFound
	}
	existing.ImageDigest = m.ImageDigest
	existing.Ports = m.Ports
	existing.Status = m.Status
	existing.Health = m.Health
	existing.ErrorMessage = m.ErrorMessage
	existing.ContainerID = m.ContainerID
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.ModuleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok || m.DeletedAt != nil {
		return repository.ErrNotFound
	}
	if m.Status != expected {
		return repository.ErrConcurrentModification
	}
	m.Status = next
	m.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetModuleHealth(ctx context.Context, id string, health domain.ModuleHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok || m.DeletedAt != nil {
		return repository.ErrNotFound
	}
	now := time.Now()
	m.Health = health
	m.LastHealthAt = &now
	return nil
}

func (s *Store) SoftDeleteModule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok || m.DeletedAt != nil {
		return repository.ErrNotFound
	}
	now := time.Now()
	m.DeletedAt = &now
	return nil
}

func (s *Store) ReservePort(ctx context.Context, r domain.PortReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.ports[r.HostPort]; taken {
		return repository.ErrConflict
	}
	r.CreatedAt = time.Now()
	s.ports[r.HostPort] = r
	return nil
}

func (s *Store) PortOwner(ctx context.Context, hostPort int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ports[hostPort]
	if !ok {
		return "", repository.ErrNotFound
	}
	return r.ModuleID, nil
}

func (s *Store) ListModulePorts(ctx context.Context, moduleID string) ([]domain.PortReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PortReservation, 0)
	for _, r := range s.ports {
		if r.ModuleID == moduleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out, nil
}

func (s *Store) ReleaseModulePorts(ctx context.Context, moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, r := range s.ports {
		if r.ModuleID == moduleID {
			delete(s.ports, port)
		}
	}
	return nil
}

func (s *Store) InsertAudit(ctx context.Context, e *domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.CreatedAt = time.Now()
	s.audit = append(s.audit, *e)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditLogEntry, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.ModuleName != "" && e.ModuleName != f.ModuleName {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
			continue
		}
		out = append(out, e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []domain.AuditLogEntry{}, nil
		}
		out = out[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
