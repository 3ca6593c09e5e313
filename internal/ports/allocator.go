package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/repository"
)

// Allocator hands out host ports backed by the reservation table. The table's
// primary key is the arbiter, so two concurrent installs can never be granted
// the same port.
type Allocator struct {
	repo       repository.PortRepository
	modules    repository.ModuleRepository
	rangeStart int
	rangeEnd   int
	log        *slog.Logger
}

// NewAllocator constructs an Allocator over the configured dynamic range.
func NewAllocator(repo repository.PortRepository, modules repository.ModuleRepository, rangeStart, rangeEnd int, log *slog.Logger) (*Allocator, error) {
	if rangeStart <= 0 || rangeEnd < rangeStart {
		return nil, fmt.Errorf("invalid port range %d-%d", rangeStart, rangeEnd)
	}
	return &Allocator{
		repo:       repo,
		modules:    modules,
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		log:        log.With("component", "ports"),
	}, nil
}

// Claim reserves an explicit host port for a module. A conflict names the
// module already holding the port.
func (a *Allocator) Claim(ctx context.Context, moduleID string, hostPort, containerPort int) error {
	if hostPort <= 0 || hostPort > 65535 {
		return domain.Ef(domain.KindInvalidInput, "host port %d is out of range", hostPort)
	}
	err := a.repo.ReservePort(ctx, domain.PortReservation{
		HostPort:      hostPort,
		ContainerPort: containerPort,
		ModuleID:      moduleID,
	})
	if errors.Is(err, repository.ErrConflict) {
		return a.conflictError(ctx, hostPort)
	}
	return err
}

// ClaimNext reserves the lowest free port in the dynamic range and returns it.
func (a *Allocator) ClaimNext(ctx context.Context, moduleID string, containerPort int) (int, error) {
	for port := a.rangeStart; port <= a.rangeEnd; port++ {
		err := a.repo.ReservePort(ctx, domain.PortReservation{
			HostPort:      port,
			ContainerPort: containerPort,
			ModuleID:      moduleID,
		})
		if err == nil {
			a.log.Debug("port allocated", "host_port", port, "module_id", moduleID)
			return port, nil
		}
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		return 0, err
	}
	return 0, domain.Ef(domain.KindPortConflict, "no free port in range %d-%d", a.rangeStart, a.rangeEnd)
}

// Release frees every reservation a module holds. Releasing twice is a no-op.
func (a *Allocator) Release(ctx context.Context, moduleID string) error {
	return a.repo.ReleaseModulePorts(ctx, moduleID)
}

func (a *Allocator) conflictError(ctx context.Context, hostPort int) error {
	ownerID, err := a.repo.PortOwner(ctx, hostPort)
	if err != nil {
		return domain.Ef(domain.KindPortConflict, "host port %d is already reserved", hostPort)
	}
	ownerName := ownerID
	if owner, err := a.modules.GetModuleByID(ctx, ownerID); err == nil {
		ownerName = owner.Name
	}
	return domain.Ef(domain.KindPortConflict, "host port %d is already reserved by module %q", hostPort, ownerName)
}
