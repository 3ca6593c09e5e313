// Package orchestrator implements the module lifecycle facade. Every mutation
// follows the same shape: validate, transition the registry through CAS,
// apply side effects in order, and compensate in reverse order on failure.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/engine"
	"github.com/splax/modhost/internal/policy"
	"github.com/splax/modhost/internal/ports"
	"github.com/splax/modhost/internal/repository"
	"github.com/splax/modhost/internal/sandbox"
	"github.com/splax/modhost/internal/service/audit"
	"github.com/splax/modhost/internal/topology"
	"github.com/splax/modhost/internal/ws"
	"github.com/splax/modhost/pkg/crypto"
)

var moduleNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

// ImagePolicy admits or rejects an image reference.
type ImagePolicy interface {
	Validate(ctx context.Context, rawRef string) (policy.ImageRef, error)
}

// LicenseChecker validates a module license key.
type LicenseChecker interface {
	Validate(ctx context.Context, mode domain.LicenseMode, moduleName, key string) error
}

// PortRequest asks for one port mapping. HostPort zero requests dynamic
// allocation from the configured range.
type PortRequest struct {
	HostPort      int `json:"host_port"`
	ContainerPort int `json:"container_port"`
}

// InstallRequest carries everything needed to install one module.
type InstallRequest struct {
	Name            string                `json:"name"`
	DisplayName     string                `json:"display_name"`
	Image           string                `json:"image"`
	Env             map[string]string     `json:"env"`
	LicenseKey      string                `json:"license_key"`
	LicenseMode     domain.LicenseMode    `json:"license_mode"`
	Ports           []PortRequest         `json:"ports"`
	Limits          domain.ResourceLimits `json:"limits"`
	WritablePaths   []string              `json:"writable_paths"`
	HealthCheckPath string                `json:"health_check_path"`
	RunAsUser       string                `json:"run_as_user"`
}

// ModuleDetail merges the registry view with a live engine sample.
type ModuleDetail struct {
	domain.ModuleView
	Live  *engine.ContainerState `json:"live,omitempty"`
	Stats *domain.ModuleStats    `json:"stats,omitempty"`
}

// Budget caps the aggregate resources installable on the host.
type Budget struct {
	CPUCores    float64
	MemoryBytes int64
}

// Service is the orchestration facade.
type Service struct {
	repo      repository.Store
	eng       engine.Engine
	images    ImagePolicy
	licenses  LicenseChecker
	topo      *topology.Manager
	allocator *ports.Allocator
	audit     *audit.Service
	hub       *ws.Hub
	secret    string
	budget    Budget
	log       *slog.Logger

	// installMu serializes the budget check with registry row creation so
	// two racing installs cannot both fit under the host ceiling.
	installMu sync.Mutex
}

// New constructs the facade.
func New(repo repository.Store, eng engine.Engine, images ImagePolicy, licenses LicenseChecker,
	topo *topology.Manager, allocator *ports.Allocator, auditSvc *audit.Service, hub *ws.Hub,
	envSecret string, budget Budget, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		eng:       eng,
		images:    images,
		licenses:  licenses,
		topo:      topo,
		allocator: allocator,
		audit:     auditSvc,
		hub:       hub,
		secret:    envSecret,
		budget:    budget,
		log:       log.With("component", "orchestrator"),
	}
}

func (s *Service) publish(eventType, moduleName, detail string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(ws.Event{Type: eventType, ModuleName: moduleName, Detail: detail})
}

func (s *Service) recordAudit(ctx context.Context, op domain.AuditOperation, moduleName, principalID string, origin domain.AuditOrigin, err error) {
	entry := domain.AuditLogEntry{
		Operation:   op,
		ModuleName:  moduleName,
		PrincipalID: principalID,
		Outcome:     domain.OutcomeSuccess,
		Origin:      origin,
	}
	if err != nil {
		entry.Outcome = domain.OutcomeFailure
		entry.Detail = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// Install runs the full install flow. On any failure after a side effect has
// been applied, the already-applied effects are compensated in reverse order
// before the error is returned.
func (s *Service) Install(ctx context.Context, principalID string, req InstallRequest) (view *domain.ModuleView, err error) {
	defer func() { s.recordAudit(ctx, domain.OpInstall, req.Name, principalID, domain.OriginAPI, err) }()

	if err = validateRequest(req); err != nil {
		return nil, err
	}

	// Pre-checks run before any side effect so the common failures are cheap.
	if _, getErr := s.repo.GetModuleByName(ctx, req.Name); getErr == nil {
		return nil, domain.Ef(domain.KindDuplicateModule, "module %q is already installed", req.Name)
	} else if !errors.Is(getErr, repository.ErrNotFound) {
		return nil, getErr
	}
	if err = s.licenses.Validate(ctx, req.LicenseMode, req.Name, req.LicenseKey); err != nil {
		return nil, err
	}
	ref, err := s.images.Validate(ctx, req.Image)
	if err != nil {
		return nil, err
	}

	envJSON, err := json.Marshal(req.Env)
	if err != nil {
		return nil, domain.E(domain.KindInvalidInput, "encode env", err)
	}
	envSealed, err := crypto.EncryptBytes(s.secret, envJSON)
	if err != nil {
		return nil, domain.E(domain.KindInternal, "seal env", err)
	}
	licenseEnc, err := crypto.EncryptString(s.secret, req.LicenseKey)
	if err != nil {
		return nil, domain.E(domain.KindInternal, "seal license key", err)
	}

	now := time.Now()
	record := &domain.ModuleRecord{
		ID:              uuid.NewString(),
		Name:            req.Name,
		DisplayName:     req.DisplayName,
		Image:           fmt.Sprintf("%s/%s", ref.Registry, ref.Repository),
		ImageTag:        ref.Tag,
		Limits:          req.Limits,
		WritablePaths:   req.WritablePaths,
		HealthCheckPath: req.HealthCheckPath,
		EnvSealed:       envSealed,
		LicenseKeyEnc:   licenseEnc,
		LicenseMode:     req.LicenseMode,
		Status:          domain.StatusPending,
		Health:          domain.HealthUnknown,
		PrincipalID:     principalID,
		InstalledAt:     now,
		UpdatedAt:       now,
	}
	s.installMu.Lock()
	err = s.checkBudget(ctx, req.Limits)
	if err == nil {
		err = s.repo.CreateModule(ctx, record)
	}
	s.installMu.Unlock()
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Ef(domain.KindDuplicateModule, "module %q is already installed", req.Name)
		}
		return nil, err
	}
	if err = s.repo.CompareAndSetStatus(ctx, record.ID, domain.StatusPending, domain.StatusInstalling); err != nil {
		return nil, s.mapCASError(err)
	}
	s.publish("module.installing", req.Name, "")

	// Side effects begin here. Each step registers its compensation.
	var undo []func()
	fail := func(cause error) (*domain.ModuleView, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		record.ErrorMessage = cause.Error()
		record.Status = domain.StatusError
		if updErr := s.repo.UpdateModule(ctx, record); updErr != nil {
			s.log.Error("record install failure", "module", req.Name, "error", updErr)
		}
		if delErr := s.repo.SoftDeleteModule(ctx, record.ID); delErr != nil {
			s.log.Error("release module name after failed install", "module", req.Name, "error", delErr)
		}
		s.publish("module.install_failed", req.Name, cause.Error())
		return nil, cause
	}

	// Release is registered before the claim loop so a conflict on a later
	// port still frees the claims made for the earlier ones. Release is
	// keyed by module ID and tolerates zero claims.
	undo = append(undo, func() {
		if relErr := s.allocator.Release(context.WithoutCancel(ctx), record.ID); relErr != nil {
			s.log.Error("release ports during rollback", "module", req.Name, "error", relErr)
		}
	})
	for _, pr := range req.Ports {
		if pr.HostPort > 0 {
			if err = s.allocator.Claim(ctx, record.ID, pr.HostPort, pr.ContainerPort); err != nil {
				return fail(err)
			}
			record.Ports = append(record.Ports, domain.PortMapping{HostPort: pr.HostPort, ContainerPort: pr.ContainerPort})
		} else {
			hostPort, claimErr := s.allocator.ClaimNext(ctx, record.ID, pr.ContainerPort)
			if claimErr != nil {
				return fail(claimErr)
			}
			record.Ports = append(record.Ports, domain.PortMapping{HostPort: hostPort, ContainerPort: pr.ContainerPort})
		}
	}

	digest, err := s.eng.Pull(ctx, record.Image+":"+record.ImageTag)
	if err != nil {
		return fail(err)
	}
	record.ImageDigest = digest

	backup, err := s.topo.Mutate(ctx, func(doc *topology.Document) error {
		topology.UpsertModuleService(doc, record.Name, topologyService(record))
		return nil
	})
	if err != nil {
		return fail(err)
	}
	undo = append(undo, func() {
		if revErr := s.topo.Revert(context.WithoutCancel(ctx), backup); revErr != nil {
			s.log.Error("topology rollback failed", "module", req.Name, "error", revErr)
		}
	})

	sandboxPolicy, err := sandbox.Build(record, envSlice(req.Env), req.RunAsUser)
	if err != nil {
		return fail(err)
	}
	containerID, err := s.eng.Create(ctx, sandboxPolicy)
	if err != nil {
		return fail(err)
	}
	record.ContainerID = containerID
	undo = append(undo, func() {
		if rmErr := s.eng.Remove(context.WithoutCancel(ctx), containerID); rmErr != nil {
			s.log.Error("remove container during rollback", "module", req.Name, "error", rmErr)
		}
	})

	if err = s.eng.Start(ctx, containerID); err != nil {
		return fail(err)
	}

	record.Status = domain.StatusInstalling
	if err = s.repo.UpdateModule(ctx, record); err != nil {
		return fail(err)
	}
	if err = s.repo.CompareAndSetStatus(ctx, record.ID, domain.StatusInstalling, domain.StatusRunning); err != nil {
		return fail(s.mapCASError(err))
	}
	record.Status = domain.StatusRunning

	s.log.Info("module installed",
		"module", record.Name,
		"image", record.Image+":"+record.ImageTag,
		"digest", record.ImageDigest)
	s.publish("module.running", record.Name, "")
	v := record.View()
	return &v, nil
}

// Uninstall removes a module and every trace of it except its audit history.
func (s *Service) Uninstall(ctx context.Context, principalID, name string) (err error) {
	defer func() { s.recordAudit(ctx, domain.OpUninstall, name, principalID, domain.OriginAPI, err) }()

	record, err := s.repo.GetModuleByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Ef(domain.KindNotFound, "module %q is not installed", name)
		}
		return err
	}
	switch record.Status {
	case domain.StatusPending, domain.StatusInstalling, domain.StatusUninstalling:
		return domain.Ef(domain.KindConcurrentModification, "module %q has an operation in progress", name)
	}
	if err = s.casWithRetry(ctx, record.ID, record.Status, domain.StatusUninstalling); err != nil {
		return err
	}

	// Each teardown step tolerates the resource already being gone, so a
	// retried uninstall converges instead of failing.
	if record.ContainerID != "" {
		if stopErr := s.eng.Stop(ctx, record.ContainerID); stopErr != nil && domain.KindOf(stopErr) != domain.KindNotFound {
			s.log.Warn("stop container during uninstall", "module", name, "error", stopErr)
		}
		if err = s.eng.Remove(ctx, record.ContainerID); err != nil && domain.KindOf(err) != domain.KindNotFound {
			return err
		}
	}
	if _, err = s.topo.Mutate(ctx, func(doc *topology.Document) error {
		topology.RemoveModuleService(doc, name)
		return nil
	}); err != nil {
		return err
	}
	if err = s.allocator.Release(ctx, record.ID); err != nil {
		return err
	}
	if err = s.repo.SoftDeleteModule(ctx, record.ID); err != nil {
		return err
	}

	s.log.Info("module uninstalled", "module", name)
	s.publish("module.uninstalled", name, "")
	return nil
}

// Stop gracefully stops a running module.
func (s *Service) Stop(ctx context.Context, principalID, name string) error {
	return s.stop(ctx, principalID, name, domain.OpStop, domain.OriginAPI, "")
}

// ForceStop stops a module on behalf of the monitor, recording the reason.
func (s *Service) ForceStop(ctx context.Context, name, reason string) error {
	return s.stop(ctx, "", name, domain.OpForceStop, domain.OriginMonitor, reason)
}

func (s *Service) stop(ctx context.Context, principalID, name string, op domain.AuditOperation, origin domain.AuditOrigin, reason string) (err error) {
	defer func() {
		entry := domain.AuditLogEntry{
			Operation: op, ModuleName: name, PrincipalID: principalID,
			Outcome: domain.OutcomeSuccess, Detail: reason, Origin: origin,
		}
		if err != nil {
			entry.Outcome = domain.OutcomeFailure
			entry.Detail = err.Error()
		}
		s.audit.Record(ctx, entry)
	}()

	record, err := s.repo.GetModuleByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Ef(domain.KindNotFound, "module %q is not installed", name)
		}
		return err
	}
	if record.Status != domain.StatusRunning {
		return domain.Ef(domain.KindConcurrentModification, "module %q is not running", name)
	}
	if err = s.eng.Stop(ctx, record.ContainerID); err != nil {
		return err
	}
	if err = s.casWithRetry(ctx, record.ID, domain.StatusRunning, domain.StatusStopped); err != nil {
		return err
	}
	detail := reason
	s.log.Info("module stopped", "module", name, "origin", origin, "reason", reason)
	s.publish("module.stopped", name, detail)
	return nil
}

// Start starts a stopped module.
func (s *Service) Start(ctx context.Context, principalID, name string) (err error) {
	defer func() { s.recordAudit(ctx, domain.OpStart, name, principalID, domain.OriginAPI, err) }()

	record, err := s.repo.GetModuleByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Ef(domain.KindNotFound, "module %q is not installed", name)
		}
		return err
	}
	if record.Status != domain.StatusStopped {
		return domain.Ef(domain.KindConcurrentModification, "module %q is not stopped", name)
	}
	if err = s.eng.Start(ctx, record.ContainerID); err != nil {
		return err
	}
	if err = s.casWithRetry(ctx, record.ID, domain.StatusStopped, domain.StatusRunning); err != nil {
		return err
	}
	s.log.Info("module started", "module", name)
	s.publish("module.running", name, "")
	return nil
}

// Restart bounces a running module's container. The registry status never
// leaves RUNNING.
func (s *Service) Restart(ctx context.Context, principalID, name string) (err error) {
	defer func() { s.recordAudit(ctx, domain.OpRestart, name, principalID, domain.OriginAPI, err) }()

	record, err := s.repo.GetModuleByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Ef(domain.KindNotFound, "module %q is not installed", name)
		}
		return err
	}
	if record.Status != domain.StatusRunning {
		return domain.Ef(domain.KindConcurrentModification, "module %q is not running", name)
	}
	if err = s.eng.Stop(ctx, record.ContainerID); err != nil {
		return err
	}
	if err = s.eng.Start(ctx, record.ContainerID); err != nil {
		return err
	}
	s.log.Info("module restarted", "module", name)
	s.publish("module.running", name, "restarted")
	return nil
}

// Status returns the registry record merged with a live engine sample.
func (s *Service) Status(ctx context.Context, name string) (*ModuleDetail, error) {
	record, err := s.repo.GetModuleByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.Ef(domain.KindNotFound, "module %q is not installed", name)
		}
		return nil, err
	}
	detail := &ModuleDetail{ModuleView: record.View()}
	if record.ContainerID == "" {
		return detail, nil
	}
	if state, err := s.eng.Inspect(ctx, record.ContainerID); err == nil {
		detail.Live = &state
		if state.Running {
			if stats, err := s.eng.Stats(ctx, record.ContainerID); err == nil {
				detail.Stats = &stats
			}
		}
	}
	return detail, nil
}

// List returns public views of installed modules.
func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.ModuleView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	records, err := s.repo.ListModules(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	views := make([]domain.ModuleView, 0, len(records))
	for i := range records {
		views = append(views, records[i].View())
	}
	return views, nil
}

// casWithRetry applies one status transition, retrying exactly once after a
// lost race by re-reading the row. Two racing mutations on the same module
// resolve deterministically: one wins, the other reports the conflict.
func (s *Service) casWithRetry(ctx context.Context, id string, expected, next domain.ModuleStatus) error {
	err := s.repo.CompareAndSetStatus(ctx, id, expected, next)
	if !errors.Is(err, repository.ErrConcurrentModification) {
		return s.mapCASError(err)
	}
	current, getErr := s.repo.GetModuleByID(ctx, id)
	if getErr != nil {
		return s.mapCASError(err)
	}
	if current.Status != expected {
		return domain.Ef(domain.KindConcurrentModification,
			"module state changed to %s during the operation", current.Status)
	}
	return s.mapCASError(s.repo.CompareAndSetStatus(ctx, id, expected, next))
}

func (s *Service) mapCASError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return domain.E(domain.KindNotFound, "module no longer exists", err)
	case errors.Is(err, repository.ErrConcurrentModification):
		return domain.E(domain.KindConcurrentModification, "module was modified concurrently", err)
	default:
		return err
	}
}

// checkBudget rejects installs whose limits would push the aggregate of live
// modules past the host budget.
func (s *Service) checkBudget(ctx context.Context, limits domain.ResourceLimits) error {
	if s.budget.CPUCores <= 0 && s.budget.MemoryBytes <= 0 {
		return nil
	}
	live, err := s.repo.ListModules(ctx, 0, 0)
	if err != nil {
		return err
	}
	cpu := limits.CPUCores
	mem := limits.MemoryBytes
	for _, m := range live {
		cpu += m.Limits.CPUCores
		mem += m.Limits.MemoryBytes
	}
	if s.budget.CPUCores > 0 && cpu > s.budget.CPUCores {
		return domain.Ef(domain.KindBudgetExceeded,
			"install would commit %.2f cpu cores against a budget of %.2f", cpu, s.budget.CPUCores)
	}
	if s.budget.MemoryBytes > 0 && mem > s.budget.MemoryBytes {
		return domain.Ef(domain.KindBudgetExceeded,
			"install would commit %d memory bytes against a budget of %d", mem, s.budget.MemoryBytes)
	}
	return nil
}

func validateRequest(req InstallRequest) error {
	if !moduleNamePattern.MatchString(req.Name) {
		return domain.Ef(domain.KindInvalidInput, "module name must be 3-50 lowercase alphanumerics or hyphens, starting and ending alphanumeric")
	}
	if req.Image == "" {
		return domain.Ef(domain.KindInvalidInput, "image is required")
	}
	if req.Limits.CPUCores <= 0 || req.Limits.MemoryBytes <= 0 {
		return domain.Ef(domain.KindInvalidInput, "cpu and memory limits must be positive")
	}
	for _, pr := range req.Ports {
		if pr.ContainerPort <= 0 || pr.ContainerPort > 65535 {
			return domain.Ef(domain.KindInvalidInput, "container port %d is out of range", pr.ContainerPort)
		}
		if pr.HostPort < 0 || pr.HostPort > 65535 {
			return domain.Ef(domain.KindInvalidInput, "host port %d is out of range", pr.HostPort)
		}
	}
	switch req.LicenseMode {
	case domain.LicenseModeFormat, domain.LicenseModeOffline, domain.LicenseModeOnline:
	default:
		return domain.Ef(domain.KindInvalidInput, "unknown license mode %q", req.LicenseMode)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func topologyService(m *domain.ModuleRecord) topology.Service {
	svc := topology.Service{
		Image:         fmt.Sprintf("%s:%s", m.Image, m.ImageTag),
		ContainerName: "mod-" + m.Name,
		Networks:      []string{sandbox.ModuleNetwork},
		Restart:       "unless-stopped",
	}
	for _, pm := range m.Ports {
		svc.Ports = append(svc.Ports, fmt.Sprintf("127.0.0.1:%d:%d", pm.HostPort, pm.ContainerPort))
	}
	return svc
}
