package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/engine"
	"github.com/splax/modhost/internal/policy"
	"github.com/splax/modhost/internal/ports"
	"github.com/splax/modhost/internal/repository/memory"
	"github.com/splax/modhost/internal/sandbox"
	"github.com/splax/modhost/internal/service/audit"
	"github.com/splax/modhost/internal/topology"
)

type fakeEngine struct {
	failCreate  bool
	failStart   bool
	created     map[string]sandbox.Policy
	running     map[string]bool
	removed     []string
	nextID      int
	pulledImage string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{created: map[string]sandbox.Policy{}, running: map[string]bool{}}
}

func (f *fakeEngine) Pull(ctx context.Context, imageRef string) (string, error) {
	f.pulledImage = imageRef
	return "sha256:deadbeef", nil
}

func (f *fakeEngine) Create(ctx context.Context, p sandbox.Policy) (string, error) {
	if f.failCreate {
		return "", domain.Ef(domain.KindEngineOperation, "container create failed")
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.created[id] = p
	return id, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error {
	if f.failStart {
		return domain.Ef(domain.KindEngineOperation, "container start failed")
	}
	f.running[id] = true
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, id string) error {
	f.running[id] = false
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	delete(f.created, id)
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (engine.ContainerState, error) {
	if _, ok := f.created[id]; !ok {
		return engine.ContainerState{}, domain.Ef(domain.KindNotFound, "no such container")
	}
	return engine.ContainerState{Running: f.running[id], Status: "running"}, nil
}

func (f *fakeEngine) Stats(ctx context.Context, id string) (domain.ModuleStats, error) {
	return domain.ModuleStats{CPUPercent: 1, MemoryBytes: 1 << 20, Running: true}, nil
}

func (f *fakeEngine) EnsureNetwork(ctx context.Context) error { return nil }
func (f *fakeEngine) Ping(ctx context.Context) error          { return nil }

type fakeImagePolicy struct {
	rejectAll bool
}

func (f *fakeImagePolicy) Validate(ctx context.Context, rawRef string) (policy.ImageRef, error) {
	if f.rejectAll {
		return policy.ImageRef{}, domain.Ef(domain.KindPolicyViolation, "registry not trusted")
	}
	return policy.ParseRef(rawRef)
}

type fakeLicenses struct {
	rejectAll bool
}

func (f *fakeLicenses) Validate(ctx context.Context, mode domain.LicenseMode, moduleName, key string) error {
	if f.rejectAll || key == "" {
		return domain.Ef(domain.KindLicenseInvalid, "key rejected")
	}
	return nil
}

type env struct {
	svc    *Service
	store  *memory.Store
	eng    *fakeEngine
	images *fakeImagePolicy
	topo   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	dir := t.TempDir()
	topoPath := filepath.Join(dir, "topology.yaml")
	if err := os.WriteFile(topoPath, []byte("services:\n  gateway:\n    image: nginx:1.27\n"), 0o644); err != nil {
		t.Fatalf("seed topology: %v", err)
	}
	topo, err := topology.NewManager(topoPath, filepath.Join(dir, "backups"), 5, nil, log)
	if err != nil {
		t.Fatalf("topology manager: %v", err)
	}
	store := memory.New()
	allocator, err := ports.NewAllocator(store, store, 18000, 18010, log)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	eng := newFakeEngine()
	images := &fakeImagePolicy{}
	svc := New(store, eng, images, &fakeLicenses{}, topo, allocator, audit.New(store, log), nil,
		"test-secret", Budget{CPUCores: 4, MemoryBytes: 4 << 30}, log)
	return &env{svc: svc, store: store, eng: eng, images: images, topo: topoPath}
}

func installRequest(name string) InstallRequest {
	return InstallRequest{
		Name:        name,
		Image:       "ghcr.io/acme/" + name + ":1.0",
		LicenseKey:  "AAAA-BBBB-CCCC",
		LicenseMode: domain.LicenseModeFormat,
		Ports:       []PortRequest{{ContainerPort: 8080}},
		Limits:      domain.ResourceLimits{CPUCores: 1, MemoryBytes: 512 << 20},
		Env:         map[string]string{"MODE": "prod"},
	}
}

func TestInstallSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	view, err := e.svc.Install(ctx, "principal-1", installRequest("analytics"))
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if view.Status != domain.StatusRunning {
		t.Fatalf("status = %s", view.Status)
	}
	if view.ImageDigest != "sha256:deadbeef" {
		t.Fatalf("digest not pinned: %q", view.ImageDigest)
	}
	if len(view.Ports) != 1 || view.Ports[0].HostPort != 18000 {
		t.Fatalf("ports = %+v", view.Ports)
	}

	record, err := e.store.GetModuleByName(ctx, "analytics")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if len(record.EnvSealed) == 0 || len(record.LicenseKeyEnc) == 0 {
		t.Fatal("env or license key stored unsealed")
	}

	data, _ := os.ReadFile(e.topo)
	if !contains(data, "mod-analytics") {
		t.Fatal("topology missing module service block")
	}

	entries, err := e.store.ListAudit(ctx, domain.AuditFilter{ModuleName: "analytics"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d (%v)", len(entries), err)
	}
	if entries[0].Operation != domain.OpInstall || entries[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("audit entry = %+v", entries[0])
	}
}

func TestInstallDuplicateRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("first install: %v", err)
	}
	_, err := e.svc.Install(ctx, "p", installRequest("analytics"))
	if err == nil || domain.KindOf(err) != domain.KindDuplicateModule {
		t.Fatalf("expected duplicate_module, got %v", err)
	}
}

func TestInstallRollbackOnEngineFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	before, _ := os.ReadFile(e.topo)
	e.eng.failStart = true

	_, err := e.svc.Install(ctx, "p", installRequest("analytics"))
	if err == nil {
		t.Fatal("expected install failure")
	}

	// Registry row is gone, so the name is reusable.
	if _, getErr := e.store.GetModuleByName(ctx, "analytics"); getErr == nil {
		t.Fatal("failed install left a live registry row")
	}
	// Ports released.
	if owner, err := e.store.PortOwner(ctx, 18000); err == nil {
		t.Fatalf("port still reserved by %s", owner)
	}
	// Container compensated away.
	if len(e.eng.created) != 0 {
		t.Fatalf("containers left behind: %v", e.eng.created)
	}
	// Topology reverted byte-for-byte.
	after, _ := os.ReadFile(e.topo)
	if string(before) != string(after) {
		t.Fatal("topology not reverted")
	}
	// Failure audited.
	entries, _ := e.store.ListAudit(ctx, domain.AuditFilter{ModuleName: "analytics"})
	if len(entries) != 1 || entries[0].Outcome != domain.OutcomeFailure {
		t.Fatalf("expected one failure audit entry, got %+v", entries)
	}

	// A retry with the failure fixed succeeds.
	e.eng.failStart = false
	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("reinstall after rollback: %v", err)
	}
}

func TestInstallRollbackReleasesPartialPortClaims(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.store.ReservePort(ctx, domain.PortReservation{HostPort: 18005, ContainerPort: 9000, ModuleID: "other-module"}); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	req := installRequest("analytics")
	req.Ports = []PortRequest{
		{HostPort: 18001, ContainerPort: 8080},
		{HostPort: 18005, ContainerPort: 8081},
	}
	_, err := e.svc.Install(ctx, "p", req)
	if err == nil || domain.KindOf(err) != domain.KindPortConflict {
		t.Fatalf("expected port_conflict, got %v", err)
	}

	// The claim that succeeded before the conflict must not outlive the
	// failed install.
	if owner, err := e.store.PortOwner(ctx, 18001); err == nil {
		t.Fatalf("port 18001 still reserved by %s after the failed install", owner)
	}
	if owner, _ := e.store.PortOwner(ctx, 18005); owner != "other-module" {
		t.Fatalf("pre-existing reservation disturbed, owner = %q", owner)
	}
}

func TestInstallBudgetExceeded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req := installRequest("big")
	req.Limits = domain.ResourceLimits{CPUCores: 3, MemoryBytes: 1 << 30}
	if _, err := e.svc.Install(ctx, "p", req); err != nil {
		t.Fatalf("first install: %v", err)
	}
	req2 := installRequest("bigger")
	req2.Limits = domain.ResourceLimits{CPUCores: 2, MemoryBytes: 1 << 30}
	_, err := e.svc.Install(ctx, "p", req2)
	if err == nil || domain.KindOf(err) != domain.KindBudgetExceeded {
		t.Fatalf("expected resource_budget_exceeded, got %v", err)
	}
}

func TestInstallLicenseRejected(t *testing.T) {
	e := newEnv(t)
	req := installRequest("analytics")
	req.LicenseKey = ""
	_, err := e.svc.Install(context.Background(), "p", req)
	if err == nil || domain.KindOf(err) != domain.KindLicenseInvalid {
		t.Fatalf("expected license_invalid, got %v", err)
	}
}

func TestStopStartRestart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("install: %v", err)
	}

	if err := e.svc.Stop(ctx, "p", "analytics"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	record, _ := e.store.GetModuleByName(ctx, "analytics")
	if record.Status != domain.StatusStopped {
		t.Fatalf("status after stop = %s", record.Status)
	}
	// Stopping twice reports the conflict.
	if err := e.svc.Stop(ctx, "p", "analytics"); err == nil || domain.KindOf(err) != domain.KindConcurrentModification {
		t.Fatalf("expected concurrent_modification, got %v", err)
	}

	if err := e.svc.Start(ctx, "p", "analytics"); err != nil {
		t.Fatalf("start: %v", err)
	}
	record, _ = e.store.GetModuleByName(ctx, "analytics")
	if record.Status != domain.StatusRunning {
		t.Fatalf("status after start = %s", record.Status)
	}

	if err := e.svc.Restart(ctx, "p", "analytics"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	record, _ = e.store.GetModuleByName(ctx, "analytics")
	if record.Status != domain.StatusRunning {
		t.Fatalf("status after restart = %s", record.Status)
	}
}

func TestUninstall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("install: %v", err)
	}

	if err := e.svc.Uninstall(ctx, "p", "analytics"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := e.store.GetModuleByName(ctx, "analytics"); err == nil {
		t.Fatal("module still visible after uninstall")
	}
	data, _ := os.ReadFile(e.topo)
	if contains(data, "mod-analytics") {
		t.Fatal("topology still carries the module block")
	}
	if _, err := e.store.PortOwner(ctx, 18000); err == nil {
		t.Fatal("port still reserved after uninstall")
	}
	if len(e.eng.created) != 0 {
		t.Fatal("container still present after uninstall")
	}

	// Second uninstall reports not_found without side effects.
	err := e.svc.Uninstall(ctx, "p", "analytics")
	if err == nil || domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}

	// The name is reusable.
	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("reinstall after uninstall: %v", err)
	}
}

func TestForceStopAuditsMonitorOrigin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("install: %v", err)
	}

	if err := e.svc.ForceStop(ctx, "analytics", "resource breach"); err != nil {
		t.Fatalf("force stop: %v", err)
	}
	entries, _ := e.store.ListAudit(ctx, domain.AuditFilter{Operation: domain.OpForceStop})
	if len(entries) != 1 {
		t.Fatalf("expected one force_stop entry, got %d", len(entries))
	}
	if entries[0].Origin != domain.OriginMonitor || entries[0].Detail != "resource breach" {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestStatusMergesLiveState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("install: %v", err)
	}

	detail, err := e.svc.Status(ctx, "analytics")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if detail.Live == nil || !detail.Live.Running {
		t.Fatalf("live state missing: %+v", detail.Live)
	}
	if detail.Stats == nil {
		t.Fatal("stats missing")
	}
	_, err = e.svc.Status(ctx, "ghost")
	if err == nil || domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestInstallRejectsInvalidName(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"", "UPPER", "has space", "-leading", "trailing-"} {
		req := installRequest("x")
		req.Name = name
		_, err := e.svc.Install(context.Background(), "p", req)
		if err == nil || domain.KindOf(err) != domain.KindInvalidInput {
			t.Errorf("name %q: expected invalid_input, got %v", name, err)
		}
	}
}

func TestInstallNameLengthBounds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, name := range []string{"ab", strings.Repeat("a", 51)} {
		req := installRequest("placeholder")
		req.Name = name
		_, err := e.svc.Install(ctx, "p", req)
		if err == nil || domain.KindOf(err) != domain.KindInvalidInput {
			t.Errorf("name %q: expected invalid_input, got %v", name, err)
		}
	}
	for _, name := range []string{"abc", strings.Repeat("a", 50)} {
		req := installRequest("placeholder")
		req.Name = name
		if _, err := e.svc.Install(ctx, "p", req); err != nil {
			t.Errorf("name %q: expected accept, got %v", name, err)
		}
	}
}

func TestAuditRecordsCallerAddr(t *testing.T) {
	e := newEnv(t)
	ctx := domain.WithCallerAddr(context.Background(), "203.0.113.7")

	if _, err := e.svc.Install(ctx, "p", installRequest("analytics")); err != nil {
		t.Fatalf("install: %v", err)
	}
	entries, err := e.store.ListAudit(context.Background(), domain.AuditFilter{ModuleName: "analytics"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d (%v)", len(entries), err)
	}
	if entries[0].CallerAddr != "203.0.113.7" {
		t.Fatalf("caller addr = %q", entries[0].CallerAddr)
	}
}

func TestConcurrentInstallSameNameOneWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const racers = 4
	var wg sync.WaitGroup
	results := make(chan error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.svc.Install(ctx, "p", installRequest("analytics"))
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	successes, duplicates := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case domain.KindOf(err) == domain.KindDuplicateModule:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || duplicates != racers-1 {
		t.Fatalf("successes = %d, duplicates = %d", successes, duplicates)
	}
}

func TestConcurrentInstallSamePortOneWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	names := []string{"alpha", "bravo"}
	var wg sync.WaitGroup
	errs := make([]error, len(names))
	start := make(chan struct{})
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			<-start
			req := installRequest(name)
			req.Ports = []PortRequest{{HostPort: 18005, ContainerPort: 8080}}
			_, errs[i] = e.svc.Install(ctx, "p", req)
		}(i, name)
	}
	close(start)
	wg.Wait()

	successes, conflicts := 0, 0
	winner := ""
	for i, err := range errs {
		switch {
		case err == nil:
			successes++
			winner = names[i]
		case domain.KindOf(err) == domain.KindPortConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("successes = %d, conflicts = %d", successes, conflicts)
	}
	record, err := e.store.GetModuleByName(ctx, winner)
	if err != nil {
		t.Fatalf("winner record: %v", err)
	}
	if owner, _ := e.store.PortOwner(ctx, 18005); owner != record.ID {
		t.Fatalf("port owner = %q, want winner %q", owner, record.ID)
	}
}

func TestConcurrentInstallsRespectBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	names := []string{"alpha", "bravo"}
	var wg sync.WaitGroup
	errs := make([]error, len(names))
	start := make(chan struct{})
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			<-start
			req := installRequest(name)
			req.Limits = domain.ResourceLimits{CPUCores: 3, MemoryBytes: 1 << 30}
			_, errs[i] = e.svc.Install(ctx, "p", req)
		}(i, name)
	}
	close(start)
	wg.Wait()

	successes, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case domain.KindOf(err) == domain.KindBudgetExceeded:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || rejected != 1 {
		t.Fatalf("successes = %d, rejected = %d", successes, rejected)
	}
}

func contains(data []byte, needle string) bool {
	return strings.Contains(string(data), needle)
}
