package topology

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/splax/modhost/internal/domain"
)

// Document is the parsed service topology file. Inline raw maps preserve
// sections and fields this service does not manage, so a round-trip never
// drops another team's configuration.
type Document struct {
	Services map[string]Service     `yaml:"services"`
	Networks map[string]interface{} `yaml:"networks,omitempty"`
	Volumes  map[string]interface{} `yaml:"volumes,omitempty"`
	Raw      map[string]interface{} `yaml:",inline"`
}

// Service is one service block in the topology.
type Service struct {
	Image         string                 `yaml:"image,omitempty"`
	ContainerName string                 `yaml:"container_name,omitempty"`
	Ports         []string               `yaml:"ports,omitempty"`
	Environment   map[string]string      `yaml:"environment,omitempty"`
	Networks      []string               `yaml:"networks,omitempty"`
	Labels        map[string]string      `yaml:"labels,omitempty"`
	Restart       string                 `yaml:"restart,omitempty"`
	Raw           map[string]interface{} `yaml:",inline"`
}

// ValidateFunc runs an external dry-run check against a candidate topology
// file before it is committed.
type ValidateFunc func(ctx context.Context, path string) error

// ExecValidator shells out to the compose CLI for a config dry-run.
func ExecValidator(composeBinary string) ValidateFunc {
	return func(ctx context.Context, path string) error {
		cmd := exec.CommandContext(ctx, composeBinary, "compose", "-f", path, "config", "-q")
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("compose dry-run: %s: %w", strings.TrimSpace(string(out)), err)
		}
		return nil
	}
}

// Manager serializes every mutation of the shared topology file. The mutex is
// the platform-wide choke point: only one transaction touches the file at a
// time, regardless of which module it concerns.
type Manager struct {
	mu        sync.Mutex
	path      string
	backupDir string
	retention int
	dryRun    ValidateFunc
	log       *slog.Logger
}

// NewManager constructs a Manager. dryRun may be nil to skip the external
// check.
func NewManager(path, backupDir string, retention int, dryRun ValidateFunc, log *slog.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("empty topology path")
	}
	if backupDir == "" {
		backupDir = filepath.Dir(path)
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if retention <= 0 {
		retention = 10
	}
	return &Manager{
		path:      path,
		backupDir: backupDir,
		retention: retention,
		dryRun:    dryRun,
		log:       log.With("component", "topology"),
	}, nil
}

// Mutate runs one full transaction: backup, patch, validate, commit. It
// returns the backup file path so a caller can revert the change if a later
// step of its own flow fails. On any error the live file is left untouched.
func (m *Manager) Mutate(ctx context.Context, patch func(*Document) error) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", domain.E(domain.KindConfigValidationFailed, "read topology file", err)
		}
		original = []byte{}
	}

	backupPath, err := m.writeBackup(original)
	if err != nil {
		return "", domain.E(domain.KindConfigValidationFailed, "write topology backup", err)
	}
	m.pruneBackups()

	var doc Document
	if err := yaml.Unmarshal(original, &doc); err != nil {
		return "", domain.E(domain.KindConfigValidationFailed, "topology file is not valid yaml", err)
	}
	if doc.Services == nil {
		doc.Services = map[string]Service{}
	}

	if err := patch(&doc); err != nil {
		return "", err
	}
	if err := validate(&doc); err != nil {
		return "", err
	}

	candidate, err := yaml.Marshal(&doc)
	if err != nil {
		return "", domain.E(domain.KindConfigValidationFailed, "encode topology", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, candidate, 0o644); err != nil {
		return "", domain.E(domain.KindConfigValidationFailed, "stage topology candidate", err)
	}
	if m.dryRun != nil {
		if err := m.dryRun(ctx, tmp); err != nil {
			_ = os.Remove(tmp)
			return "", domain.E(domain.KindConfigValidationFailed, "topology dry-run rejected the change", err)
		}
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		if restoreErr := os.WriteFile(m.path, original, 0o644); restoreErr != nil {
			m.log.Error("topology rollback failed", "error", restoreErr)
			return "", domain.E(domain.KindConfigRollbackFailed, "topology commit and rollback both failed", restoreErr)
		}
		return "", domain.E(domain.KindConfigValidationFailed, "commit topology", err)
	}

	m.log.Info("topology committed", "backup", filepath.Base(backupPath))
	return backupPath, nil
}

// Revert restores the topology file byte-for-byte from a backup taken by an
// earlier Mutate. It is the compensating action for a committed transaction.
func (m *Manager) Revert(ctx context.Context, backupPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(backupPath)
	if err != nil {
		m.log.Error("topology rollback failed", "error", err)
		return domain.E(domain.KindConfigRollbackFailed, "read topology backup", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.log.Error("topology rollback failed", "error", err)
		return domain.E(domain.KindConfigRollbackFailed, "stage topology restore", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.log.Error("topology rollback failed", "error", err)
		return domain.E(domain.KindConfigRollbackFailed, "restore topology", err)
	}
	m.log.Warn("topology reverted", "backup", filepath.Base(backupPath))
	return nil
}

// Load parses the current topology without taking a transaction.
func (m *Manager) Load() (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Services: map[string]Service{}}, nil
		}
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Services == nil {
		doc.Services = map[string]Service{}
	}
	return &doc, nil
}

func (m *Manager) writeBackup(data []byte) (string, error) {
	name := fmt.Sprintf("%s.%d.bak", filepath.Base(m.path), time.Now().UnixNano())
	path := filepath.Join(m.backupDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// pruneBackups keeps the newest retention backups. Failure to prune never
// fails the transaction.
func (m *Manager) pruneBackups() {
	pattern := filepath.Join(m.backupDir, filepath.Base(m.path)+".*.bak")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= m.retention {
		return
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-m.retention] {
		if err := os.Remove(stale); err != nil {
			m.log.Warn("prune backup failed", "error", err)
		}
	}
}

// validate performs structural checks on a patched document.
func validate(doc *Document) error {
	if doc.Services == nil {
		return domain.Ef(domain.KindConfigValidationFailed, "topology has no services section")
	}
	for name, svc := range doc.Services {
		if strings.TrimSpace(name) == "" {
			return domain.Ef(domain.KindConfigValidationFailed, "topology contains a service with an empty name")
		}
		if svc.Image == "" && svc.Raw["build"] == nil {
			return domain.Ef(domain.KindConfigValidationFailed, "service %q has neither image nor build", name)
		}
		for _, port := range svc.Ports {
			if strings.TrimSpace(port) == "" {
				return domain.Ef(domain.KindConfigValidationFailed, "service %q has an empty port mapping", name)
			}
		}
	}
	return nil
}

// UpsertModuleService writes the managed block for one module into the
// document, leaving every other block untouched.
func UpsertModuleService(doc *Document, moduleName string, svc Service) {
	if svc.Labels == nil {
		svc.Labels = map[string]string{}
	}
	svc.Labels["modhost.managed"] = "true"
	doc.Services[moduleName] = svc
}

// RemoveModuleService deletes the managed block for one module. Removing an
// absent block is a no-op so uninstall stays idempotent.
func RemoveModuleService(doc *Document, moduleName string) {
	delete(doc.Services, moduleName)
}
