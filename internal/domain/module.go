package domain

import "time"

// ModuleStatus tracks the lifecycle state of an installed module.
type ModuleStatus string

const (
	StatusPending      ModuleStatus = "PENDING"
	StatusInstalling   ModuleStatus = "INSTALLING"
	StatusRunning      ModuleStatus = "RUNNING"
	StatusStopped      ModuleStatus = "STOPPED"
	StatusError        ModuleStatus = "ERROR"
	StatusUninstalling ModuleStatus = "UNINSTALLING"
)

// ModuleHealth is the last observed health of a running module.
type ModuleHealth string

const (
	HealthUnknown   ModuleHealth = "unknown"
	HealthHealthy   ModuleHealth = "healthy"
	HealthUnhealthy ModuleHealth = "unhealthy"
)

// LicenseMode selects how a module's license key is validated.
type LicenseMode string

const (
	LicenseModeFormat  LicenseMode = "format"
	LicenseModeOffline LicenseMode = "offline"
	LicenseModeOnline  LicenseMode = "online"
)

// PortMapping binds a host port to a container port for one module.
type PortMapping struct {
	HostPort      int `json:"host_port"`
	ContainerPort int `json:"container_port"`
}

// ResourceLimits caps a module's share of the host.
type ResourceLimits struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryBytes int64   `json:"memory_bytes"`
	PidsLimit   int64   `json:"pids_limit"`
}

// ModuleRecord is the registry row for one installed module.
type ModuleRecord struct {
	ID              string
	Name            string
	DisplayName     string
	Image           string
	ImageTag        string
	ImageDigest     string
	Limits          ResourceLimits
	Ports           []PortMapping
	WritablePaths   []string
	HealthCheckPath string
	EnvSealed       []byte
	LicenseKeyEnc   []byte
	LicenseMode     LicenseMode
	Status          ModuleStatus
	Health          ModuleHealth
	ErrorMessage    string
	PrincipalID     string
	ContainerID     string
	InstalledAt     time.Time
	UpdatedAt       time.Time
	LastHealthAt    *time.Time
	DeletedAt       *time.Time
}

// ModuleView is the public projection of a ModuleRecord. Sealed env and
// license material never leave the service.
type ModuleView struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	DisplayName     string         `json:"display_name"`
	Image           string         `json:"image"`
	ImageTag        string         `json:"image_tag"`
	ImageDigest     string         `json:"image_digest,omitempty"`
	Limits          ResourceLimits `json:"limits"`
	Ports           []PortMapping  `json:"ports"`
	HealthCheckPath string         `json:"health_check_path,omitempty"`
	Status          ModuleStatus   `json:"status"`
	Health          ModuleHealth   `json:"health"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	InstalledAt     time.Time      `json:"installed_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// View projects the record into its public shape.
func (m *ModuleRecord) View() ModuleView {
	return ModuleView{
		ID:              m.ID,
		Name:            m.Name,
		DisplayName:     m.DisplayName,
		Image:           m.Image,
		ImageTag:        m.ImageTag,
		ImageDigest:     m.ImageDigest,
		Limits:          m.Limits,
		Ports:           m.Ports,
		HealthCheckPath: m.HealthCheckPath,
		Status:          m.Status,
		Health:          m.Health,
		ErrorMessage:    m.ErrorMessage,
		InstalledAt:     m.InstalledAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// PortReservation records ownership of one host port.
type PortReservation struct {
	HostPort      int
	ContainerPort int
	ModuleID      string
	CreatedAt     time.Time
}

// ModuleStats is a one-shot resource sample for a running module.
type ModuleStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   int64   `json:"memory_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	Pids          int64   `json:"pids"`
	Running       bool    `json:"running"`
}
