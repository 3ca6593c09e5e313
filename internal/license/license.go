package license

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/splax/modhost/internal/domain"
)

var (
	groupedKeyPattern  = regexp.MustCompile(`^[A-Z0-9]{3,8}(-[A-Z0-9]{3,8}){2,}$`)
	uuidKeyPattern     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	opaqueKeyPattern   = regexp.MustCompile(`^[A-Za-z0-9]{20,}$`)
	offlineTailPattern = regexp.MustCompile(`^(\d+)-([0-9a-f]{10})$`)
)

// Validator checks module license keys before install. Online validation
// fails closed: an unreachable license service rejects the install.
type Validator struct {
	serviceURL string
	client     *http.Client
	log        *slog.Logger
}

// NewValidator constructs a license validator. serviceURL may be empty when
// online validation is not configured.
func NewValidator(serviceURL string, timeout time.Duration, log *slog.Logger) *Validator {
	return &Validator{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: timeout},
		log:        log.With("component", "license"),
	}
}

// Redact returns the loggable reference for a key. Full keys never appear in
// logs, errors, or API responses.
func Redact(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "…" + key[len(key)-4:]
}

// Validate checks the key for moduleName under the given mode.
func (v *Validator) Validate(ctx context.Context, mode domain.LicenseMode, moduleName, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Ef(domain.KindLicenseInvalid, "license key is required")
	}

	switch mode {
	case domain.LicenseModeFormat:
		return v.validateFormat(key)
	case domain.LicenseModeOffline:
		return v.validateOffline(moduleName, key)
	case domain.LicenseModeOnline:
		return v.validateOnline(ctx, moduleName, key)
	default:
		return domain.Ef(domain.KindLicenseInvalid, "unknown license mode %q", mode)
	}
}

func (v *Validator) validateFormat(key string) error {
	if groupedKeyPattern.MatchString(key) || uuidKeyPattern.MatchString(key) || opaqueKeyPattern.MatchString(key) {
		return nil
	}
	return domain.Ef(domain.KindLicenseInvalid, "license key %s does not match any accepted format", Redact(key))
}

// validateOffline checks the embedded checksum of a MOD-<module>-<ts>-<sum>
// key, where sum is the first ten hex chars of sha256(module+ts).
func (v *Validator) validateOffline(moduleName, key string) error {
	prefix := "MOD-" + moduleName + "-"
	if !strings.HasPrefix(key, prefix) {
		return domain.Ef(domain.KindLicenseInvalid, "license key %s was not issued for this module", Redact(key))
	}
	m := offlineTailPattern.FindStringSubmatch(strings.TrimPrefix(key, prefix))
	if m == nil {
		return domain.Ef(domain.KindLicenseInvalid, "license key %s is not a well-formed offline key", Redact(key))
	}
	timestamp, checksum := m[1], m[2]
	if Checksum(moduleName, timestamp) != checksum {
		return domain.Ef(domain.KindLicenseInvalid, "license key %s failed checksum verification", Redact(key))
	}
	return nil
}

// Checksum derives the offline key checksum fragment.
func Checksum(moduleName, timestamp string) string {
	sum := sha256.Sum256([]byte(moduleName + timestamp))
	return hex.EncodeToString(sum[:])[:10]
}

func (v *Validator) validateOnline(ctx context.Context, moduleName, key string) error {
	if v.serviceURL == "" {
		return domain.Ef(domain.KindLicenseInvalid, "online license validation is not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"module": moduleName,
		"key":    key,
	})
	if err != nil {
		return domain.E(domain.KindLicenseInvalid, "encode validation request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.serviceURL, bytes.NewReader(payload))
	if err != nil {
		return domain.E(domain.KindLicenseInvalid, "build validation request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Warn("license service unreachable", "module", moduleName, "key", Redact(key), "error", err)
		return domain.Ef(domain.KindLicenseInvalid, "license service unreachable, install rejected")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Ef(domain.KindLicenseInvalid, "license service rejected key %s", Redact(key))
	}
	var body struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.E(domain.KindLicenseInvalid, "decode license service response", err)
	}
	if !body.Valid {
		reason := body.Reason
		if reason == "" {
			reason = "key rejected"
		}
		return domain.Ef(domain.KindLicenseInvalid, "license service: %s", reason)
	}
	return nil
}

// Ping probes the license service for healthz. A validator without a service
// configured always reports healthy.
func (v *Validator) Ping(ctx context.Context) error {
	if v.serviceURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.serviceURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("license service unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
