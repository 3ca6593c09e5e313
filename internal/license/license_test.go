package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/splax/modhost/internal/domain"
)

func newValidator(serviceURL string) *Validator {
	return NewValidator(serviceURL, 2*time.Second, slog.New(slog.DiscardHandler))
}

func TestValidateFormat(t *testing.T) {
	v := newValidator("")
	valid := []string{
		"ABC-DEF-GHI",
		"AB12-CD34-EF56-GH78",
		"550e8400-e29b-41d4-a716-446655440000",
		"abcdefghij0123456789XYZ",
	}
	for _, key := range valid {
		if err := v.Validate(context.Background(), domain.LicenseModeFormat, "analytics", key); err != nil {
			t.Errorf("key %q rejected: %v", key, err)
		}
	}
	invalid := []string{"", "short", "ab-cd", "has spaces in it definitely"}
	for _, key := range invalid {
		err := v.Validate(context.Background(), domain.LicenseModeFormat, "analytics", key)
		if err == nil {
			t.Errorf("key %q accepted", key)
		} else if domain.KindOf(err) != domain.KindLicenseInvalid {
			t.Errorf("key %q: expected license_invalid, got %v", key, domain.KindOf(err))
		}
	}
}

func TestValidateOffline(t *testing.T) {
	v := newValidator("")
	ts := fmt.Sprintf("%d", time.Now().Unix())
	key := "MOD-analytics-" + ts + "-" + Checksum("analytics", ts)

	if err := v.Validate(context.Background(), domain.LicenseModeOffline, "analytics", key); err != nil {
		t.Fatalf("valid offline key rejected: %v", err)
	}
	if err := v.Validate(context.Background(), domain.LicenseModeOffline, "billing", key); err == nil {
		t.Fatal("key for another module accepted")
	}
	tampered := key[:len(key)-1] + flipHex(key[len(key)-1])
	if err := v.Validate(context.Background(), domain.LicenseModeOffline, "analytics", tampered); err == nil {
		t.Fatal("tampered checksum accepted")
	}
}

func flipHex(b byte) string {
	if b == '0' {
		return "1"
	}
	return "0"
}

func TestValidateOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Module string `json:"module"`
			Key    string `json:"key"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": body.Key == "GOOD-KEY-111"})
	}))
	defer srv.Close()

	v := newValidator(srv.URL)
	if err := v.Validate(context.Background(), domain.LicenseModeOnline, "analytics", "GOOD-KEY-111"); err != nil {
		t.Fatalf("good key rejected: %v", err)
	}
	if err := v.Validate(context.Background(), domain.LicenseModeOnline, "analytics", "BAD-KEY-2222"); err == nil {
		t.Fatal("bad key accepted")
	}
}

func TestValidateOnlineFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	v := newValidator(srv.URL)
	err := v.Validate(context.Background(), domain.LicenseModeOnline, "analytics", "GOOD-KEY-111")
	if err == nil {
		t.Fatal("unreachable license service did not reject install")
	}
	if domain.KindOf(err) != domain.KindLicenseInvalid {
		t.Fatalf("expected license_invalid, got %v", domain.KindOf(err))
	}
}

func TestRedact(t *testing.T) {
	key := "MOD-analytics-1700000000-abcdef0123"
	got := Redact(key)
	if strings.Contains(got, "analytics") || len(got) >= len(key) {
		t.Fatalf("redaction leaks key material: %q", got)
	}
	if Redact("short") != "********" {
		t.Fatalf("short keys must be fully masked")
	}
}
