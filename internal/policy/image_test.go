package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/splax/modhost/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    ImageRef
		wantErr bool
	}{
		{
			name: "bare hub image",
			in:   "redis:7.2",
			want: ImageRef{Registry: "registry-1.docker.io", Repository: "library/redis", Tag: "7.2"},
		},
		{
			name: "namespaced hub image",
			in:   "acme/agent:1.0.3",
			want: ImageRef{Registry: "registry-1.docker.io", Repository: "acme/agent", Tag: "1.0.3"},
		},
		{
			name: "explicit registry with port",
			in:   "registry.local:5000/tools/scanner:v2",
			want: ImageRef{Registry: "registry.local:5000", Repository: "tools/scanner", Tag: "v2"},
		},
		{name: "missing tag", in: "acme/agent", wantErr: true},
		{name: "latest tag", in: "acme/agent:latest", wantErr: true},
		{name: "digest ref", in: "acme/agent@sha256:abc", wantErr: true},
		{name: "empty", in: "  ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRef(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				if domain.KindOf(err) != domain.KindPolicyViolation {
					t.Fatalf("expected policy_violation, got %v", domain.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func newRegistry(t *testing.T, configSize int64, layerSizes []int64) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/manifests/") {
			http.NotFound(w, r)
			return
		}
		doc := map[string]any{
			"mediaType": mediaTypeOCIManifest,
			"config":    map[string]int64{"size": configSize},
		}
		layers := make([]map[string]int64, 0, len(layerSizes))
		for _, s := range layerSizes {
			layers = append(layers, map[string]int64{"size": s})
		}
		doc["layers"] = layers
		_ = json.NewEncoder(w).Encode(doc)
	}))
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return srv, u.Host
}

func TestValidateUntrustedRegistry(t *testing.T) {
	v := NewValidator([]string{"ghcr.io"}, 0, testLogger())
	_, err := v.Validate(context.Background(), "evil.example.com/acme/agent:1.0")
	if err == nil || domain.KindOf(err) != domain.KindPolicyViolation {
		t.Fatalf("expected policy_violation, got %v", err)
	}
}

func TestValidateSizeCeiling(t *testing.T) {
	srv, host := newRegistry(t, 100, []int64{1000, 2000})
	defer srv.Close()

	v := NewValidator([]string{host}, 3000, testLogger())
	v.scheme = "http"
	_, err := v.Validate(context.Background(), host+"/acme/agent:1.0")
	if err == nil || domain.KindOf(err) != domain.KindPolicyViolation {
		t.Fatalf("expected policy_violation for oversized image, got %v", err)
	}

	v = NewValidator([]string{host}, 4000, testLogger())
	v.scheme = "http"
	ref, err := v.Validate(context.Background(), host+"/acme/agent:1.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Repository != "acme/agent" || ref.Tag != "1.0" {
		t.Fatalf("unexpected normalized ref: %+v", ref)
	}
}

func TestValidateUnknownImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	v := NewValidator([]string{u.Host}, 0, testLogger())
	v.scheme = "http"
	_, err := v.Validate(context.Background(), u.Host+"/acme/missing:1.0")
	if err == nil || domain.KindOf(err) != domain.KindPolicyViolation {
		t.Fatalf("expected policy_violation for missing image, got %v", err)
	}
}
