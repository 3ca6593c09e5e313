package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/modhost/internal/domain"
)

const (
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerIndex    = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeOCIManifest    = "application/vnd.oci.image.manifest.v1+json"
	mediaTypeOCIIndex       = "application/vnd.oci.image.index.v1+json"
)

// ImageRef is a normalized reference to a registry image.
type ImageRef struct {
	Registry   string
	Repository string
	Tag        string
}

// String renders the reference in pullable form.
func (r ImageRef) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// Validator enforces the image admission policy: trusted registries only,
// pinned tags, and a manifest size ceiling checked without pulling layers.
type Validator struct {
	trusted     map[string]struct{}
	sizeCeiling int64
	client      *http.Client
	scheme      string
	log         *slog.Logger
}

// NewValidator constructs an image policy validator.
func NewValidator(trustedRegistries []string, sizeCeiling int64, log *slog.Logger) *Validator {
	trusted := make(map[string]struct{}, len(trustedRegistries))
	for _, reg := range trustedRegistries {
		trusted[strings.ToLower(strings.TrimSpace(reg))] = struct{}{}
	}
	return &Validator{
		trusted:     trusted,
		sizeCeiling: sizeCeiling,
		client:      &http.Client{Timeout: 15 * time.Second},
		scheme:      "https",
		log:         log.With("component", "image_policy"),
	}
}

// ParseRef normalizes an image reference. Bare names default to Docker Hub's
// registry host and library namespace.
func ParseRef(ref string) (ImageRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ImageRef{}, domain.Ef(domain.KindPolicyViolation, "empty image reference")
	}
	if strings.Contains(ref, "@") {
		return ImageRef{}, domain.Ef(domain.KindPolicyViolation, "digest references are not accepted, supply a registry tag")
	}

	name := ref
	tag := ""
	if idx := strings.LastIndex(ref, ":"); idx > strings.LastIndex(ref, "/") {
		name = ref[:idx]
		tag = ref[idx+1:]
	}
	if tag == "" {
		return ImageRef{}, domain.Ef(domain.KindPolicyViolation, "image tag is required")
	}
	if tag == "latest" {
		return ImageRef{}, domain.Ef(domain.KindPolicyViolation, "floating tag %q is not allowed", tag)
	}

	registry := "registry-1.docker.io"
	repo := name
	if idx := strings.Index(name, "/"); idx >= 0 {
		first := name[:idx]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			registry = first
			repo = name[idx+1:]
		}
	}
	if registry == "registry-1.docker.io" && !strings.Contains(repo, "/") {
		repo = "library/" + repo
	}
	if repo == "" {
		return ImageRef{}, domain.Ef(domain.KindPolicyViolation, "image repository is required")
	}
	return ImageRef{Registry: strings.ToLower(registry), Repository: repo, Tag: tag}, nil
}

// Validate checks a raw image reference against the admission policy and
// returns its normalized form.
func (v *Validator) Validate(ctx context.Context, rawRef string) (ImageRef, error) {
	ref, err := ParseRef(rawRef)
	if err != nil {
		return ImageRef{}, err
	}
	if _, ok := v.trusted[ref.Registry]; !ok {
		return ImageRef{}, domain.Ef(domain.KindPolicyViolation, "registry %q is not on the trusted list", ref.Registry)
	}

	size, err := v.manifestSize(ctx, ref)
	if err != nil {
		return ImageRef{}, err
	}
	if v.sizeCeiling > 0 && size > v.sizeCeiling {
		return ImageRef{}, domain.Ef(domain.KindPolicyViolation,
			"image size %d bytes exceeds the %d byte ceiling", size, v.sizeCeiling)
	}
	v.log.Debug("image admitted", "image", ref.String(), "size_bytes", size)
	return ref, nil
}

type manifestDoc struct {
	MediaType string `json:"mediaType"`
	Config    struct {
		Size int64 `json:"size"`
	} `json:"config"`
	Layers []struct {
		Size int64 `json:"size"`
	} `json:"layers"`
	Manifests []struct {
		Digest   string `json:"digest"`
		Platform struct {
			OS           string `json:"os"`
			Architecture string `json:"architecture"`
		} `json:"platform"`
	} `json:"manifests"`
}

// manifestSize sums config and layer sizes from the registry manifest. One
// transient failure is retried with fibonacci backoff; policy rejections are
// terminal.
func (v *Validator) manifestSize(ctx context.Context, ref ImageRef) (int64, error) {
	var size int64
	backoff := retry.WithMaxRetries(1, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		doc, err := v.fetchManifest(ctx, ref, ref.Tag, "")
		if err != nil {
			return err
		}
		if doc.MediaType == mediaTypeDockerIndex || doc.MediaType == mediaTypeOCIIndex || len(doc.Manifests) > 0 {
			digest := pickPlatformDigest(doc)
			if digest == "" {
				return domain.Ef(domain.KindPolicyViolation, "image index carries no usable platform manifest")
			}
			doc, err = v.fetchManifest(ctx, ref, digest, "")
			if err != nil {
				return err
			}
		}
		size = doc.Config.Size
		for _, layer := range doc.Layers {
			size += layer.Size
		}
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindPolicyViolation {
			return 0, err
		}
		return 0, domain.E(domain.KindPolicyViolation, "registry manifest check failed", err)
	}
	return size, nil
}

func pickPlatformDigest(doc manifestDoc) string {
	for _, m := range doc.Manifests {
		if m.Platform.OS == "linux" && m.Platform.Architecture == "amd64" {
			return m.Digest
		}
	}
	if len(doc.Manifests) > 0 {
		return doc.Manifests[0].Digest
	}
	return ""
}

func (v *Validator) fetchManifest(ctx context.Context, ref ImageRef, reference, token string) (manifestDoc, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", v.scheme, ref.Registry, ref.Repository, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return manifestDoc{}, err
	}
	req.Header.Set("Accept", strings.Join([]string{
		mediaTypeOCIManifest, mediaTypeOCIIndex,
		mediaTypeDockerManifest, mediaTypeDockerIndex,
	}, ", "))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return manifestDoc{}, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized && token == "":
		bearer, err := v.anonymousToken(ctx, resp.Header.Get("WWW-Authenticate"))
		if err != nil {
			return manifestDoc{}, err
		}
		return v.fetchManifest(ctx, ref, reference, bearer)
	case resp.StatusCode == http.StatusNotFound:
		return manifestDoc{}, domain.Ef(domain.KindPolicyViolation, "image %s:%s not found in registry", ref.Repository, reference)
	case resp.StatusCode >= 500:
		return manifestDoc{}, retry.RetryableError(fmt.Errorf("registry returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return manifestDoc{}, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	var doc manifestDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return manifestDoc{}, err
	}
	return doc, nil
}

// anonymousToken follows a Bearer challenge for public read access.
func (v *Validator) anonymousToken(ctx context.Context, challenge string) (string, error) {
	realm, params := parseBearerChallenge(challenge)
	if realm == "" {
		return "", fmt.Errorf("registry denied access without a bearer challenge")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	for k, val := range params {
		q.Set(k, val)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := v.client.Do(req)
	if err != nil {
		return "", retry.RetryableError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Token, nil
}

func parseBearerChallenge(header string) (string, map[string]string) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", nil
	}
	params := map[string]string{}
	realm := ""
	for _, part := range strings.Split(header[len(prefix):], ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.Trim(kv[1], `"`)
		if kv[0] == "realm" {
			realm = value
			continue
		}
		params[kv[0]] = value
	}
	return realm, params
}
