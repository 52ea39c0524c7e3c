// Package versioncatalog is a read-only client for the external
// version-management catalog named in spec.md §1: a service that knows
// which (producer,consumer) service-version pairs are compatible and
// whether a given service version is ACTIVE, DEPRECATED, or ARCHIVED.
//
// Grounded on the reference's minimal-dependency sdk/go/client.HelmClient
// (net/http + encoding/json, no generated transport) and
// registry.PostgresRegistry's use of Masterminds/semver/v3 for version
// comparisons.
package versioncatalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/flowkit/orchestrator/pkg/flow"
)

// Status mirrors the version lifecycle states consulted at Execution-mode
// validation in spec.md §4.1.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusDeprecated Status = "DEPRECATED"
	StatusArchived   Status = "ARCHIVED"
)

// Catalog is the read-only oracle the validator consults.
type Catalog interface {
	Compatible(ctx context.Context, producer, consumer flow.ServiceRef) (bool, error)
	VersionStatus(ctx context.Context, ref flow.ServiceRef) (Status, error)
}

// HTTPCatalog calls an external catalog service over HTTP.
type HTTPCatalog struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPCatalog builds a client with sane defaults, matching the
// reference SDK's New() constructor shape.
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type compatRequest struct {
	ProducerID      string `json:"producerServiceId"`
	ProducerVersion string `json:"producerVersion"`
	ConsumerID      string `json:"consumerServiceId"`
	ConsumerVersion string `json:"consumerVersion"`
}

type compatResponse struct {
	Compatible bool `json:"compatible"`
}

func (c *HTTPCatalog) Compatible(ctx context.Context, producer, consumer flow.ServiceRef) (bool, error) {
	reqBody, err := json.Marshal(compatRequest{
		ProducerID:      producer.ServiceID,
		ProducerVersion: producer.Version,
		ConsumerID:      consumer.ServiceID,
		ConsumerVersion: consumer.Version,
	})
	if err != nil {
		return false, fmt.Errorf("versioncatalog: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/compatibility/check", bytes.NewReader(reqBody))
	if err != nil {
		return false, fmt.Errorf("versioncatalog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("versioncatalog: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("versioncatalog: unexpected status %d", resp.StatusCode)
	}

	var out compatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("versioncatalog: decode response: %w", err)
	}
	return out.Compatible, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *HTTPCatalog) VersionStatus(ctx context.Context, ref flow.ServiceRef) (Status, error) {
	url := fmt.Sprintf("%s/v1/services/%s/versions/%s", c.BaseURL, ref.ServiceID, ref.Version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("versioncatalog: build request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("versioncatalog: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("versioncatalog: unexpected status %d", resp.StatusCode)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("versioncatalog: decode response: %w", err)
	}
	return Status(out.Status), nil
}

// ParseSemver is a small helper for ordering versions when a catalog rule
// is expressed as a range rather than an explicit pair — wraps
// Masterminds/semver/v3 so callers don't take the dependency directly.
// Nothing else in this module calls it.
func ParseSemver(v string) (*semver.Version, error) {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("versioncatalog: invalid semver %q: %w", v, err)
	}
	return sv, nil
}

// InMemoryCatalog is a fake used by validator unit tests and as a default
// for standalone/dev deployments without an external catalog service.
type InMemoryCatalog struct {
	// Incompatible lists producer->consumer pairs (by "serviceId@version")
	// explicitly marked incompatible; everything else is compatible.
	Incompatible map[string]map[string]bool
	Statuses     map[string]Status
}

func NewInMemoryCatalog() *InMemoryCatalog {
	return &InMemoryCatalog{
		Incompatible: make(map[string]map[string]bool),
		Statuses:     make(map[string]Status),
	}
}

func (c *InMemoryCatalog) MarkIncompatible(producer, consumer flow.ServiceRef) {
	p := producer.String()
	if c.Incompatible[p] == nil {
		c.Incompatible[p] = make(map[string]bool)
	}
	c.Incompatible[p][consumer.String()] = true
}

func (c *InMemoryCatalog) SetStatus(ref flow.ServiceRef, status Status) {
	c.Statuses[ref.String()] = status
}

func (c *InMemoryCatalog) Compatible(_ context.Context, producer, consumer flow.ServiceRef) (bool, error) {
	if m, ok := c.Incompatible[producer.String()]; ok && m[consumer.String()] {
		return false, nil
	}
	return true, nil
}

func (c *InMemoryCatalog) VersionStatus(_ context.Context, ref flow.ServiceRef) (Status, error) {
	if s, ok := c.Statuses[ref.String()]; ok {
		return s, nil
	}
	return StatusActive, nil
}
