package versioncatalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCatalog_CompatibleDefaultsTrue(t *testing.T) {
	cat := NewInMemoryCatalog()
	producer := flow.ServiceRef{ServiceID: "importer-svc", Version: "1.0.0"}
	consumer := flow.ServiceRef{ServiceID: "processor-svc", Version: "1.0.0"}

	ok, err := cat.Compatible(context.Background(), producer, consumer)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInMemoryCatalog_MarkIncompatible(t *testing.T) {
	cat := NewInMemoryCatalog()
	producer := flow.ServiceRef{ServiceID: "importer-svc", Version: "1.0.0"}
	consumer := flow.ServiceRef{ServiceID: "processor-svc", Version: "2.0.0"}
	cat.MarkIncompatible(producer, consumer)

	ok, err := cat.Compatible(context.Background(), producer, consumer)
	require.NoError(t, err)
	assert.False(t, ok)

	other := flow.ServiceRef{ServiceID: "processor-svc", Version: "1.0.0"}
	ok, err = cat.Compatible(context.Background(), producer, other)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInMemoryCatalog_VersionStatus(t *testing.T) {
	cat := NewInMemoryCatalog()
	ref := flow.ServiceRef{ServiceID: "importer-svc", Version: "0.9.0"}

	status, err := cat.VersionStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)

	cat.SetStatus(ref, StatusDeprecated)
	status, err = cat.VersionStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, status)
}

func TestHTTPCatalog_Compatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/compatibility/check", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]bool{"compatible": true})
	}))
	defer srv.Close()

	cat := NewHTTPCatalog(srv.URL)
	ok, err := cat.Compatible(context.Background(),
		flow.ServiceRef{ServiceID: "importer-svc", Version: "1.0.0"},
		flow.ServiceRef{ServiceID: "processor-svc", Version: "1.0.0"},
	)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPCatalog_VersionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "DEPRECATED"})
	}))
	defer srv.Close()

	cat := NewHTTPCatalog(srv.URL)
	status, err := cat.VersionStatus(context.Background(), flow.ServiceRef{ServiceID: "importer-svc", Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, status)
}

func TestHTTPCatalog_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cat := NewHTTPCatalog(srv.URL)
	_, err := cat.Compatible(context.Background(), flow.ServiceRef{}, flow.ServiceRef{})
	assert.Error(t, err)
}

func TestParseSemver(t *testing.T) {
	v, err := ParseSemver("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Major())

	_, err = ParseSemver("not-a-version")
	assert.Error(t, err)
}
