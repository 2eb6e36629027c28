package canary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type browseRequest struct {
	Path         string `json:"path"`
	Deep         bool   `json:"deep"`
	MaxSize      int    `json:"maxSize"`
	Continuation string `json:"continuation"`
}

func browseServer(t *testing.T, datasets map[string][][]string, calls *atomic.Int64) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req browseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Deep)

		pages, ok := datasets[req.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		page := 0
		if req.Continuation != "" {
			page = int(req.Continuation[0] - '0')
		}
		resp := map[string]any{"tags": pages[page]}
		if page+1 < len(pages) {
			resp["continuation"] = string(rune('0' + page + 1))
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestResolveFindsTagInFirstFamilyMember(t *testing.T) {
	var calls atomic.Int64
	server := browseServer(t, map[string][][]string{
		"Secil": {{"Secil.PlantX.EdgeA.DeviceA.Temp", "Secil.PlantX.EdgeA.DeviceA.Flow"}},
	}, &calls)

	r := NewDatasetResolver(ResolverConfig{
		BaseURL:  server.URL,
		APIToken: "api-token",
		Prefix:   "Secil",
	}, server.Client(), zaptest.NewLogger(t))

	dataset, err := r.Resolve(context.Background(), "PlantX.EdgeA.DeviceA.Temp")
	require.NoError(t, err)
	assert.Equal(t, "Secil", dataset)
}

func TestResolvePagesWithContinuation(t *testing.T) {
	var calls atomic.Int64
	server := browseServer(t, map[string][][]string{
		"Secil": {
			{"Secil.other.tag1", "Secil.other.tag2"},
			{"Secil.PlantX.EdgeA.DeviceA.Temp"},
		},
	}, &calls)

	r := NewDatasetResolver(ResolverConfig{
		BaseURL:  server.URL,
		APIToken: "api-token",
		Prefix:   "Secil",
	}, server.Client(), zaptest.NewLogger(t))

	dataset, err := r.Resolve(context.Background(), "PlantX.EdgeA.DeviceA.Temp")
	require.NoError(t, err)
	assert.Equal(t, "Secil", dataset)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolveProbesFamilyMembers(t *testing.T) {
	var calls atomic.Int64
	server := browseServer(t, map[string][][]string{
		"Secil":  {{"Secil.unrelated"}},
		"Secil2": {{"Secil2.PlantY.EdgeB.DeviceB.Flow"}},
	}, &calls)

	r := NewDatasetResolver(ResolverConfig{
		BaseURL:    server.URL,
		APIToken:   "api-token",
		Prefix:     "Secil",
		FamilySize: 3,
	}, server.Client(), zaptest.NewLogger(t))

	dataset, err := r.Resolve(context.Background(), "PlantY.EdgeB.DeviceB.Flow")
	require.NoError(t, err)
	assert.Equal(t, "Secil2", dataset)
}

func TestResolveCachesPerPath(t *testing.T) {
	var calls atomic.Int64
	server := browseServer(t, map[string][][]string{
		"Secil": {{"Secil.PlantX.EdgeA.DeviceA.Temp"}},
	}, &calls)

	r := NewDatasetResolver(ResolverConfig{
		BaseURL:  server.URL,
		APIToken: "api-token",
		Prefix:   "Secil",
	}, server.Client(), zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "PlantX.EdgeA.DeviceA.Temp")
	require.NoError(t, err)
	before := calls.Load()
	_, err = r.Resolve(context.Background(), "PlantX.EdgeA.DeviceA.Temp")
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load())
}

func TestResolveUnknownPathFailsWithDatasetNotFound(t *testing.T) {
	var calls atomic.Int64
	server := browseServer(t, map[string][][]string{
		"Secil": {{"Secil.unrelated"}},
	}, &calls)

	r := NewDatasetResolver(ResolverConfig{
		BaseURL:    server.URL,
		APIToken:   "api-token",
		Prefix:     "Secil",
		FamilySize: 2,
	}, server.Client(), zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "PlantZ.Missing")
	var notFound *DatasetNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "PlantZ.Missing", notFound.CanaryID)
}

func TestResolveOverrideSkipsBrowse(t *testing.T) {
	var calls atomic.Int64
	server := browseServer(t, nil, &calls)

	r := NewDatasetResolver(ResolverConfig{
		BaseURL:  server.URL,
		Prefix:   "Secil",
		Override: "ValidationDS",
	}, server.Client(), zaptest.NewLogger(t))

	dataset, err := r.Resolve(context.Background(), "any.path")
	require.NoError(t, err)
	assert.Equal(t, "ValidationDS", dataset)
	assert.Zero(t, calls.Load())
}
