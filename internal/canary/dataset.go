package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DatasetNotFoundError reports a canonical path with no tag in any dataset of
// the configured prefix family. It is dead-letter-eligible and never retried.
type DatasetNotFoundError struct {
	CanaryID string
}

func (e *DatasetNotFoundError) Error() string {
	return fmt.Sprintf("no dataset contains tag %q", e.CanaryID)
}

// ResolverConfig controls dataset discovery.
type ResolverConfig struct {
	BaseURL string
	// APIToken authenticates browse requests that run without a session.
	APIToken string
	// Prefix names the dataset family: Prefix, Prefix2, Prefix3, …
	Prefix string
	// FamilySize bounds how many family members are probed.
	FamilySize int
	// Override forces a fixed dataset name, used for validation runs.
	// Auto-creation is only meaningful in override mode.
	Override      string
	BrowsePath    string
	BrowseMaxSize int
}

// DatasetResolver locates the dataset holding each canonical path by deep
// browsing the historian namespace, caching resolutions per path.
type DatasetResolver struct {
	cfg    ResolverConfig
	client *http.Client
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewDatasetResolver builds a resolver. client may be nil.
func NewDatasetResolver(cfg ResolverConfig, client *http.Client, logger *zap.Logger) *DatasetResolver {
	if cfg.FamilySize <= 0 {
		cfg.FamilySize = 10
	}
	if cfg.BrowsePath == "" {
		cfg.BrowsePath = "/browseTags"
	}
	if cfg.BrowseMaxSize <= 0 {
		cfg.BrowseMaxSize = 10_000
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatasetResolver{
		cfg:    cfg,
		client: client,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// Resolve returns the dataset that contains canaryID. Override mode skips
// discovery entirely.
func (r *DatasetResolver) Resolve(ctx context.Context, canaryID string) (string, error) {
	if r.cfg.Override != "" {
		return r.cfg.Override, nil
	}

	r.mu.Lock()
	if dataset, ok := r.cache[canaryID]; ok {
		r.mu.Unlock()
		return dataset, nil
	}
	r.mu.Unlock()

	for i := 1; i <= r.cfg.FamilySize; i++ {
		dataset := r.cfg.Prefix
		if i > 1 {
			dataset += strconv.Itoa(i)
		}
		found, err := r.browseFor(ctx, dataset, canaryID)
		if err != nil {
			return "", err
		}
		if found {
			r.mu.Lock()
			r.cache[canaryID] = dataset
			r.mu.Unlock()
			r.logger.Debug("dataset resolved",
				zap.String("canary_id", canaryID),
				zap.String("dataset", dataset),
			)
			return dataset, nil
		}
	}
	return "", &DatasetNotFoundError{CanaryID: canaryID}
}

// browseFor pages through a deep browse of one dataset until the tag is found
// or the continuation runs out.
func (r *DatasetResolver) browseFor(ctx context.Context, dataset, canaryID string) (bool, error) {
	want := dataset + "." + canaryID
	continuation := ""
	for {
		page, err := r.browsePage(ctx, dataset, continuation)
		if err != nil {
			return false, err
		}
		for _, tag := range page.Tags {
			if tag == want || tag == canaryID {
				return true, nil
			}
		}
		if page.Continuation == "" {
			return false, nil
		}
		continuation = page.Continuation
	}
}

type browseResponse struct {
	Tags         []string `json:"tags"`
	Continuation string   `json:"continuation"`
}

func (r *DatasetResolver) browsePage(ctx context.Context, dataset, continuation string) (*browseResponse, error) {
	body := map[string]any{
		"apiToken": r.cfg.APIToken,
		"path":     dataset,
		"deep":     true,
		"maxSize":  r.cfg.BrowseMaxSize,
	}
	if continuation != "" {
		body["continuation"] = continuation
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode browse request: %w", err)
	}
	url := strings.TrimRight(r.cfg.BaseURL, "/") + r.cfg.BrowsePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build browse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", dataset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Family member does not exist; treat as an empty dataset.
		return &browseResponse{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("browse %s returned %d: %s", dataset, resp.StatusCode, string(snippet))
	}
	var page browseResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode browse response: %w", err)
	}
	return &page, nil
}
