// Package schemaregistry is a thin client for the schema registry the
// serializer depends on. The registry itself is an opaque external
// collaborator; this package only exposes the lookup the serializer needs
// and handles it with bounded retry.
package schemaregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/chris-alexander-pop/outbox-relay/pkg/errors"
)

// Client resolves a record's schema id, caching the result since a given
// record layout's id never changes for the relay's lifetime.
type Client interface {
	// SchemaID returns the registered schema id for subject.
	SchemaID(ctx context.Context, subject string) (int32, error)
}

// Config configures the HTTP-backed client.
type Config struct {
	URL        string        `env:"SCHEMA_REGISTRY_URL" validate:"required"`
	Timeout    time.Duration `env:"SCHEMA_REGISTRY_TIMEOUT" env-default:"5s"`
	MaxRetries int           `env:"SCHEMA_REGISTRY_MAX_RETRIES" env-default:"3"`
}

type httpClient struct {
	cfg    Config
	client *retryablehttp.Client

	mu    sync.RWMutex
	cache map[string]int32
}

// New builds a retryablehttp-backed schema registry client.
func New(cfg Config) Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil

	return &httpClient{cfg: cfg, client: rc, cache: make(map[string]int32)}
}

type subjectVersionResponse struct {
	ID int32 `json:"id"`
}

func (c *httpClient) SchemaID(ctx context.Context, subject string) (int32, error) {
	c.mu.RLock()
	if id, ok := c.cache[subject]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	url := fmt.Sprintf("%s/subjects/%s/versions/latest", c.cfg.URL, subject)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build schema registry request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Unavailable("schema registry request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.New(errors.CodeInternal, fmt.Sprintf("schema registry returned status %d for subject %s", resp.StatusCode, subject), nil)
	}

	var parsed subjectVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, errors.Wrap(err, "failed to decode schema registry response")
	}

	c.mu.Lock()
	c.cache[subject] = parsed.ID
	c.mu.Unlock()

	return parsed.ID, nil
}
