// Package refresh keeps the gateway's route table and client-access set in
// sync with the registry: event-driven refresh off the pub/sub channel, with
// a polling fallback when the channel is degraded.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/fabric/internal/accesscontrol"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/route"
)

// Source is the registry read surface the refresher consumes.
type Source interface {
	FetchRoutes(ctx context.Context) ([]route.RouteDefinition, error)
	FetchClientAccess(ctx context.Context) ([]accesscontrol.ClientRecord, error)
}

// RegistryClient fetches configuration from the registry REST API.
type RegistryClient struct {
	baseURL string
	client  *http.Client
}

// NewRegistryClient creates a client for the registry at cfg.URL.
func NewRegistryClient(cfg config.RegistryConfig) *RegistryClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RegistryClient{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RegistryClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchRoutes returns the full route list.
func (c *RegistryClient) FetchRoutes(ctx context.Context) ([]route.RouteDefinition, error) {
	var defs []route.RouteDefinition
	if err := c.get(ctx, "/api/v1/routes", &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// FetchClientAccess returns all client access configs, inactive included, so
// the gateway can distinguish "inactive" from "unknown".
func (c *RegistryClient) FetchClientAccess(ctx context.Context) ([]accesscontrol.ClientRecord, error) {
	var recs []accesscontrol.ClientRecord
	if err := c.get(ctx, "/v1/config/client-access-control?includeInactive=true", &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
