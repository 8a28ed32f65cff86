package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// Provider is the GPU rental API the controller drives. Implementations
// must return an error on any uncertain outcome; the controller never
// guesses remote state.
type Provider interface {
	// Start requests a new instance and returns its id.
	Start(ctx context.Context) (string, error)
	// Running reports whether the instance is observably running.
	Running(ctx context.Context, id string) (bool, error)
	// Stop pauses the instance; it can be resumed later by the provider.
	Stop(ctx context.Context, id string) error
	// Destroy releases the instance entirely.
	Destroy(ctx context.Context, id string) error
}

// RentalConfig configures the rental-marketplace provider client.
type RentalConfig struct {
	BaseURL   string // e.g. https://api.vast.ai
	APIKey    string
	Image     string // docker image started on the instance
	GPUFilter string // marketplace query, e.g. gpu_name=RTX_4090
	OnStart   string // shell command run on instance boot
}

// RentalProvider talks to a vast.ai-style rental HTTP API. Transient 5xx
// responses are retried by the underlying client before an error surfaces.
type RentalProvider struct {
	cfg    RentalConfig
	client *retryablehttp.Client
}

func NewRentalProvider(cfg RentalConfig) *RentalProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &RentalProvider{cfg: cfg, client: client}
}

func (p *RentalProvider) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method,
		strings.TrimRight(p.cfg.BaseURL, "/")+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client.Do(req)
}

func (p *RentalProvider) Start(ctx context.Context) (string, error) {
	resp, err := p.do(ctx, http.MethodPost, "/v0/instances", map[string]any{
		"image":   p.cfg.Image,
		"gpu":     p.cfg.GPUFilter,
		"onstart": p.cfg.OnStart,
	})
	if err != nil {
		return "", fmt.Errorf("start instance: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("start instance: provider returned %s", resp.Status)
	}

	var out struct {
		ID         json.Number `json:"id"`
		InstanceID json.Number `json:"instance_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode start response: %w", err)
	}
	id := out.ID.String()
	if id == "" || id == "0" {
		id = out.InstanceID.String()
	}
	if id == "" || id == "0" {
		return "", fmt.Errorf("start instance: provider returned no instance id")
	}
	return id, nil
}

func (p *RentalProvider) Running(ctx context.Context, id string) (bool, error) {
	resp, err := p.do(ctx, http.MethodGet, "/v0/instances/"+id, nil)
	if err != nil {
		return false, fmt.Errorf("instance %s status: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("instance %s status: provider returned %s", id, resp.Status)
	}

	var out struct {
		State  string `json:"state"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode status response: %w", err)
	}
	state := strings.ToLower(out.State)
	if state == "" {
		state = strings.ToLower(out.Status)
	}
	return strings.Contains(state, "run"), nil
}

func (p *RentalProvider) Stop(ctx context.Context, id string) error {
	resp, err := p.do(ctx, http.MethodPost, "/v0/instances/"+id+"/stop", nil)
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stop instance %s: provider returned %s", id, resp.Status)
	}
	return nil
}

func (p *RentalProvider) Destroy(ctx context.Context, id string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/v0/instances/"+id, nil)
	if err != nil {
		return fmt.Errorf("destroy instance %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("destroy instance %s: provider returned %s", id, resp.Status)
	}
	return nil
}
