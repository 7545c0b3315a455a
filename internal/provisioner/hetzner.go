package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultBaseURL = "https://api.hetzner.cloud/v1"

// HetznerClient implements Client against the Hetzner Cloud API.
type HetznerClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HetznerConfig holds configuration for the Hetzner client.
type HetznerConfig struct {
	Token   string
	BaseURL string // override for tests
	Timeout time.Duration
}

// NewHetznerClient creates a Hetzner Cloud API client.
func NewHetznerClient(cfg HetznerConfig) (*HetznerClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("hetzner client requires an API token")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HetznerClient{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type hcloudError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type hcloudSSHKey struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type hcloudAction struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type hcloudServer struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

func (c *HetznerClient) request(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(data)}
		var wrapper struct {
			Error hcloudError `json:"error"`
		}
		if json.Unmarshal(data, &wrapper) == nil && wrapper.Error.Message != "" {
			apiErr.Code = wrapper.Error.Code
			apiErr.Message = wrapper.Error.Message
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// CreateSSHKey registers a public key with the provider.
func (c *HetznerClient) CreateSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error) {
	var resp struct {
		SSHKey hcloudSSHKey `json:"ssh_key"`
	}
	payload := map[string]string{"name": name, "public_key": publicKey}
	if err := c.request(ctx, http.MethodPost, "/ssh_keys", payload, &resp); err != nil {
		return nil, fmt.Errorf("create ssh key: %w", err)
	}
	return &SSHKey{ID: resp.SSHKey.ID, Name: resp.SSHKey.Name}, nil
}

// DeleteSSHKey removes a registered key. A 404 is treated as success.
func (c *HetznerClient) DeleteSSHKey(ctx context.Context, id int64) error {
	err := c.request(ctx, http.MethodDelete, fmt.Sprintf("/ssh_keys/%d", id), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete ssh key %d: %w", id, err)
	}
	return nil
}

// CreateServer creates a server and returns it with the create action.
func (c *HetznerClient) CreateServer(ctx context.Context, params CreateServerParams) (*Server, *Action, error) {
	payload := map[string]any{
		"name":               params.Name,
		"server_type":        params.ServerType,
		"image":              params.Image,
		"ssh_keys":           params.SSHKeyIDs,
		"start_after_create": true,
	}
	if params.Location != "" {
		payload["location"] = params.Location
	}
	if len(params.Labels) > 0 {
		payload["labels"] = params.Labels
	}
	if params.UserData != "" {
		payload["user_data"] = params.UserData
	}

	var resp struct {
		Server hcloudServer `json:"server"`
		Action hcloudAction `json:"action"`
	}
	if err := c.request(ctx, http.MethodPost, "/servers", payload, &resp); err != nil {
		return nil, nil, fmt.Errorf("create server: %w", err)
	}
	return toServer(resp.Server), toAction(resp.Action), nil
}

// GetServer fetches a server by id.
func (c *HetznerClient) GetServer(ctx context.Context, id int64) (*Server, error) {
	var resp struct {
		Server hcloudServer `json:"server"`
	}
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("/servers/%d", id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get server %d: %w", id, err)
	}
	return toServer(resp.Server), nil
}

// DeleteServer deletes a server. A 404 is treated as success.
func (c *HetznerClient) DeleteServer(ctx context.Context, id int64) error {
	err := c.request(ctx, http.MethodDelete, fmt.Sprintf("/servers/%d", id), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete server %d: %w", id, err)
	}
	return nil
}

// WaitForAction polls an action until it succeeds, fails, or the timeout
// elapses.
func (c *HetznerClient) WaitForAction(ctx context.Context, id int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var resp struct {
			Action hcloudAction `json:"action"`
		}
		if err := c.request(ctx, http.MethodGet, fmt.Sprintf("/actions/%d", id), nil, &resp); err != nil {
			return fmt.Errorf("poll action %d: %w", id, err)
		}
		switch resp.Action.Status {
		case "success":
			return nil
		case "error":
			msg := "unknown error"
			if resp.Action.Error != nil {
				msg = resp.Action.Error.Message
			}
			return fmt.Errorf("action %d failed: %s", id, msg)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("action %d did not complete within %s", id, timeout)
		}
		log.Debug().Int64("action", id).Str("status", resp.Action.Status).Msg("Waiting for provider action")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func toServer(s hcloudServer) *Server {
	return &Server{
		ID:       s.ID,
		Name:     s.Name,
		Status:   s.Status,
		PublicIP: s.PublicNet.IPv4.IP,
	}
}

func toAction(a hcloudAction) *Action {
	out := &Action{ID: a.ID, Status: a.Status}
	if a.Error != nil {
		out.ErrorMsg = a.Error.Message
	}
	return out
}
