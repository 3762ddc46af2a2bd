package cli

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/elastic-maximizer/maximizer/internal/api"
	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
)

// Client wraps the maximizer REST API of a remote `serve`
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// NewClient creates a new API client. authToken is sent as a bearer token
// when set, for servers behind an authenticating proxy.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// WithTLSConfig switches the client to (mutual) TLS
func (c *Client) WithTLSConfig(cfg *tls.Config) *Client {
	c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	return c
}

// Occupancy returns the occupancy of one policy, or every policy when empty
func (c *Client) Occupancy(ctx context.Context, policy scheduler.Policy) ([]api.PolicyUtilization, error) {
	var rows []api.PolicyUtilization
	if err := c.doGet(ctx, "/occupancy", policyQuery(policy), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Queues returns the queues formed by policy
func (c *Client) Queues(ctx context.Context, policy scheduler.Policy) (*api.QueuesResponse, error) {
	var resp api.QueuesResponse
	if err := c.doGet(ctx, "/queues", policyQuery(policy), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run dispatches the remote pool under policy
func (c *Client) Run(ctx context.Context, policy scheduler.Policy) (*api.RunResponse, error) {
	var resp api.RunResponse
	if err := c.doPost(ctx, "/run", policyQuery(policy), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Device returns the remote device profile
func (c *Client) Device(ctx context.Context) (domain.DeviceProfile, error) {
	var dev domain.DeviceProfile
	if err := c.doGet(ctx, "/device", nil, &dev); err != nil {
		return domain.DeviceProfile{}, err
	}
	return dev, nil
}

// Health checks the remote server is up
func (c *Client) Health(ctx context.Context) error {
	return c.doGet(ctx, "/health", nil, nil)
}

func policyQuery(policy scheduler.Policy) url.Values {
	if policy == "" {
		return nil
	}
	return url.Values{"policy": []string{string(policy)}}
}

// --- HTTP helpers ---

func (c *Client) doGet(ctx context.Context, path string, query url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, query), nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, result)
}

func (c *Client) doPost(ctx context.Context, path string, query url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path, query), bytes.NewReader(nil))
	if err != nil {
		return err
	}
	return c.doRequest(req, result)
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		var er api.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Code = er.Code
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}

	return nil
}
