// Package client provides the API client for interacting with the
// enroller API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/api/v1/routes"
	"github.com/clyro-labs/enroller/internal/types"
)

// DefaultTimeout is the default timeout for API requests
const DefaultTimeout = 30 * time.Second

// Client is the interface for the API client
type Client interface {
	// Health check
	HealthCheck(ctx context.Context) (map[string]string, error)

	// Batch endpoints
	Run(ctx context.Context, req types.RunRequest) (*types.RunResponse, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (*types.StatusResponse, error)
	Summary(ctx context.Context, batchID uint) (*types.SummaryResponse, error)

	// Ledger endpoints
	Balance(ctx context.Context) (*types.BalanceResponse, error)
	Credit(ctx context.Context, req types.CreditRequest) (*types.BalanceResponse, error)

	// Report endpoints
	UsedIdentities(ctx context.Context) (string, error)
	FailedChannels(ctx context.Context, batchID uint) (string, error)
	ReuseQueue(ctx context.Context) (string, error)
	UpdateReuseQueue(ctx context.Context, body string) (string, error)
}

var _ Client = &APIClient{}

// Options contains configuration options for the API client
type Options struct {
	// BaseURL is the base URL of the API
	BaseURL string

	// Timeout is the request timeout
	Timeout time.Duration
}

// DefaultOptions returns the default client options
func DefaultOptions() *Options {
	return &Options{
		BaseURL: routes.DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// APIClient implements the Client interface
type APIClient struct {
	baseURL string
	timeout time.Duration
}

// NewClient creates a new API client with the given options
func NewClient(opts *Options) (Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &APIClient{
		baseURL: opts.BaseURL,
		timeout: opts.Timeout,
	}, nil
}

// createAgent creates a new Fiber Agent for the given method and endpoint
func (c *APIClient) createAgent(ctx context.Context, method, endpoint string, body interface{}) (*fiber.Agent, error) {
	fullURL := c.baseURL + endpoint

	var agent *fiber.Agent
	switch method {
	case http.MethodGet:
		agent = fiber.Get(fullURL)
	case http.MethodPost:
		agent = fiber.Post(fullURL)
	case http.MethodPut:
		agent = fiber.Put(fullURL)
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	// Set timeout from context or client default
	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(c.timeout)
	}

	agent.Set("Content-Type", "application/json")
	agent.Set("Accept", "application/json")

	if body != nil {
		agent.JSON(body)
	}

	return agent, nil
}

// envelope mirrors the server's response envelope with the payload left
// raw so callers can decode it into the right type.
type envelope struct {
	Slug  types.Slug      `json:"slug"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

// doRequest sends the HTTP request and decodes the enveloped payload
// into v when it is non-nil.
func (c *APIClient) doRequest(agent *fiber.Agent, v interface{}) error {
	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("error sending request: %w", errs[0])
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("error parsing response (HTTP %d): %w", statusCode, err)
	}
	if statusCode >= 400 || env.Slug != types.SuccessSlug {
		if env.Error != "" {
			return fmt.Errorf("request failed (HTTP %d): %s", statusCode, env.Error)
		}
		return fmt.Errorf("request failed with HTTP %d", statusCode)
	}

	if v != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("error parsing response payload: %w", err)
		}
	}
	return nil
}

// doText sends the HTTP request and returns the plain-text body.
func (c *APIClient) doText(agent *fiber.Agent) (string, error) {
	statusCode, body, errs := agent.String()
	if len(errs) > 0 {
		return "", fmt.Errorf("error sending request: %w", errs[0])
	}
	if statusCode >= 400 {
		return "", fmt.Errorf("request failed with HTTP %d: %s", statusCode, body)
	}
	return body, nil
}

// HealthCheck checks the API server health
func (c *APIClient) HealthCheck(ctx context.Context) (map[string]string, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.HealthCheckURL(), nil)
	if err != nil {
		return nil, err
	}

	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("error sending request: %w", errs[0])
	}
	if statusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with HTTP %d", statusCode)
	}

	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("error parsing health response: %w", err)
	}
	return health, nil
}

// Run starts a new batch
func (c *APIClient) Run(ctx context.Context, req types.RunRequest) (*types.RunResponse, error) {
	agent, err := c.createAgent(ctx, http.MethodPost, routes.RunBatchURL(), req)
	if err != nil {
		return nil, err
	}
	var resp types.RunResponse
	if err := c.doRequest(agent, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop halts the active batch
func (c *APIClient) Stop(ctx context.Context) error {
	agent, err := c.createAgent(ctx, http.MethodPost, routes.StopBatchURL(), nil)
	if err != nil {
		return err
	}
	return c.doRequest(agent, nil)
}

// Status returns the live view of the active batch
func (c *APIClient) Status(ctx context.Context) (*types.StatusResponse, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.BatchStatusURL(), nil)
	if err != nil {
		return nil, err
	}
	var resp types.StatusResponse
	if err := c.doRequest(agent, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Summary returns the durable summary of a batch
func (c *APIClient) Summary(ctx context.Context, batchID uint) (*types.SummaryResponse, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.BatchSummaryURL(batchID), nil)
	if err != nil {
		return nil, err
	}
	var resp types.SummaryResponse
	if err := c.doRequest(agent, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance returns the ledger balance and derived capacity
func (c *APIClient) Balance(ctx context.Context) (*types.BalanceResponse, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.BalanceURL(), nil)
	if err != nil {
		return nil, err
	}
	var resp types.BalanceResponse
	if err := c.doRequest(agent, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Credit tops up the balance
func (c *APIClient) Credit(ctx context.Context, req types.CreditRequest) (*types.BalanceResponse, error) {
	agent, err := c.createAgent(ctx, http.MethodPost, routes.CreditBalanceURL(), req)
	if err != nil {
		return nil, err
	}
	var resp types.BalanceResponse
	if err := c.doRequest(agent, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UsedIdentities fetches the used-identity report
func (c *APIClient) UsedIdentities(ctx context.Context) (string, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.UsedIdentitiesURL(), nil)
	if err != nil {
		return "", err
	}
	return c.doText(agent)
}

// FailedChannels fetches the failed-channel report
func (c *APIClient) FailedChannels(ctx context.Context, batchID uint) (string, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.FailedChannelsURL(batchID), nil)
	if err != nil {
		return "", err
	}
	return c.doText(agent)
}

// ReuseQueue fetches the reuse-queue report
func (c *APIClient) ReuseQueue(ctx context.Context) (string, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.ReuseQueueURL(), nil)
	if err != nil {
		return "", err
	}
	return c.doText(agent)
}

// UpdateReuseQueue replaces the reuse queue with the given list
func (c *APIClient) UpdateReuseQueue(ctx context.Context, body string) (string, error) {
	agent, err := c.createAgent(ctx, http.MethodPut, routes.ReuseQueueURL(), types.ReuseQueueUpdateRequest{Body: body})
	if err != nil {
		return "", err
	}
	return c.doText(agent)
}
