// Package client implements the HTTP client contract against the
// orchestration service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
)

// Client talks JSON over HTTP to the orchestration service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logging.Logger
}

// Option configures the client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the service at baseURL.
func New(baseURL string, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the service's structured error body.
type apiError struct {
	Detail string `json:"detail"`
}

// CreateDeployment registers a deployment. A 422 response surfaces as a
// validation error so callers can distinguish a bad definition from a
// communication failure.
func (c *Client) CreateDeployment(ctx context.Context, req core.DeploymentCreate) (*core.Deployment, error) {
	var dep core.Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments/", req, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// ReadDeployment fetches a deployment by identity.
func (c *Client) ReadDeployment(ctx context.Context, id uuid.UUID) (*core.Deployment, error) {
	var dep core.Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+id.String(), nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// ReadDeploymentByName fetches a deployment by "flow-name/deployment-name".
func (c *Client) ReadDeploymentByName(ctx context.Context, name string) (*core.Deployment, error) {
	var dep core.Deployment
	path := "/deployments/name/" + url.PathEscape(name)
	if flow, depName, ok := strings.Cut(name, "/"); ok {
		path = "/deployments/name/" + url.PathEscape(flow) + "/" + url.PathEscape(depName)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// PauseSchedule deactivates a deployment's schedule.
func (c *Client) PauseSchedule(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/deployments/"+id.String()+"/pause_schedule", nil, nil)
}

// CreateFlowRun asks the service to create a run for a deployment.
func (c *Client) CreateFlowRun(ctx context.Context, deploymentID uuid.UUID, parameters map[string]any) (*core.FlowRun, error) {
	body := map[string]any{}
	if len(parameters) > 0 {
		body["parameters"] = parameters
	}
	var run core.FlowRun
	if err := c.do(ctx, http.MethodPost, "/deployments/"+deploymentID.String()+"/create_flow_run", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ReadFlowRun fetches the current remote record of a run.
func (c *Client) ReadFlowRun(ctx context.Context, id uuid.UUID) (*core.FlowRun, error) {
	var run core.FlowRun
	if err := c.do(ctx, http.MethodGet, "/flow_runs/"+id.String(), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// SetFlowRunState proposes a state transition for a run.
func (c *Client) SetFlowRunState(ctx context.Context, id uuid.UUID, state core.State) error {
	body := map[string]any{"state": state}
	return c.do(ctx, http.MethodPost, "/flow_runs/"+id.String()+"/set_state", body, nil)
}

// ListSchedulableFlowRuns returns runs assigned to the given deployments
// that are due for execution, in scheduled order.
func (c *Client) ListSchedulableFlowRuns(ctx context.Context, deploymentIDs []uuid.UUID) ([]core.FlowRun, error) {
	body := map[string]any{"deployment_ids": deploymentIDs}
	var runs []core.FlowRun
	if err := c.do(ctx, http.MethodPost, "/flow_runs/filter", body, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// do performs one request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return core.ErrInternal("encoding request body").WithCause(err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return core.ErrInternal("building request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.ErrNetwork(fmt.Sprintf("%s %s: %v", method, path, err)).WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.responseError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.ErrAPI(core.CodeAPIResponse,
			fmt.Sprintf("decoding %s %s response: %v", method, path, err)).WithCause(err)
	}
	return nil
}

// responseError maps an error response onto the domain taxonomy.
func (c *Client) responseError(method, path string, resp *http.Response) error {
	detail := ""
	var body apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
		detail = body.Detail
	}
	if detail == "" {
		detail = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return core.ErrNotFound("resource", method+" "+path)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return core.ErrValidation(core.CodeInvalidJobVariable, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.ErrAuth(detail)
	default:
		return core.ErrAPI(core.CodeAPIUnavailable,
			fmt.Sprintf("%s %s: %s", method, path, detail))
	}
}

var _ core.OrchestrationAPI = (*Client)(nil)
