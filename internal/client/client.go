package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/http/response"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/queue"
)

/*
Client is the HTTP implementation of the worker's server API. Error codes
from the server's envelope map back onto the same sentinel errors the
in-process adapter returns, so pool logic cannot tell the transports apart.
*/
type Client struct {
	http *resty.Client
	log  *logger.Logger
}

func New(baseURL string, baseLog *logger.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(60 * time.Second),
		log: baseLog.With("component", "ServerClient"),
	}
}

func (c *Client) Lease(ctx context.Context, workerID string, maxJobs int, lease time.Duration) ([]*types.QueueJob, error) {
	var out struct {
		Jobs []*types.QueueJob `json:"jobs"`
	}
	err := c.call(ctx, "POST", "/api/queue/lease", map[string]any{
		"worker_id": workerID,
		"max_jobs":  maxJobs,
		"lease_ms":  lease.Milliseconds(),
	}, &out)
	return out.Jobs, err
}

func (c *Client) Complete(ctx context.Context, jobID int64, workerID string) error {
	return c.call(ctx, "POST", fmt.Sprintf("/api/queue/%d/complete", jobID), map[string]any{
		"worker_id": workerID,
	}, nil)
}

func (c *Client) Fail(ctx context.Context, jobID int64, workerID string, errMsg string) error {
	return c.call(ctx, "POST", fmt.Sprintf("/api/queue/%d/fail", jobID), map[string]any{
		"worker_id": workerID,
		"error":     errMsg,
	}, nil)
}

func (c *Client) Extend(ctx context.Context, jobID int64, workerID string, lease time.Duration) error {
	return c.call(ctx, "POST", fmt.Sprintf("/api/queue/%d/extend", jobID), map[string]any{
		"worker_id": workerID,
		"lease_ms":  lease.Milliseconds(),
	}, nil)
}

func (c *Client) Render(ctx context.Context, executionID int64, nodeID string, rawSpec []byte, extra map[string]any) (*playbook.ActionSpec, map[string]any, error) {
	var out struct {
		Spec         *playbook.ActionSpec `json:"rendered_spec"`
		InputContext map[string]any       `json:"input_context"`
	}
	err := c.call(ctx, "POST", "/api/context/render", map[string]any{
		"execution_id": executionID,
		"node_id":      nodeID,
		"raw_spec":     json.RawMessage(rawSpec),
		"extra":        extra,
	}, &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Spec, out.InputContext, nil
}

func (c *Client) Emit(ctx context.Context, ev *types.Event) (int64, error) {
	var out struct {
		EventID int64 `json:"event_id"`
	}
	err := c.call(ctx, "POST", "/api/events", ev, &out)
	return out.EventID, err
}

func (c *Client) SetVars(ctx context.Context, executionID int64, vars map[string]any, sourceStep string) error {
	return c.call(ctx, "POST", fmt.Sprintf("/api/executions/%d/vars", executionID), map[string]any{
		"variables":   vars,
		"var_type":    types.VarTypeStepResult,
		"source_step": sourceStep,
	}, nil)
}

func (c *Client) ResolveCredential(ctx context.Context, name string) (map[string]any, error) {
	var out struct {
		Credential struct {
			Name string         `json:"name"`
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		} `json:"credential"`
	}
	err := c.call(ctx, "GET", "/api/credentials/"+name+"?include_data=true", nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Credential.Data, nil
}

func (c *Client) StartExecution(ctx context.Context, path string, version int, workload map[string]any) (*types.Execution, error) {
	var out struct {
		Execution *types.Execution `json:"execution"`
	}
	err := c.call(ctx, "POST", "/api/executions", map[string]any{
		"path":     path,
		"version":  version,
		"workload": workload,
	}, &out)
	return out.Execution, err
}

func (c *Client) GetExecution(ctx context.Context, executionID int64) (*types.Execution, error) {
	var out struct {
		Execution *types.Execution `json:"execution"`
	}
	err := c.call(ctx, "GET", fmt.Sprintf("/api/executions/%d", executionID), nil, &out)
	return out.Execution, err
}

func (c *Client) ReadEvents(ctx context.Context, executionID int64, sinceID int64, typeFilter []string) ([]*types.Event, error) {
	req := c.http.R().SetContext(ctx)
	if sinceID > 0 {
		req.SetQueryParam("since_id", strconv.FormatInt(sinceID, 10))
	}
	if len(typeFilter) > 0 {
		req.SetQueryParamsFromValues(map[string][]string{"type": typeFilter})
	}
	var out struct {
		Events []*types.Event `json:"events"`
	}
	resp, err := req.SetResult(&out).Get(fmt.Sprintf("/api/executions/%d/events", executionID))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, c.apiError(resp)
	}
	return out.Events, nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return c.apiError(resp)
	}
	return nil
}

// apiError decodes the server's error envelope and maps its code back onto
// the matching sentinel.
func (c *Client) apiError(resp *resty.Response) error {
	var envelope response.ErrorEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil || envelope.Error.Message == "" {
		return fmt.Errorf("server returned %d", resp.StatusCode())
	}
	switch envelope.Error.Code {
	case "lease_conflict":
		return fmt.Errorf("%s: %w", envelope.Error.Message, queue.ErrLeaseConflict)
	case "job_not_found":
		return fmt.Errorf("%s: %w", envelope.Error.Message, queue.ErrJobNotFound)
	default:
		return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
	}
}
