package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
)

type httpExecutor struct {
	client *resty.Client
	log    *logger.Logger
}

func NewHTTPExecutor(baseLog *logger.Logger) Executor {
	return &httpExecutor{
		client: resty.New().SetTimeout(60 * time.Second),
		log:    baseLog.With("executor", "http"),
	}
}

func (e *httpExecutor) Kind() string { return playbook.ActionHTTP }

// Execute performs the request and returns {status_code, headers, data}.
// Status >= 400 also returns an error so the retry policy engages; the
// result still carries the body for retry_when conditions to inspect.
func (e *httpExecutor) Execute(ctx context.Context, spec *playbook.ActionSpec, input map[string]any) (any, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("http action requires url")
	}
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = "GET"
	}
	req := e.client.R().SetContext(ctx)
	if len(spec.Headers) > 0 {
		req.SetHeaders(spec.Headers)
	}
	for k, v := range spec.Params {
		req.SetQueryParam(k, fmt.Sprint(v))
	}
	if spec.Payload != nil {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(spec.Payload)
	}
	resp, err := req.Execute(method, spec.URL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, spec.URL, err)
	}

	var data any
	body := resp.Body()
	if len(body) > 0 {
		// decoded with exact numbers; wide integers and long decimals must
		// reach the result normalizer undamaged
		parsed, jsonErr := decodeJSON(body)
		if jsonErr != nil {
			data = string(body)
		} else {
			data = parsed
		}
	}
	headers := map[string]string{}
	for k := range resp.Header() {
		headers[k] = resp.Header().Get(k)
	}
	result := map[string]any{
		"status_code": resp.StatusCode(),
		"headers":     headers,
		"data":        data,
	}
	if resp.StatusCode() >= 400 {
		return result, fmt.Errorf("%s %s: status %d", method, spec.URL, resp.StatusCode())
	}
	return result, nil
}
