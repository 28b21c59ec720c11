package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/data/repos"
	"github.com/noetl/noetl/internal/event"
	httpH "github.com/noetl/noetl/internal/http/handlers"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/platform/db"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/secrets"
	"github.com/noetl/noetl/internal/transient"
)

const linearYAML = `
path: workflows/api
workflow:
  - step: start
    type: start
    next:
      - step: fetch
  - step: fetch
    type: http
    url: http://example.test/data
    next:
      - step: end
  - step: end
    type: end
`

type apiHarness struct {
	t      *testing.T
	router *gin.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: glogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrateAll(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logger.Nop()

	execRepo := repos.NewExecutionRepo(gdb, log)
	eventLog := event.NewLog(repos.NewEventRepo(gdb, log), log)
	cat := catalog.NewService(repos.NewPlaybookRepo(gdb, log), log)
	vars := transient.NewService(repos.NewTransientVarRepo(gdb, log), log)
	q := queue.NewService(repos.NewQueueJobRepo(gdb, log), nil, log)
	store, err := secrets.NewStore(repos.NewCredentialRepo(gdb, log), base64.StdEncoding.EncodeToString(make([]byte, 32)), log)
	if err != nil {
		t.Fatalf("secret store: %v", err)
	}
	renderer := render.New(secrets.NewResolver(store))
	renderService := render.NewService(renderer, render.NewScopeBuilder(execRepo, eventLog, repos.NewTransientVarRepo(gdb, log)), log)
	b := broker.New(gdb, execRepo, eventLog, cat, q, renderService, log)
	q.SetTrigger(broker.NewDispatcher(b, true, log))

	router := NewRouter(RouterConfig{
		Log:                log,
		CatalogHandler:     httpH.NewCatalogHandler(cat),
		ExecutionHandler:   httpH.NewExecutionHandler(b, execRepo, eventLog, q),
		QueueHandler:       httpH.NewQueueHandler(q),
		EventHandler:       httpH.NewEventHandler(eventLog),
		VarsHandler:        httpH.NewVarsHandler(vars),
		CredentialsHandler: httpH.NewCredentialsHandler(store),
		RenderHandler:      httpH.NewRenderHandler(renderService),
		HealthHandler:      httpH.NewHealthHandler(gdb),
	})
	return &apiHarness{t: t, router: router}
}

func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := nethttp.NewRequestWithContext(context.Background(), method, path, reader)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) decode(rec *httptest.ResponseRecorder) map[string]any {
	h.t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		h.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (h *apiHarness) startExecution(path string) int64 {
	h.t.Helper()
	rec := h.do("POST", "/api/executions", map[string]any{"path": path})
	if rec.Code != 200 {
		h.t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	execution := h.decode(rec)["execution"].(map[string]any)
	return int64(execution["execution_id"].(float64))
}

func TestHealthcheck(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do("GET", "/healthcheck", nil)
	if rec.Code != 200 {
		t.Fatalf("code = %d", rec.Code)
	}
	if h.decode(rec)["status"] != "ok" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCatalogAPI(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do("POST", "/api/catalog/register", linearYAML)
	if rec.Code != 200 {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	body := h.decode(rec)
	if body["version"] != 1.0 || body["path"] != "workflows/api" {
		t.Fatalf("register body = %v", body)
	}

	if rec := h.do("POST", "/api/catalog/register", "path: p\nworkflow: []\n"); rec.Code != 422 {
		t.Fatalf("invalid playbook: %d", rec.Code)
	}

	rec = h.do("GET", "/api/catalog/playbook?path=workflows/api", nil)
	if rec.Code != 200 {
		t.Fatalf("get playbook: %d", rec.Code)
	}
	if rec := h.do("GET", "/api/catalog/playbook?path=workflows/ghost", nil); rec.Code != 404 {
		t.Fatalf("missing playbook: %d %s", rec.Code, rec.Body.String())
	}
}

func TestExecutionAPI(t *testing.T) {
	h := newAPIHarness(t)
	if rec := h.do("POST", "/api/catalog/register", linearYAML); rec.Code != 200 {
		t.Fatalf("register: %d", rec.Code)
	}
	id := h.startExecution("workflows/api")
	idStr := strconv.FormatInt(id, 10)

	rec := h.do("GET", "/api/executions/"+idStr, nil)
	if rec.Code != 200 {
		t.Fatalf("get: %d", rec.Code)
	}
	body := h.decode(rec)
	if body["active_jobs"] != 1.0 {
		t.Fatalf("active_jobs = %v", body["active_jobs"])
	}
	if execution := body["execution"].(map[string]any); execution["status"] != "running" {
		t.Fatalf("execution = %v", execution)
	}

	rec = h.do("GET", "/api/executions/"+idStr+"/events?type=execution_start", nil)
	if rec.Code != 200 {
		t.Fatalf("events: %d", rec.Code)
	}
	if events := h.decode(rec)["events"].([]any); len(events) != 1 {
		t.Fatalf("events = %v", events)
	}

	if rec := h.do("POST", "/api/executions/"+idStr+"/cancel", nil); rec.Code != 200 {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do("GET", "/api/executions/"+idStr, nil)
	if execution := h.decode(rec)["execution"].(map[string]any); execution["status"] != "cancelled" {
		t.Fatalf("execution = %v", execution)
	}

	if rec := h.do("GET", "/api/executions/999", nil); rec.Code != 404 {
		t.Fatalf("missing execution: %d", rec.Code)
	}
}

func TestQueueAPI(t *testing.T) {
	h := newAPIHarness(t)
	if rec := h.do("POST", "/api/catalog/register", linearYAML); rec.Code != 200 {
		t.Fatalf("register: %d", rec.Code)
	}
	id := h.startExecution("workflows/api")

	// re-enqueueing an active node returns the existing job
	rec := h.do("POST", "/api/queue/enqueue", map[string]any{
		"execution_id": id,
		"node_id":      "fetch",
		"action":       map[string]any{"type": "http"},
	})
	if rec.Code != 200 {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	enqueuedID := int64(h.decode(rec)["job_id"].(float64))

	rec = h.do("POST", "/api/queue/lease", map[string]any{"worker_id": "w1", "max_jobs": 5, "lease_ms": 30000})
	if rec.Code != 200 {
		t.Fatalf("lease: %d %s", rec.Code, rec.Body.String())
	}
	jobs := h.decode(rec)["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %v", jobs)
	}
	job := jobs[0].(map[string]any)
	if int64(job["execution_id"].(float64)) != id || job["node_id"] != "fetch" {
		t.Fatalf("job = %v", job)
	}
	if int64(job["job_id"].(float64)) != enqueuedID {
		t.Fatalf("idempotent enqueue returned job %v, leased %v", enqueuedID, job["job_id"])
	}
	jobID := strconv.FormatInt(int64(job["job_id"].(float64)), 10)

	// only the lease holder may ack
	if rec := h.do("POST", "/api/queue/"+jobID+"/extend", map[string]any{"worker_id": "w2", "lease_ms": 30000}); rec.Code != 409 {
		t.Fatalf("foreign extend: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do("POST", "/api/queue/"+jobID+"/complete", map[string]any{"worker_id": "w1"}); rec.Code != 200 {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do("GET", "/api/queue/"+jobID, nil)
	if got := h.decode(rec)["job"].(map[string]any)["status"]; got != "done" {
		t.Fatalf("job status = %v", got)
	}
}

func TestEventsAPI(t *testing.T) {
	h := newAPIHarness(t)
	if rec := h.do("POST", "/api/catalog/register", linearYAML); rec.Code != 200 {
		t.Fatalf("register: %d", rec.Code)
	}
	id := h.startExecution("workflows/api")
	idStr := strconv.FormatInt(id, 10)

	rec := h.do("POST", "/api/events", map[string]any{
		"events": []map[string]any{
			{"execution_id": id, "event_type": "action_started", "node_id": "fetch", "status": "started"},
			{"execution_id": id, "event_type": "action_completed", "node_id": "fetch", "status": "completed", "result": map[string]any{"ok": true}},
		},
	})
	if rec.Code != 200 {
		t.Fatalf("batch emit: %d %s", rec.Code, rec.Body.String())
	}
	ids := h.decode(rec)["event_ids"].([]any)
	if len(ids) != 2 || ids[1].(float64) <= ids[0].(float64) {
		t.Fatalf("event_ids = %v", ids)
	}

	// bare event still works as a single-emit convenience
	rec = h.do("POST", "/api/events", map[string]any{
		"execution_id": id, "event_type": "step_result", "node_id": "fetch",
		"result": map[string]any{"ok": true},
	})
	if rec.Code != 200 {
		t.Fatalf("single emit: %d %s", rec.Code, rec.Body.String())
	}
	if h.decode(rec)["event_id"].(float64) <= ids[1].(float64) {
		t.Fatalf("single emit id not after batch: %s", rec.Body.String())
	}

	// the type set is closed; an unknown type rejects the whole batch
	rec = h.do("POST", "/api/events", map[string]any{
		"events": []map[string]any{{"execution_id": id, "event_type": "telemetry"}},
	})
	if rec.Code != 400 {
		t.Fatalf("unknown type: %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do("GET", "/api/executions/"+idStr+"/events?type=action_completed", nil)
	if events := h.decode(rec)["events"].([]any); len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
}

func TestVarsAPI(t *testing.T) {
	h := newAPIHarness(t)
	if rec := h.do("POST", "/api/catalog/register", linearYAML); rec.Code != 200 {
		t.Fatalf("register: %d", rec.Code)
	}
	id := strconv.FormatInt(h.startExecution("workflows/api"), 10)

	rec := h.do("POST", "/api/executions/"+id+"/vars", map[string]any{
		"variables":   map[string]any{"token": "abc", "count": 2},
		"source_step": "login",
	})
	if rec.Code != 200 {
		t.Fatalf("set vars: %d %s", rec.Code, rec.Body.String())
	}
	if set := h.decode(rec)["variables_set"].([]any); len(set) != 2 {
		t.Fatalf("variables_set = %v", set)
	}

	rec = h.do("GET", "/api/executions/"+id+"/vars/token", nil)
	if rec.Code != 200 {
		t.Fatalf("get var: %d", rec.Code)
	}
	row := h.decode(rec)["var"].(map[string]any)
	if row["source_step"] != "login" {
		t.Fatalf("var = %v", row)
	}

	rec = h.do("GET", "/api/executions/"+id+"/vars", nil)
	if rows := h.decode(rec)["vars"].([]any); len(rows) != 2 {
		t.Fatalf("vars = %v", rows)
	}
	if rec := h.do("GET", "/api/executions/"+id+"/vars/ghost", nil); rec.Code != 404 {
		t.Fatalf("missing var: %d", rec.Code)
	}
}

func TestCredentialsAPI(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do("POST", "/api/credentials", map[string]any{
		"name": "pg_main",
		"type": "postgres",
		"data": map[string]any{"dsn": "postgres://db.test/app"},
	})
	if rec.Code != 200 {
		t.Fatalf("set: %d %s", rec.Code, rec.Body.String())
	}

	// default fetch is metadata only
	rec = h.do("GET", "/api/credentials/pg_main", nil)
	cred := h.decode(rec)["credential"].(map[string]any)
	if cred["type"] != "postgres" {
		t.Fatalf("cred = %v", cred)
	}
	if _, ok := cred["data"]; ok && cred["data"] != nil {
		t.Fatalf("metadata fetch leaked data: %v", cred)
	}

	rec = h.do("GET", "/api/credentials/pg_main?include_data=true", nil)
	cred = h.decode(rec)["credential"].(map[string]any)
	if data := cred["data"].(map[string]any); data["dsn"] != "postgres://db.test/app" {
		t.Fatalf("data = %v", data)
	}

	if rec := h.do("DELETE", "/api/credentials/pg_main", nil); rec.Code != 200 {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := h.do("GET", "/api/credentials/pg_main", nil); rec.Code != 404 {
		t.Fatalf("deleted credential fetch: %d", rec.Code)
	}
}
