package worker

import (
	"context"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
)

func TestHTTPExecutorResultShape(t *testing.T) {
	srv := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			writeJSON(w, 405, map[string]any{"err": "method"})
			return
		}
		writeJSON(w, 200, map[string]any{"received": true})
	})
	ex := NewHTTPExecutor(logger.Nop())
	result, err := ex.Execute(context.Background(), &playbook.ActionSpec{
		Type:    playbook.ActionHTTP,
		Method:  "post",
		URL:     srv.URL + "/submit",
		Payload: map[string]any{"k": "v"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m := result.(map[string]any)
	if m["status_code"] != 200 {
		t.Fatalf("status_code = %v", m["status_code"])
	}
	if data := m["data"].(map[string]any); data["received"] != true {
		t.Fatalf("data = %v", data)
	}
	headers := m["headers"].(map[string]string)
	if !strings.HasPrefix(headers["Content-Type"], "application/json") {
		t.Fatalf("headers = %v", headers)
	}
}

func TestHTTPExecutorStatusError(t *testing.T) {
	srv := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 503, map[string]any{"reason": "maintenance"})
	})
	ex := NewHTTPExecutor(logger.Nop())
	result, err := ex.Execute(context.Background(), &playbook.ActionSpec{URL: srv.URL}, nil)
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("err = %v", err)
	}
	// the body still comes back so retry conditions can inspect it
	m := result.(map[string]any)
	if m["status_code"] != 503 {
		t.Fatalf("status_code = %v", m["status_code"])
	}
	if data := m["data"].(map[string]any); data["reason"] != "maintenance" {
		t.Fatalf("data = %v", data)
	}
}

func TestHTTPExecutorNonJSONBody(t *testing.T) {
	srv := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	})
	ex := NewHTTPExecutor(logger.Nop())
	result, err := ex.Execute(context.Background(), &playbook.ActionSpec{URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if data := result.(map[string]any)["data"]; data != "pong" {
		t.Fatalf("data = %#v", data)
	}
}

func TestHTTPExecutorPreservesWideNumbers(t *testing.T) {
	srv := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"v": 12345678901234567890, "d": 0.1000000000000000055, "n": 7}`))
	})
	ex := NewHTTPExecutor(logger.Nop())
	result, err := ex.Execute(context.Background(), &playbook.ActionSpec{URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	data := NormalizeResult(result).(map[string]any)["data"].(map[string]any)
	if data["v"] != "12345678901234567890" {
		t.Fatalf("wide integer = %#v", data["v"])
	}
	if data["d"] != "0.1000000000000000055" {
		t.Fatalf("inexact decimal = %#v", data["d"])
	}
	if data["n"] != int64(7) {
		t.Fatalf("plain integer = %#v", data["n"])
	}
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestInlineCodeStdinRoundTrip(t *testing.T) {
	requireBash(t)
	ex := NewInlineCodeExecutor(logger.Nop())
	result, err := ex.Execute(context.Background(), &playbook.ActionSpec{
		Runtime: "bash",
		Code:    "cat",
	}, map[string]any{"x": 1, "name": "job"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m := NormalizeResult(result).(map[string]any)
	if m["x"] != int64(1) || m["name"] != "job" {
		t.Fatalf("result = %v", m)
	}
}

func TestInlineCodePlainTextOutput(t *testing.T) {
	requireBash(t)
	ex := NewInlineCodeExecutor(logger.Nop())
	result, err := ex.Execute(context.Background(), &playbook.ActionSpec{
		Runtime: "bash",
		Code:    "echo processed",
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "processed" {
		t.Fatalf("result = %#v", result)
	}
}

func TestInlineCodePreservesWideNumbers(t *testing.T) {
	requireBash(t)
	ex := NewInlineCodeExecutor(logger.Nop())
	result, err := ex.Execute(context.Background(), &playbook.ActionSpec{
		Runtime: "bash",
		Code:    `echo '{"v": 12345678901234567890}'`,
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m := NormalizeResult(result).(map[string]any)
	if m["v"] != "12345678901234567890" {
		t.Fatalf("wide integer = %#v", m["v"])
	}
}

func TestInlineCodeFailureCarriesStderr(t *testing.T) {
	requireBash(t)
	ex := NewInlineCodeExecutor(logger.Nop())
	_, err := ex.Execute(context.Background(), &playbook.ActionSpec{
		Runtime: "bash",
		Code:    "echo 'disk full' >&2; exit 3",
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
}

func TestInlineCodeUnknownRuntime(t *testing.T) {
	ex := NewInlineCodeExecutor(logger.Nop())
	if _, err := ex.Execute(context.Background(), &playbook.ActionSpec{Runtime: "ruby", Code: "puts 1"}, nil); err == nil {
		t.Fatal("unknown runtime accepted")
	}
}

func TestLocalAnalyticsStatements(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "analytics.db")
	ex := NewLocalAnalyticsExecutor(logger.Nop())
	ctx := context.Background()

	run := func(stmt string) any {
		t.Helper()
		result, err := ex.Execute(ctx, &playbook.ActionSpec{Statement: stmt, Database: dbPath}, nil)
		if err != nil {
			t.Fatalf("statement %q: %v", stmt, err)
		}
		return result
	}

	run("CREATE TABLE metrics (name TEXT, value INTEGER)")
	insert := run("INSERT INTO metrics VALUES ('cpu', 70), ('mem', 45)").(map[string]any)
	if insert["rows_affected"] != int64(2) {
		t.Fatalf("insert = %v", insert)
	}

	sel := run("SELECT name, value FROM metrics ORDER BY value").(map[string]any)
	if sel["row_count"] != 2 {
		t.Fatalf("row_count = %v", sel["row_count"])
	}
	rows := sel["rows"].([]map[string]any)
	if rows[0]["name"] != "mem" || rows[0]["value"] != int64(45) {
		t.Fatalf("rows = %v", rows)
	}
	if rows[1]["name"] != "cpu" || rows[1]["value"] != int64(70) {
		t.Fatalf("rows = %v", rows)
	}

	// the database persists between statements of the same path
	count := run("SELECT count(*) AS n FROM metrics").(map[string]any)
	if got := count["rows"].([]map[string]any)[0]["n"]; got != int64(2) {
		t.Fatalf("count = %#v", got)
	}
}

func TestLocalAnalyticsRequiresStatement(t *testing.T) {
	ex := NewLocalAnalyticsExecutor(logger.Nop())
	if _, err := ex.Execute(context.Background(), &playbook.ActionSpec{Statement: "  "}, nil); err == nil {
		t.Fatal("empty statement accepted")
	}
}
