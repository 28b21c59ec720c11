package event

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/noetl/noetl/internal/data/repos"
	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/platform/db"
)

func testLog(t *testing.T) *Log {
	t.Helper()
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
	return NewLog(repos.NewEventRepo(gdb, logger.Nop()), logger.Nop())
}

func dbc() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func TestAppendAssignsOrderedIDs(t *testing.T) {
	log := testLog(t)
	first, err := log.Append(dbc(), &types.Event{ExecutionID: 1, EventType: TypeExecutionStart, NodeID: "start"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := log.Append(dbc(), &types.Event{ExecutionID: 1, EventType: TypeStepStarted, NodeID: "fetch"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second <= first {
		t.Fatalf("ids not increasing: %d then %d", first, second)
	}
}

func TestAppendRejectsContractViolations(t *testing.T) {
	log := testLog(t)
	if _, err := log.Append(dbc(), &types.Event{ExecutionID: 1, EventType: "made_up"}); err == nil {
		t.Fatal("unknown event type accepted")
	}
	if _, err := log.Append(dbc(), &types.Event{EventType: TypeStepStarted}); err == nil {
		t.Fatal("event without execution_id accepted")
	}
	if _, err := log.Append(dbc(), nil); err == nil {
		t.Fatal("nil event accepted")
	}
}

func TestReadFilters(t *testing.T) {
	log := testLog(t)
	ids := make([]int64, 0, 4)
	for _, ev := range []*types.Event{
		{ExecutionID: 1, EventType: TypeExecutionStart, NodeID: "start"},
		{ExecutionID: 1, EventType: TypeStepResult, NodeID: "fetch", Result: []byte(`{"ok":true}`)},
		{ExecutionID: 1, EventType: TypeStepResult, NodeID: "report", Result: []byte(`{"n":1}`)},
		{ExecutionID: 2, EventType: TypeExecutionStart, NodeID: "start"},
	} {
		id, err := log.Append(dbc(), ev)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}

	all, err := log.Read(dbc(), 1, 0, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("execution 1 has %d events, want 3", len(all))
	}

	results, err := log.Read(dbc(), 1, 0, []string{TypeStepResult})
	if err != nil {
		t.Fatalf("read filtered: %v", err)
	}
	if len(results) != 2 || results[0].NodeID != "fetch" || results[1].NodeID != "report" {
		t.Fatalf("filtered = %+v", results)
	}

	since, err := log.Read(dbc(), 1, ids[1], nil)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].NodeID != "report" {
		t.Fatalf("since = %+v", since)
	}
}
