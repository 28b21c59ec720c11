package transient

import (
	"context"
	"encoding/json"
	"errors"
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

func testService(t *testing.T) *Service {
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
	return NewService(repos.NewTransientVarRepo(gdb, logger.Nop()), logger.Nop())
}

func dbc() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func TestSetGetRoundTrip(t *testing.T) {
	s := testService(t)
	value := map[string]any{"token": "abc", "ttl": float64(60)}
	if err := s.Set(dbc(), 1, "session", value, "", "login"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := s.Get(dbc(), 1, "session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.VarType != types.VarTypeUserDefined || v.SourceStep != "login" {
		t.Fatalf("row = %+v", v)
	}
	var got map[string]any
	if err := json.Unmarshal(v.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["token"] != "abc" || got["ttl"] != float64(60) {
		t.Fatalf("value = %v", got)
	}
}

func TestGetBumpsAccessCount(t *testing.T) {
	s := testService(t)
	if err := s.Set(dbc(), 1, "counter", 1, types.VarTypeSystem, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	for want := int64(1); want <= 3; want++ {
		v, err := s.Get(dbc(), 1, "counter")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v.AccessCount != want {
			t.Fatalf("access_count = %d, want %d", v.AccessCount, want)
		}
	}
}

func TestReadsLeaveUpdatedAtAlone(t *testing.T) {
	s := testService(t)
	if err := s.Set(dbc(), 1, "cursor", "a", "", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	first, err := s.Get(dbc(), 1, "cursor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := s.Get(dbc(), 1, "cursor")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second.AccessCount != 2 {
		t.Fatalf("access_count = %d, want 2", second.AccessCount)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("read moved updated_at: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := testService(t)
	if err := s.Set(dbc(), 1, "cursor", "a", "", "step1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(dbc(), 1, "cursor", "b", "", "step2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.Get(dbc(), 1, "cursor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v.Value) != `"b"` || v.SourceStep != "step2" {
		t.Fatalf("row = %+v", v)
	}
	vars, err := s.List(dbc(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(vars) != 1 {
		t.Fatalf("overwrite created a second row: %d", len(vars))
	}
}

func TestExecutionScoping(t *testing.T) {
	s := testService(t)
	if err := s.Set(dbc(), 1, "shared_name", "mine", "", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Get(dbc(), 2, "shared_name"); !errors.Is(err, repos.ErrVarNotFound) {
		t.Fatalf("cross-execution read = %v, want not found", err)
	}
}

func TestSetAllAndValidation(t *testing.T) {
	s := testService(t)
	names, err := s.SetAll(dbc(), 1, map[string]any{"a": 1, "b": 2}, types.VarTypeStepResult, "fetch")
	if err != nil {
		t.Fatalf("set all: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("wrote %d vars, want 2", len(names))
	}
	vars, _ := s.List(dbc(), 1)
	if len(vars) != 2 || vars[0].VarName != "a" || vars[1].VarName != "b" {
		t.Fatalf("list = %+v", vars)
	}
	if err := s.Set(dbc(), 1, "", 1, "", ""); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Set(dbc(), 1, "x", 1, "volatile", ""); err == nil {
		t.Fatal("unknown var_type accepted")
	}
}
