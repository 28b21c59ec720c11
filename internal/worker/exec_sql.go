package worker

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/noetl/noetl/internal/pkg/envutil"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
)

// localAnalyticsExecutor runs statements against an embedded per-worker
// sqlite database, the scratch store for intermediate datasets.
type localAnalyticsExecutor struct {
	log *logger.Logger
}

func NewLocalAnalyticsExecutor(baseLog *logger.Logger) Executor {
	return &localAnalyticsExecutor{log: baseLog.With("executor", "sql_local_analytics")}
}

func (e *localAnalyticsExecutor) Kind() string { return playbook.ActionSQLAnalytics }

func (e *localAnalyticsExecutor) Execute(ctx context.Context, spec *playbook.ActionSpec, input map[string]any) (any, error) {
	if strings.TrimSpace(spec.Statement) == "" {
		return nil, fmt.Errorf("sql_local_analytics action requires statement")
	}
	path := spec.Database
	if path == "" {
		path = envutil.GetEnv("NOETL_ANALYTICS_DB", "noetl-analytics.db", e.log)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open analytics db %q: %w", path, err)
	}
	defer closeGorm(db)
	return runStatement(db.WithContext(ctx), spec.Statement)
}

// relationalExecutor runs statements against an external database whose DSN
// comes from the credential store; the DSN never appears in the spec or the
// event log.
type relationalExecutor struct {
	api ServerAPI
	log *logger.Logger
}

func NewRelationalExecutor(api ServerAPI, baseLog *logger.Logger) Executor {
	return &relationalExecutor{api: api, log: baseLog.With("executor", "sql_relational")}
}

func (e *relationalExecutor) Kind() string { return playbook.ActionSQLRelational }

func (e *relationalExecutor) Execute(ctx context.Context, spec *playbook.ActionSpec, input map[string]any) (any, error) {
	if strings.TrimSpace(spec.Statement) == "" {
		return nil, fmt.Errorf("sql_relational action requires statement")
	}
	if spec.Credential == "" {
		return nil, fmt.Errorf("sql_relational action requires credential")
	}
	data, err := e.api.ResolveCredential(ctx, spec.Credential)
	if err != nil {
		return nil, fmt.Errorf("resolve credential %q: %w", spec.Credential, err)
	}
	dsn, _ := data["dsn"].(string)
	if dsn == "" {
		return nil, fmt.Errorf("credential %q has no dsn", spec.Credential)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect with credential %q: %w", spec.Credential, err)
	}
	defer closeGorm(db)
	return runStatement(db.WithContext(ctx), spec.Statement)
}

// runStatement executes one statement; row-returning statements come back as
// {rows, row_count}, everything else as {rows_affected}.
func runStatement(db *gorm.DB, stmt string) (any, error) {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	returnsRows := strings.HasPrefix(upper, "SELECT") ||
		strings.HasPrefix(upper, "WITH") ||
		strings.HasPrefix(upper, "SHOW") ||
		strings.HasPrefix(upper, "PRAGMA") ||
		strings.Contains(upper, "RETURNING")
	if !returnsRows {
		res := db.Exec(stmt)
		if res.Error != nil {
			return nil, res.Error
		}
		return map[string]any{"rows_affected": res.RowsAffected}, nil
	}

	rows, err := db.Raw(stmt).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"rows": out, "row_count": len(out)}, nil
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
