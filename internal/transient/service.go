package transient

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/noetl/noetl/internal/data/repos"
	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

// Service is the execution-scoped scratchpad. Callers are workers and the
// context renderer; nothing else reads or writes these rows.
type Service struct {
	repo repos.TransientVarRepo
	log  *logger.Logger
}

func NewService(repo repos.TransientVarRepo, baseLog *logger.Logger) *Service {
	return &Service{
		repo: repo,
		log:  baseLog.With("component", "TransientStore"),
	}
}

// Set upserts one variable. varType defaults to user_defined.
func (s *Service) Set(dbc dbctx.Context, executionID int64, name string, value any, varType string, sourceStep string) error {
	if name == "" {
		return fmt.Errorf("variable name required")
	}
	if varType == "" {
		varType = types.VarTypeUserDefined
	}
	switch varType {
	case types.VarTypeStepResult, types.VarTypeUserDefined, types.VarTypeSystem:
	default:
		return fmt.Errorf("unknown var_type %q", varType)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode variable %q: %w", name, err)
	}
	_, err = s.repo.Upsert(dbc, &types.TransientVar{
		ExecutionID: executionID,
		VarName:     name,
		Value:       datatypes.JSON(raw),
		VarType:     varType,
		SourceStep:  sourceStep,
	})
	return err
}

// SetAll writes a batch of variables with a shared type and source step,
// returning the names written.
func (s *Service) SetAll(dbc dbctx.Context, executionID int64, variables map[string]any, varType string, sourceStep string) ([]string, error) {
	names := make([]string, 0, len(variables))
	for name, value := range variables {
		if err := s.Set(dbc, executionID, name, value, varType, sourceStep); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Get reads one variable; every read bumps access_count by exactly one.
func (s *Service) Get(dbc dbctx.Context, executionID int64, name string) (*types.TransientVar, error) {
	return s.repo.Get(dbc, executionID, name)
}

func (s *Service) List(dbc dbctx.Context, executionID int64) ([]*types.TransientVar, error) {
	return s.repo.ListByExecution(dbc, executionID)
}
