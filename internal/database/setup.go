package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of a pgx pool, connection or transaction that
// runs statements without reading rows.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// StepResult records the outcome of one schema step.
type StepResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SetupResult is returned by RunSteps.
type SetupResult struct {
	Success bool         `json:"success"`
	Steps   []StepResult `json:"steps"`
	Error   string       `json:"error,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (r SetupResult) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("database: setup: %s", r.Error)
}

// RunSteps executes steps in order and stops at the first failure. Steps
// that were not reached are absent from the result.
func RunSteps(ctx context.Context, ex Execer, steps []Step) SetupResult {
	res := SetupResult{Steps: make([]StepResult, 0, len(steps))}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
			return res
		}
		if _, err := ex.Exec(ctx, st.SQL); err != nil {
			res.Steps = append(res.Steps, StepResult{Name: st.Name, Error: err.Error()})
			res.Error = fmt.Sprintf("create %s: %v", st.Name, err)
			return res
		}
		res.Steps = append(res.Steps, StepResult{Name: st.Name, OK: true})
	}
	res.Success = true
	return res
}
