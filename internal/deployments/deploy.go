package deployments

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cswartzvi/prefect/internal/core"
)

// DeployFailure records why one deployment in a batch was not created.
type DeployFailure struct {
	Name string
	Err  error
}

// DeployResult aggregates a batch apply. Each deployment's outcome is
// independent: failures never abort the successful ones.
type DeployResult struct {
	Created  []uuid.UUID
	Failures []DeployFailure
}

// Err returns an aggregate error when any deployment failed, nil when the
// whole batch succeeded.
func (r *DeployResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	names := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		names[i] = f.Name
	}
	return fmt.Errorf("%d of %d deployments failed: %s",
		len(r.Failures), len(r.Failures)+len(r.Created), strings.Join(names, ", "))
}

// Deploy applies every definition in parallel and aggregates the outcome.
func Deploy(ctx context.Context, api core.OrchestrationAPI, deps ...*RunnerDeployment) *DeployResult {
	result := &DeployResult{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, dep := range deps {
		g.Go(func() error {
			id, err := dep.Apply(ctx, api)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, DeployFailure{Name: dep.FullName(), Err: err})
				return nil
			}
			result.Created = append(result.Created, id)
			return nil
		})
	}
	// Goroutines never return errors; failures are collected per entry.
	_ = g.Wait()
	return result
}
