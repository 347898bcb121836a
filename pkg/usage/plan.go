package usage

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

// Plan bundles the streaming allowance and pricing knobs for a tier of users.
// The engine itself only ever consumes one plan at a time; the catalog exists
// so deployments can swap allowances without a rebuild.
type Plan struct {
	ID             string
	Name           string
	LimitSeconds   int64
	SessionTimeout time.Duration
	RatePerMinute  float64
	Default        bool
}

// Source loads the plan catalog.
type Source interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

var (
	ErrFailedToLoadPlans = errors.New("usage.failed_to_load_plans")
	ErrInvalidPlan       = errors.New("usage.invalid_plan")
	ErrNoDefaultPlan     = errors.New("usage.no_default_plan")
	ErrPlanNotFound      = errors.New("usage.plan_not_found")
)

// inMemSource implements Source over a static plan map.
type inMemSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewInMemSource returns a Source serving a copy of the given plans.
func NewInMemSource(plans map[string]Plan) Source {
	return &inMemSource{plans: maps.Clone(plans)}
}

func (s *inMemSource) Load(ctx context.Context) (map[string]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.plans), nil
}

// LoadPlans reads and validates the catalog from a source.
func LoadPlans(ctx context.Context, src Source) (map[string]Plan, error) {
	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	if err := validatePlans(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// DefaultPlan picks the plan flagged as default from the catalog.
func DefaultPlan(plans map[string]Plan) (Plan, error) {
	for _, plan := range plans {
		if plan.Default {
			return plan, nil
		}
	}
	return Plan{}, ErrNoDefaultPlan
}

func validatePlans(plans map[string]Plan) error {
	defaults := 0
	for id, plan := range plans {
		if plan.ID == "" || plan.ID != id {
			return errors.Join(ErrInvalidPlan, errors.New("plan id mismatch for "+id))
		}
		if plan.LimitSeconds <= 0 {
			return errors.Join(ErrInvalidPlan, errors.New("plan "+id+" has non-positive limit"))
		}
		if plan.SessionTimeout <= 0 {
			return errors.Join(ErrInvalidPlan, errors.New("plan "+id+" has non-positive session timeout"))
		}
		if plan.RatePerMinute < 0 {
			return errors.Join(ErrInvalidPlan, errors.New("plan "+id+" has negative rate"))
		}
		if plan.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.Join(ErrInvalidPlan, errors.New("multiple plans flagged as default"))
	}
	return nil
}
