package usage

import (
	"context"
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlSource loads the plan catalog from a YAML file on each call, so a
// restart (or an explicit reload) picks up edited allowances.
//
// Expected shape:
//
//	plans:
//	  - id: standard
//	    name: Standard
//	    limit_seconds: 1200
//	    session_timeout: 10m
//	    rate_per_minute: 0.2
//	    default: true
type yamlSource struct {
	path string
}

// NewYAMLSource returns a Source reading plans from the given file path.
func NewYAMLSource(path string) Source {
	return &yamlSource{path: path}
}

// yamlPlan is the file-facing shape; durations are human-readable strings
// like "10m".
type yamlPlan struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	LimitSeconds   int64   `yaml:"limit_seconds"`
	SessionTimeout string  `yaml:"session_timeout"`
	RatePerMinute  float64 `yaml:"rate_per_minute"`
	Default        bool    `yaml:"default"`
}

type yamlCatalog struct {
	Plans []yamlPlan `yaml:"plans"`
}

func (s *yamlSource) Load(ctx context.Context) (map[string]Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var catalog yamlCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	plans := make(map[string]Plan, len(catalog.Plans))
	for _, raw := range catalog.Plans {
		if _, exists := plans[raw.ID]; exists {
			return nil, errors.Join(ErrInvalidPlan, errors.New("duplicate plan id "+raw.ID))
		}

		var timeout time.Duration
		if raw.SessionTimeout != "" {
			timeout, err = time.ParseDuration(raw.SessionTimeout)
			if err != nil {
				return nil, errors.Join(ErrInvalidPlan, err)
			}
		}

		plans[raw.ID] = Plan{
			ID:             raw.ID,
			Name:           raw.Name,
			LimitSeconds:   raw.LimitSeconds,
			SessionTimeout: timeout,
			RatePerMinute:  raw.RatePerMinute,
			Default:        raw.Default,
		}
	}

	return plans, nil
}
