package criteria

import (
	"context"
	"fmt"
	"sort"

	"canopy/internal/domain"
)

// Criterion is one automated verification check. Implementations must be
// safe for concurrent use and must honor ctx cancellation.
type Criterion interface {
	ID() string
	Evaluate(ctx context.Context, sub *domain.Submission) (domain.CriterionResult, error)
}

// Registry maps criterion ids to implementations. Adding a check means
// registering it here; the rule engine never branches on criterion ids.
type Registry struct {
	byID map[string]Criterion
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]Criterion{}}
}

func (r *Registry) Register(c Criterion) error {
	if c == nil || c.ID() == "" {
		return fmt.Errorf("criterion must have an id")
	}
	if _, exists := r.byID[c.ID()]; exists {
		return fmt.Errorf("criterion %s already registered", c.ID())
	}
	r.byID[c.ID()] = c
	return nil
}

func (r *Registry) Get(id string) (Criterion, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Builtin returns a registry preloaded with the built-in checks.
func Builtin() *Registry {
	r := NewRegistry()
	for _, c := range []Criterion{
		locationAccuracy{},
		carbonCalculationValidity{},
		survivalRateThreshold{},
		documentationCompleteness{},
		speciesSuitability{},
		fieldDataConsistency{},
	} {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}
