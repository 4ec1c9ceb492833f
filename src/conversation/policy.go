package conversation

import (
	"strings"

	"tripmesh/pkg"
)

// Kind is the relationship of a new input to the prior session state
type Kind string

const (
	KindNewQuery       Kind = "new_query"
	KindSimpleQuestion Kind = "simple_question"
	KindRefinement     Kind = "refinement"

	updateSuffix = "_update"
)

// UpdateKind returns the <field>_update kind for field
func UpdateKind(field string) Kind {
	return Kind(field + updateSuffix)
}

// UpdateField returns the field of a <field>_update kind
func (k Kind) UpdateField() (string, bool) {
	field, ok := strings.CutSuffix(string(k), updateSuffix)
	if !ok || field == "" {
		return "", false
	}
	return field, true
}

// Classification is what the external classifier reports for one input.
// Update carries the typed partial change to the task parameters.
type Classification struct {
	Kind        Kind             `json:"classification"`
	UpdateField string           `json:"update_field,omitempty"`
	Update      pkg.ParamsUpdate `json:"update"`
	Answer      string           `json:"answer,omitempty"`
}

// fieldOwners maps an updatable field to the worker types that consume it.
// Fields not listed (destination) invalidate every output and need full routing.
var fieldOwners = map[string][]pkg.WorkerType{
	"forecast":     {pkg.WorkerForecast},
	"routing":      {pkg.WorkerRouting},
	"origin":       {pkg.WorkerRouting},
	"mode":         {pkg.WorkerRouting},
	"cost":         {pkg.WorkerCost},
	"budget":       {pkg.WorkerCost},
	"budget_range": {pkg.WorkerCost},
	"travelers":    {pkg.WorkerCost},
	"plan":         {pkg.WorkerPlan},
	"interests":    {pkg.WorkerPlan},
	"dates":        {pkg.WorkerForecast, pkg.WorkerCost, pkg.WorkerPlan},
}

// Owners returns the worker types owning field, or nil when the field needs
// full routing.
func Owners(field string) []pkg.WorkerType {
	return fieldOwners[field]
}

// Decision is the effective routing of one round
type Decision struct {
	Effective    Classification
	Workers      []pkg.WorkerType
	SkipDispatch bool
	Incremental  bool
	// Forced is set when a classification was overridden to new_query
	Forced bool
	// Fallback is set when the classifier failed
	Fallback bool
}

// Decide applies the follow-up policy:
// no prior state always means new_query; a classifier failure falls back to
// full routing; simple_question on a follow-up dispatches nothing;
// <field>_update narrows dispatch to the owners of the changed fields;
// anything else routes to full.
func Decide(hasPrior bool, c Classification, classifyErr error, full []pkg.WorkerType) Decision {
	if !hasPrior {
		return Decision{
			Effective: Classification{Kind: KindNewQuery, Update: c.Update},
			Workers:   full,
			Forced:    c.Kind != "" && c.Kind != KindNewQuery,
		}
	}
	if classifyErr != nil {
		return Decision{
			Effective: Classification{Kind: KindRefinement},
			Workers:   full,
			Fallback:  true,
		}
	}

	switch c.Kind {
	case KindSimpleQuestion:
		return Decision{Effective: c, SkipDispatch: true}
	case KindNewQuery, KindRefinement:
		return Decision{Effective: c, Workers: full}
	}

	field, ok := c.Kind.UpdateField()
	if !ok {
		field = c.UpdateField
	}
	if field == "" {
		return Decision{Effective: Classification{Kind: KindRefinement, Update: c.Update}, Workers: full}
	}
	if c.UpdateField == "" {
		c.UpdateField = field
	}

	workers, narrowed := narrow(append([]string{field}, c.Update.Fields()...))
	if !narrowed {
		return Decision{Effective: c, Workers: full}
	}
	return Decision{Effective: c, Workers: workers, Incremental: true}
}

// narrow unions the owners of fields in primary worker order. It reports
// false when any field needs full routing.
func narrow(fields []string) ([]pkg.WorkerType, bool) {
	set := map[pkg.WorkerType]bool{}
	for _, f := range fields {
		owners := Owners(f)
		if len(owners) == 0 {
			return nil, false
		}
		for _, w := range owners {
			set[w] = true
		}
	}
	var out []pkg.WorkerType
	for _, w := range pkg.PrimaryWorkers {
		if set[w] {
			out = append(out, w)
		}
	}
	return out, true
}

// FullRouting returns the workers of a full round for params
func FullRouting(params pkg.TaskParams) []pkg.WorkerType {
	if len(params.Focus) == 0 {
		return append([]pkg.WorkerType(nil), pkg.PrimaryWorkers...)
	}
	var out []pkg.WorkerType
	for _, w := range pkg.PrimaryWorkers {
		for _, f := range params.Focus {
			if f == w {
				out = append(out, w)
				break
			}
		}
	}
	if len(out) == 0 {
		return append([]pkg.WorkerType(nil), pkg.PrimaryWorkers...)
	}
	return out
}
