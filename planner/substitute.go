package planner

import (
	"time"

	"github.com/sgaydamakov/counters/common"
)

// GroupPlan is one group's materialized aggregation: a single $facet stage
// bundling every counter's stage list, ready to hand to the storage
// gateway/dispatcher, alongside the budgets that bounded it.
type GroupPlan struct {
	Pipeline []interface{}
	Limit    GroupLimit
}

// Substitute resolves every "$$NAME"/"$$d.NAME"/"$$NOW" placeholder in plan
// against fact.Data and now, then renders each group into a dispatch-ready
// pipeline. It never mutates plan; it returns a fresh tree. Unresolved
// placeholders (no matching fact.Data key) are left verbatim in the
// rendered pipeline and their names are returned for logging, matching the
// engine's "missing placeholders are logged, not fatal" rule.
func Substitute(plan Plan, fact common.Fact, now time.Time) (map[string]GroupPlan, []string) {
	nowLiteral := Literal{Value: now}
	var unresolved []string

	groups := make(map[string]GroupPlan, len(plan.FacetStages))
	for key, facets := range plan.FacetStages {
		resolved := make(map[string][]Stage, len(facets))
		for name, stages := range facets {
			resolved[name] = substituteStages(stages, fact.Data, nowLiteral, &unresolved)
		}
		groups[key] = GroupPlan{
			Pipeline: RenderStages([]Stage{FacetStage{Facets: resolved}}),
			Limit:    plan.GroupLimits[key],
		}
	}
	return groups, unresolved
}
