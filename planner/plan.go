// Package planner implements the Counter Planner (C2): it expands the
// applicable-counter list from the catalog into grouped per-index
// aggregation stages and substitutes fact-field placeholders.
package planner

import (
	"fmt"
	"time"

	"github.com/sgaydamakov/counters/common"
)

// Options binds the planner's policy knobs, named identically to
// config.PlannerConfig so callers can pass that struct through unchanged.
type Options struct {
	MaxCountersProcessing    int
	MaxCountersPerRequest    int
	MaxDepthLimit            int
	SplitIntervals           []int64
	LegacyMode               bool
	StrictDottedPlaceholders bool
}

// GroupLimit is the union of record/time budgets for every counter that
// landed in one group.
type GroupLimit struct {
	MaxEvaluatedRecords int64
	FromTimeMs          int64
	ToTimeMs            int64
}

// Plan is the Counter Planner's output: two parallel maps keyed by
// "${indexTypeName}#${groupNumber}".
type Plan struct {
	FacetStages map[string]map[string][]Stage
	GroupLimits map[string]GroupLimit
}

type groupState struct {
	countInGroup int
	groupNumber  int
	intervalIdx  int
	windowFrom   int64
	windowTo     int64
}

// Build runs the deterministic single-pass grouping algorithm over applied
// (already sorted ascending by FromTimeMs by the catalog) and returns the
// resulting Plan. timeField is "createdAt" when aggregating directly over
// facts, "factTime" when aggregating over index entries. now is the single
// wall-clock instant captured for this planning call; it anchors both the
// time-window thresholds and the $$NOW placeholder.
func Build(applied []common.CounterDefinition, timeField string, opts Options, now time.Time, log *common.ContextLogger) Plan {
	plan := Plan{
		FacetStages: make(map[string]map[string][]Stage),
		GroupLimits: make(map[string]GroupLimit),
	}

	states := make(map[string]*groupState)
	maxDepth := int64(opts.MaxDepthLimit)
	if maxDepth <= 0 {
		maxDepth = 1<<63 - 1
	}

	splitActive := len(opts.SplitIntervals) > 0 && !opts.LegacyMode

	warned := false
	processed := 0
	for _, counter := range applied {
		if opts.MaxCountersProcessing > 0 && processed >= opts.MaxCountersProcessing {
			if !warned && log != nil {
				log.Warnf("planner: maxCountersProcessing (%d) reached, truncating remaining counters", opts.MaxCountersProcessing)
				warned = true
			}
			break
		}

		st, ok := states[counter.IndexTypeName]
		if !ok {
			st = &groupState{windowTo: 1<<63 - 1}
			if splitActive {
				st.windowFrom = opts.SplitIntervals[0]
			}
			states[counter.IndexTypeName] = st
		}

		incremented := false
		st.countInGroup++
		if opts.MaxCountersPerRequest > 0 && st.countInGroup > opts.MaxCountersPerRequest {
			st.groupNumber++
			st.countInGroup = 1
			incremented = true
		}

		if splitActive && counter.FromTimeMs > st.windowFrom {
			if !incremented {
				st.groupNumber++
			}
			if st.intervalIdx+1 < len(opts.SplitIntervals) {
				st.intervalIdx++
				st.windowTo = st.windowFrom
				st.windowFrom = opts.SplitIntervals[st.intervalIdx]
			}
		}

		key := fmt.Sprintf("%s#%d", counter.IndexTypeName, st.groupNumber)

		stages := buildCounterStages(counter, timeField, now, splitActive, opts.StrictDottedPlaceholders)
		if _, ok := plan.FacetStages[key]; !ok {
			plan.FacetStages[key] = make(map[string][]Stage)
		}
		plan.FacetStages[key][counter.Name] = stages

		limit, seen := plan.GroupLimits[key]
		recordBudget := minPositive(int64(counter.MaxEvaluatedRecords), int64(counter.MaxMatchingRecords))
		if recordBudget > maxDepth {
			recordBudget = maxDepth
		}
		if recordBudget > limit.MaxEvaluatedRecords {
			limit.MaxEvaluatedRecords = recordBudget
		}
		if counter.FromTimeMs > limit.FromTimeMs {
			limit.FromTimeMs = counter.FromTimeMs
		}
		if !seen || counter.ToTimeMs < limit.ToTimeMs {
			limit.ToTimeMs = counter.ToTimeMs
		}
		plan.GroupLimits[key] = limit

		processed++
	}

	return plan
}

// minPositive returns the smaller of a, b, treating <=0 as "unset"; if both
// are unset it returns 0.
func minPositive(a, b int64) int64 {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func buildCounterStages(counter common.CounterDefinition, timeField string, now time.Time, splitActive bool, strictDotted bool) []Stage {
	var stages []Stage

	predicate := make(ExprMap)
	for k, v := range counter.EvaluationConditions {
		predicate[k] = compileExpr(v, strictDotted)
	}
	if counter.FromTimeMs > 0 || counter.ToTimeMs > 0 {
		window := make(ExprMap)
		if counter.FromTimeMs > 0 {
			window["$gte"] = Literal{Value: now.Add(-time.Duration(counter.FromTimeMs) * time.Millisecond)}
		}
		if counter.ToTimeMs > 0 {
			window["$lt"] = Literal{Value: now.Add(-time.Duration(counter.ToTimeMs) * time.Millisecond)}
		}
		predicate[timeField] = window
	}
	if len(predicate) > 0 {
		stages = append(stages, MatchStage{Predicate: predicate})
	}

	if budget := minPositive(int64(counter.MaxEvaluatedRecords), int64(counter.MaxMatchingRecords)); budget > 0 {
		stages = append(stages, LimitStage{N: budget})
	}

	accumulators := make(ExprMap, len(counter.Attributes))
	for k, v := range counter.Attributes {
		accumulators[k] = compileExpr(v, strictDotted)
	}
	stages = append(stages, GroupStage{ID: nil, Accumulators: accumulators})

	if !splitActive {
		if proj, ok := collectedSetProjection(accumulators); ok {
			stages = append(stages, proj)
		}
	}

	return stages
}

// collectedSetProjection builds the post-group projection that reduces any
// "$addToSet"/"$push" accumulator to its cardinality via $size, passing the
// rest of the group's fields through unchanged. Returns ok=false when no
// accumulator is a collected set (no projection needed).
func collectedSetProjection(accumulators ExprMap) (ProjectStage, bool) {
	fields := make(ExprMap, len(accumulators))
	found := false
	for name, expr := range accumulators {
		if isCollectedSet(expr) {
			fields[name] = ExprMap{"$size": Literal{Value: "$" + name}}
			found = true
		} else {
			fields[name] = Literal{Value: 1}
		}
	}
	if !found {
		return ProjectStage{}, false
	}
	fields["_id"] = Literal{Value: 0}
	return ProjectStage{Fields: fields}, true
}

func isCollectedSet(e Expr) bool {
	m, ok := e.(ExprMap)
	if !ok || len(m) != 1 {
		return false
	}
	_, addToSet := m["$addToSet"]
	_, push := m["$push"]
	return addToSet || push
}
