package planner

import (
	"testing"
	"time"

	"github.com/sgaydamakov/counters/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterDef(name, indexType string, fromMs int64) common.CounterDefinition {
	return common.CounterDefinition{
		Name:          name,
		IndexTypeName: indexType,
		FromTimeMs:    fromMs,
		Attributes:    map[string]interface{}{"n": map[string]interface{}{"$sum": 1}},
	}
}

func TestBuild_EmptyAppliedProducesNoGroups(t *testing.T) {
	plan := Build(nil, "factTime", Options{}, time.Now(), nil)

	assert.Empty(t, plan.FacetStages)
	assert.Empty(t, plan.GroupLimits)
}

func TestBuild_GroupsByMaxCountersPerRequest(t *testing.T) {
	counters := []common.CounterDefinition{
		counterDef("c1", "userId", 100),
		counterDef("c2", "userId", 200),
		counterDef("c3", "userId", 300),
	}
	plan := Build(counters, "factTime", Options{MaxCountersPerRequest: 2}, time.Now(), nil)

	require.Contains(t, plan.FacetStages, "userId#0")
	require.Contains(t, plan.FacetStages, "userId#1")
	assert.Len(t, plan.FacetStages["userId#0"], 2)
	assert.Len(t, plan.FacetStages["userId#1"], 1)
}

func TestBuild_SeparatesDistinctIndexTypes(t *testing.T) {
	counters := []common.CounterDefinition{
		counterDef("c1", "userId", 100),
		counterDef("c2", "sessionId", 100),
	}
	plan := Build(counters, "factTime", Options{}, time.Now(), nil)

	assert.Contains(t, plan.FacetStages, "userId#0")
	assert.Contains(t, plan.FacetStages, "sessionId#0")
}

func TestBuild_SplitIntervalsStartNewGroupOnWiderWindow(t *testing.T) {
	counters := []common.CounterDefinition{
		counterDef("c1", "userId", 500),
		counterDef("c2", "userId", 5000),
	}
	plan := Build(counters, "factTime", Options{SplitIntervals: []int64{1000, 10000}}, time.Now(), nil)

	assert.Contains(t, plan.FacetStages, "userId#0")
	assert.Contains(t, plan.FacetStages, "userId#1")
}

func TestBuild_LegacyModeIgnoresSplitIntervals(t *testing.T) {
	counters := []common.CounterDefinition{
		counterDef("c1", "userId", 500),
		counterDef("c2", "userId", 5000),
	}
	plan := Build(counters, "factTime", Options{SplitIntervals: []int64{1000, 10000}, LegacyMode: true}, time.Now(), nil)

	assert.Len(t, plan.FacetStages, 1)
	assert.Contains(t, plan.FacetStages, "userId#0")
	assert.Len(t, plan.FacetStages["userId#0"], 2)
}

func TestBuild_MaxCountersProcessingStopsExpansion(t *testing.T) {
	counters := []common.CounterDefinition{
		counterDef("c1", "userId", 100),
		counterDef("c2", "userId", 200),
		counterDef("c3", "userId", 300),
	}
	plan := Build(counters, "factTime", Options{MaxCountersProcessing: 2}, time.Now(), nil)

	total := 0
	for _, facets := range plan.FacetStages {
		total += len(facets)
	}
	assert.Equal(t, 2, total)
}

func TestBuild_GroupLimitsUnionAcrossMembers(t *testing.T) {
	counters := []common.CounterDefinition{
		{Name: "c1", IndexTypeName: "userId", FromTimeMs: 100, ToTimeMs: 50, MaxEvaluatedRecords: 10, Attributes: map[string]interface{}{"n": map[string]interface{}{"$sum": 1}}},
		{Name: "c2", IndexTypeName: "userId", FromTimeMs: 300, ToTimeMs: 20, MaxEvaluatedRecords: 5, Attributes: map[string]interface{}{"n": map[string]interface{}{"$sum": 1}}},
	}
	plan := Build(counters, "factTime", Options{}, time.Now(), nil)

	limit := plan.GroupLimits["userId#0"]
	assert.Equal(t, int64(300), limit.FromTimeMs)
	assert.Equal(t, int64(20), limit.ToTimeMs)
	assert.Equal(t, int64(10), limit.MaxEvaluatedRecords)
}

func TestBuild_MaxDepthLimitClampsRecordBudget(t *testing.T) {
	counters := []common.CounterDefinition{
		{Name: "c1", IndexTypeName: "userId", MaxEvaluatedRecords: 10_000, Attributes: map[string]interface{}{"n": map[string]interface{}{"$sum": 1}}},
	}
	plan := Build(counters, "factTime", Options{MaxDepthLimit: 100}, time.Now(), nil)

	assert.Equal(t, int64(100), plan.GroupLimits["userId#0"].MaxEvaluatedRecords)
}
