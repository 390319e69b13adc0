package catalog

import (
	"testing"

	"github.com/sgaydamakov/counters/common"
	"github.com/stretchr/testify/assert"
)

func defs() []common.CounterDefinition {
	return []common.CounterDefinition{
		{
			Name:                  "purchases_last_30d",
			IndexTypeName:         "userId",
			ComputationConditions: map[string]interface{}{"type": "purchase"},
			FromTimeMs:            1000,
		},
		{
			Name:                  "logins_last_7d",
			IndexTypeName:         "userId",
			ComputationConditions: map[string]interface{}{"type": "login"},
			FromTimeMs:            500,
		},
		{
			Name:                  "high_value_purchases",
			IndexTypeName:         "userId",
			ComputationConditions: map[string]interface{}{"type": "purchase", "amount": map[string]interface{}{"$gte": 100}},
			EvaluationConditions:  map[string]interface{}{"type": "purchase"},
			FromTimeMs:            2000,
		},
	}
}

func TestApplicableCounters_SortedAscendingByFromTimeMs(t *testing.T) {
	cat := New(defs(), nil)

	fact := common.Fact{Type: 1, Data: map[string]interface{}{"type": "purchase", "amount": 150}}
	result := cat.ApplicableCounters(fact, nil)

	assert.Len(t, result.Applied, 2)
	assert.Equal(t, "purchases_last_30d", result.Applied[0].Name)
	assert.Equal(t, "high_value_purchases", result.Applied[1].Name)
}

func TestApplicableCounters_EvaluationTouchedIndependentOfAllowList(t *testing.T) {
	cat := New(defs(), nil)

	fact := common.Fact{Type: 1, Data: map[string]interface{}{"type": "purchase", "amount": 5}}
	allow := map[string]struct{}{"logins_last_7d": {}}
	result := cat.ApplicableCounters(fact, allow)

	assert.Empty(t, result.Applied)
	assert.Equal(t, 3, result.EvaluationTouched)
}

func TestApplicableCounters_ThresholdOperatorExcludesBelow(t *testing.T) {
	cat := New(defs(), nil)

	fact := common.Fact{Type: 1, Data: map[string]interface{}{"type": "purchase", "amount": 10}}
	result := cat.ApplicableCounters(fact, nil)

	names := map[string]bool{}
	for _, d := range result.Applied {
		names[d.Name] = true
	}
	assert.True(t, names["purchases_last_30d"])
	assert.False(t, names["high_value_purchases"])
}

func TestApplicableCounters_NoCatalogConfigured_ReturnsEmptyNotError(t *testing.T) {
	cat := New(nil, nil)

	result := cat.ApplicableCounters(common.Fact{Type: 2}, nil)

	assert.Empty(t, result.Applied)
	assert.Zero(t, result.EvaluationTouched)
}

func TestIndexDescriptor_LookupByName(t *testing.T) {
	cat := New(nil, []common.IndexDescriptor{
		{IndexTypeName: "userId", FieldName: "userId", IndexType: 1},
	})

	d, ok := cat.IndexDescriptor("userId")
	assert.True(t, ok)
	assert.Equal(t, "userId", d.FieldName)

	_, ok = cat.IndexDescriptor("missing")
	assert.False(t, ok)
}
