package planner

import (
	"strings"
	"testing"
	"time"

	"github.com/sgaydamakov/counters/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitute_ResolvesFieldAndNowPlaceholders(t *testing.T) {
	counters := []common.CounterDefinition{
		{
			Name:          "spend_sum",
			IndexTypeName: "userId",
			Attributes: map[string]interface{}{
				"total":    map[string]interface{}{"$sum": "$$amount"},
				"recentAt": map[string]interface{}{"$max": "$$NOW"},
			},
		},
	}

	now := time.Now()
	plan := Build(counters, "factTime", Options{}, now, nil)

	fact := common.Fact{Data: map[string]interface{}{"amount": 42}}
	groups, unresolved := Substitute(plan, fact, now)
	assert.Empty(t, unresolved)

	require.Len(t, groups, 1)
	var group GroupPlan
	for _, g := range groups {
		group = g
	}
	require.Len(t, group.Pipeline, 1)

	facet := group.Pipeline[0].(map[string]interface{})["$facet"].(map[string]interface{})
	sub := facet["spend_sum"].([]interface{})
	groupStage := sub[0].(map[string]interface{})["$group"].(map[string]interface{})

	total := groupStage["total"].(map[string]interface{})
	assert.Equal(t, 42, total["$sum"])

	recentAt := groupStage["recentAt"].(map[string]interface{})
	assert.Equal(t, now, recentAt["$max"])
}

func TestSubstitute_DottedAliasIsSynonymOfPlainPlaceholder(t *testing.T) {
	counters := []common.CounterDefinition{
		{
			Name:          "c1",
			IndexTypeName: "userId",
			Attributes:    map[string]interface{}{"v": "$$d.amount"},
		},
	}
	now := time.Now()
	plan := Build(counters, "factTime", Options{}, now, nil)

	fact := common.Fact{Data: map[string]interface{}{"amount": 7}}
	groups, unresolved := Substitute(plan, fact, now)
	assert.Empty(t, unresolved)

	for _, g := range groups {
		facet := g.Pipeline[0].(map[string]interface{})["$facet"].(map[string]interface{})
		groupStage := facet["c1"].([]interface{})[0].(map[string]interface{})["$group"].(map[string]interface{})
		assert.Equal(t, 7, groupStage["v"])
	}
}

func TestSubstitute_MissingPlaceholderLeftUnresolvedNotFatal(t *testing.T) {
	counters := []common.CounterDefinition{
		{
			Name:          "c1",
			IndexTypeName: "userId",
			Attributes:    map[string]interface{}{"v": "$$missingField"},
		},
	}
	now := time.Now()
	plan := Build(counters, "factTime", Options{}, now, nil)

	fact := common.Fact{Data: map[string]interface{}{}}
	groups, unresolved := Substitute(plan, fact, now)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "missingField", unresolved[0])

	for _, g := range groups {
		facet := g.Pipeline[0].(map[string]interface{})["$facet"].(map[string]interface{})
		groupStage := facet["c1"].([]interface{})[0].(map[string]interface{})["$group"].(map[string]interface{})
		v := groupStage["v"].(string)
		assert.True(t, strings.HasPrefix(v, "$$"))
	}
}
