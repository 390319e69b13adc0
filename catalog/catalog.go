// Package catalog implements the Counter Catalog (C1): it holds compiled
// counter and index-descriptor definitions and resolves which counters
// apply to a given fact.
package catalog

import (
	"os"
	"sort"

	"github.com/sgaydamakov/counters/common"
	"gopkg.in/yaml.v3"
)

// Catalog holds the compiled counter and index-descriptor configuration
// loaded once at service startup.
type Catalog struct {
	counters []common.CounterDefinition
	indexes  map[string]common.IndexDescriptor

	log *common.ContextLogger
}

// New builds a Catalog from already-loaded definitions.
func New(counters []common.CounterDefinition, indexes []common.IndexDescriptor) *Catalog {
	byName := make(map[string]common.IndexDescriptor, len(indexes))
	for _, idx := range indexes {
		byName[idx.IndexTypeName] = idx
	}
	sorted := make([]common.CounterDefinition, len(counters))
	copy(sorted, counters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FromTimeMs < sorted[j].FromTimeMs
	})
	return &Catalog{counters: sorted, indexes: byName, log: common.ServiceLogger("catalog")}
}

// LoadCounterDefinitions reads a YAML file of CounterDefinition entries.
func LoadCounterDefinitions(path string) ([]common.CounterDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []common.CounterDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// LoadIndexDescriptors reads a YAML file of IndexDescriptor entries.
func LoadIndexDescriptors(path string) ([]common.IndexDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var descs []common.IndexDescriptor
	if err := yaml.Unmarshal(data, &descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// IndexDescriptor looks up a configured index by its handle.
func (c *Catalog) IndexDescriptor(indexTypeName string) (common.IndexDescriptor, bool) {
	d, ok := c.indexes[indexTypeName]
	return d, ok
}

// matcher evaluates a computationConditions/evaluationConditions predicate
// against a fact's data map. The predicate vocabulary mirrors the closed
// Stage match vocabulary used downstream: a flat map of field name to either
// a literal value (equality) or a single-key operator map
// ({"$gt": x}, {"$gte": x}, {"$lt": x}, {"$lte": x}, {"$ne": x}, {"$in": [..]}).
func matches(conditions map[string]interface{}, data map[string]interface{}) bool {
	for field, want := range conditions {
		got, present := data[field]
		if op, ok := want.(map[string]interface{}); ok && len(op) == 1 {
			if !matchOperator(op, got, present) {
				return false
			}
			continue
		}
		if !present || !equalScalar(got, want) {
			return false
		}
	}
	return true
}

func matchOperator(op map[string]interface{}, got interface{}, present bool) bool {
	for opName, operand := range op {
		switch opName {
		case "$ne":
			return !present || !equalScalar(got, operand)
		case "$in":
			list, _ := operand.([]interface{})
			for _, v := range list {
				if present && equalScalar(got, v) {
					return true
				}
			}
			return false
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false
			}
			return compareScalar(got, operand, opName)
		default:
			return false
		}
	}
	return false
}

func equalScalar(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareScalar(a, b interface{}, op string) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case "$gt":
		return af > bf
	case "$gte":
		return af >= bf
	case "$lt":
		return af < bf
	case "$lte":
		return af <= bf
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ApplicableCounters returns the counters whose ComputationConditions match
// fact, sorted ascending by FromTimeMs (the Catalog's stored order), along
// with a count of counters whose EvaluationConditions this fact could
// independently affect. If allowList is non-nil, counters whose name is not
// in it are dropped from Applied (EvaluationTouched still counts them).
func (c *Catalog) ApplicableCounters(fact common.Fact, allowList map[string]struct{}) common.ApplicableCounters {
	if c == nil || len(c.counters) == 0 {
		c.warnEmpty()
		return common.ApplicableCounters{}
	}

	result := common.ApplicableCounters{}
	for _, def := range c.counters {
		if len(def.EvaluationConditions) == 0 || matches(def.EvaluationConditions, fact.Data) {
			result.EvaluationTouched++
		}
		if !matches(def.ComputationConditions, fact.Data) {
			continue
		}
		if allowList != nil {
			if _, ok := allowList[def.Name]; !ok {
				continue
			}
		}
		result.Applied = append(result.Applied, def)
	}
	return result
}

func (c *Catalog) warnEmpty() {
	if c == nil || c.log == nil {
		return
	}
	c.log.Warn("no counter catalog configured, returning empty result")
}
