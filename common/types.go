// Package common holds the data model shared by every component of the counter
// evaluation engine: facts, index entries, catalog configuration, and the error
// and logging scaffolding the rest of the packages build on.
package common

import "time"

// Fact is a canonicalized, deduplicated record of an ingested business event.
// Its identifier is a deterministic hash of business content; the core never
// derives it, only reads and upserts it once.
type Fact struct {
	ID        string                 `bson:"_id" json:"id"`
	Type      int                    `bson:"type" json:"type"`
	CreatedAt time.Time              `bson:"createdAt" json:"createdAt"`
	Data      map[string]interface{} `bson:"data" json:"data"`
}

// IndexEntry is a secondary lookup row derived from a Fact, keyed by a hash
// over a configured field. The core only reads and appends index entries; it
// never mutates or deletes one once written.
type IndexEntry struct {
	Hash          string                 `bson:"hash" json:"hash"`
	FactID        string                 `bson:"factId" json:"factId"`
	FactTime      time.Time              `bson:"factTime" json:"factTime"`
	CreatedAt     time.Time              `bson:"createdAt" json:"createdAt"`
	IndexType     int                    `bson:"indexType" json:"indexType"`
	IndexEncoding int                    `bson:"indexEncoding" json:"indexEncoding"`
	FieldValue    string                 `bson:"fieldValue,omitempty" json:"fieldValue,omitempty"`
	Data          map[string]interface{} `bson:"data,omitempty" json:"data,omitempty"`
}

// IndexDescriptor is immutable catalog configuration binding a business field
// to an index type. indexTypeName is the handle counters use to name which
// index they run against.
type IndexDescriptor struct {
	FieldName     string `yaml:"fieldName" json:"fieldName"`
	DateName      string `yaml:"dateName" json:"dateName"`
	IndexType     int    `yaml:"indexType" json:"indexType"`
	IndexEncoding int    `yaml:"indexEncoding" json:"indexEncoding"`
	IndexTypeName string `yaml:"indexTypeName" json:"indexTypeName"`
	Limit         int    `yaml:"limit" json:"limit"`
}

// CounterDefinition is catalog configuration describing one named aggregate.
// ComputationConditions gates whether the counter applies to the current
// fact; EvaluationConditions is folded into the aggregation's match stage
// against historical records.
type CounterDefinition struct {
	Name                  string                 `yaml:"name" json:"name"`
	IndexTypeName         string                 `yaml:"indexTypeName" json:"indexTypeName"`
	ComputationConditions map[string]interface{} `yaml:"computationConditions" json:"computationConditions"`
	EvaluationConditions  map[string]interface{} `yaml:"evaluationConditions" json:"evaluationConditions"`
	Attributes            map[string]interface{} `yaml:"attributes" json:"attributes"`
	FromTimeMs            int64                  `yaml:"fromTimeMs" json:"fromTimeMs"`
	ToTimeMs              int64                  `yaml:"toTimeMs" json:"toTimeMs"`
	MaxEvaluatedRecords   int                    `yaml:"maxEvaluatedRecords" json:"maxEvaluatedRecords"`
	MaxMatchingRecords    int                    `yaml:"maxMatchingRecords" json:"maxMatchingRecords"`
}

// CounterResult is the value side of the counter map returned to callers: a
// counter name mapped to either a scalar or a nested aggregation document.
type CounterResult map[string]interface{}

// ApplicableCounters is C1's output: the counters matching the current fact,
// sorted ascending by FromTimeMs, plus a count of counters whose evaluation
// conditions this fact could independently affect.
type ApplicableCounters struct {
	Applied           []CounterDefinition
	EvaluationTouched int
}
