package planner

// Stage is the closed algebraic type every aggregation pipeline is built
// from. The planner only ever emits these eight variants; RenderStage in
// this package is the one place a Stage becomes the backend's wire form
// (Substitute calls it), so the storage gateway and query worker only ever
// receive rendered pipelines.
type Stage interface {
	isStage()
}

// MatchStage filters documents by predicate (a "$match" equivalent).
type MatchStage struct {
	Predicate ExprMap
}

func (MatchStage) isStage() {}

// LimitStage caps the number of documents flowing through.
type LimitStage struct {
	N int64
}

func (LimitStage) isStage() {}

// GroupStage aggregates documents into one group per distinct ID (ID is nil
// for the engine's "_id: null" single-group accumulation).
type GroupStage struct {
	ID           Expr
	Accumulators ExprMap
}

func (GroupStage) isStage() {}

// ProjectStage reshapes a document, dropping or computing fields.
type ProjectStage struct {
	Fields ExprMap
}

func (ProjectStage) isStage() {}

// FacetStage runs several named sub-pipelines over the same input set,
// emitting one array field per name.
type FacetStage struct {
	Facets map[string][]Stage
}

func (FacetStage) isStage() {}

// LookupStage performs a left outer join against another collection.
type LookupStage struct {
	From         string
	LocalField   string
	ForeignField string
	As           string
}

func (LookupStage) isStage() {}

// UnwindStage flattens an array field into one document per element.
type UnwindStage struct {
	Path                       string
	PreserveNullAndEmptyArrays bool
}

func (UnwindStage) isStage() {}

// AddFieldsStage computes new fields without reshaping the rest of the
// document.
type AddFieldsStage struct {
	Fields ExprMap
}

func (AddFieldsStage) isStage() {}

// substituteStages returns a new stage list with every placeholder resolved
// against data/now where possible.
func substituteStages(stages []Stage, data map[string]interface{}, now Literal, unresolved *[]string) []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		out[i] = substituteStage(s, data, now, unresolved)
	}
	return out
}

func substituteStage(s Stage, data map[string]interface{}, now Literal, unresolved *[]string) Stage {
	switch v := s.(type) {
	case MatchStage:
		return MatchStage{Predicate: substituteExpr(v.Predicate, data, now, unresolved).(ExprMap)}
	case GroupStage:
		id := v.ID
		if id != nil {
			id = substituteExpr(id, data, now, unresolved)
		}
		return GroupStage{ID: id, Accumulators: substituteExpr(v.Accumulators, data, now, unresolved).(ExprMap)}
	case ProjectStage:
		return ProjectStage{Fields: substituteExpr(v.Fields, data, now, unresolved).(ExprMap)}
	case AddFieldsStage:
		return AddFieldsStage{Fields: substituteExpr(v.Fields, data, now, unresolved).(ExprMap)}
	case FacetStage:
		facets := make(map[string][]Stage, len(v.Facets))
		for name, sub := range v.Facets {
			facets[name] = substituteStages(sub, data, now, unresolved)
		}
		return FacetStage{Facets: facets}
	default:
		return s
	}
}

// RenderStages converts a stage list into the plain []interface{} pipeline
// shape the IPC wire format and the storage gateway expect.
func RenderStages(stages []Stage) []interface{} {
	out := make([]interface{}, len(stages))
	for i, s := range stages {
		out[i] = RenderStage(s)
	}
	return out
}

// RenderStage converts one Stage into its "$operator" wire document.
func RenderStage(s Stage) map[string]interface{} {
	switch v := s.(type) {
	case MatchStage:
		return map[string]interface{}{"$match": renderExpr(v.Predicate)}
	case LimitStage:
		return map[string]interface{}{"$limit": v.N}
	case GroupStage:
		group := map[string]interface{}{"_id": renderOptionalExpr(v.ID)}
		for k, vv := range renderExpr(v.Accumulators).(map[string]interface{}) {
			group[k] = vv
		}
		return map[string]interface{}{"$group": group}
	case ProjectStage:
		return map[string]interface{}{"$project": renderExpr(v.Fields)}
	case AddFieldsStage:
		return map[string]interface{}{"$addFields": renderExpr(v.Fields)}
	case FacetStage:
		facets := make(map[string]interface{}, len(v.Facets))
		for name, sub := range v.Facets {
			facets[name] = RenderStages(sub)
		}
		return map[string]interface{}{"$facet": facets}
	case LookupStage:
		return map[string]interface{}{"$lookup": map[string]interface{}{
			"from":         v.From,
			"localField":   v.LocalField,
			"foreignField": v.ForeignField,
			"as":           v.As,
		}}
	case UnwindStage:
		return map[string]interface{}{"$unwind": map[string]interface{}{
			"path":                       v.Path,
			"preserveNullAndEmptyArrays": v.PreserveNullAndEmptyArrays,
		}}
	default:
		return nil
	}
}

func renderOptionalExpr(e Expr) interface{} {
	if e == nil {
		return nil
	}
	return renderExpr(e)
}
