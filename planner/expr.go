package planner

import "strings"

// Expr is the closed algebraic type for a value position inside a Stage.
// Counter authors write plain nested maps/slices/scalars; compileExpr turns
// that into this tagged tree exactly once, at grouping time. Substitution
// then walks the tagged tree directly instead of re-parsing a generic
// interface{} document on every fact.
type Expr interface {
	isExpr()
}

// Literal is any value that is not a placeholder: a string, number, bool,
// nil, or an already-resolved value substituted in from a prior pass.
type Literal struct {
	Value interface{}
}

func (Literal) isExpr() {}

// FieldPlaceholder is a "$$NAME" leaf, or (when Options.StrictDottedPlaceholders
// is false) a "$$d.NAME" leaf treated as its synonym: at substitution time it
// is replaced by fact.Data[Name]. Raw preserves the original token spelling
// so an unresolved placeholder renders back unchanged (survivors-only
// substitution, per the engine's totality property).
type FieldPlaceholder struct {
	Name string
	Raw  string
}

func (FieldPlaceholder) isExpr() {}

// DottedFieldPlaceholder is a "$$d.NAME" leaf under
// Options.StrictDottedPlaceholders: it is never substituted from fact.Data,
// since it names a nested-lookup position. It renders as a direct Mongo
// field path into the $lookup-joined document the gateway's lookup strategy
// adds as "fact", so it only resolves meaningfully inside a pipeline built
// for that strategy.
type DottedFieldPlaceholder struct {
	Name string
	Raw  string
}

func (DottedFieldPlaceholder) isExpr() {}

// NowPlaceholder is the case-insensitive "$$NOW" leaf, replaced by the
// single wall-clock timestamp captured once at plan time.
type NowPlaceholder struct {
	Raw string
}

func (NowPlaceholder) isExpr() {}

// ExprMap is a nested document: Mongo operator syntax ("$sum", "$gte", ...)
// lives in its keys exactly as authored; only values are tagged.
type ExprMap map[string]Expr

func (ExprMap) isExpr() {}

// ExprArray is a nested array of expressions.
type ExprArray []Expr

func (ExprArray) isExpr() {}

const placeholderPrefix = "$$"

// compileExpr converts a plain interface{} tree (as authored in YAML/JSON
// counter attributes) into the tagged Expr tree, recognizing "$$NAME",
// "$$d.NAME" and "$$NOW" string leaves as placeholders. strictDotted
// selects which Expr a "$$d.NAME" token compiles to: false (the default)
// treats it as a synonym of "$$NAME", true tags it DottedFieldPlaceholder
// so substitution leaves it for the nested-lookup pipeline to resolve.
func compileExpr(raw interface{}, strictDotted bool) Expr {
	switch v := raw.(type) {
	case map[string]interface{}:
		out := make(ExprMap, len(v))
		for k, vv := range v {
			out[k] = compileExpr(vv, strictDotted)
		}
		return out
	case []interface{}:
		out := make(ExprArray, len(v))
		for i, vv := range v {
			out[i] = compileExpr(vv, strictDotted)
		}
		return out
	case string:
		if strings.HasPrefix(v, placeholderPrefix) {
			name := strings.TrimPrefix(v, placeholderPrefix)
			if strings.EqualFold(name, "now") {
				return NowPlaceholder{Raw: v}
			}
			if dotted := strings.TrimPrefix(name, "d."); dotted != name {
				if strictDotted {
					return DottedFieldPlaceholder{Name: dotted, Raw: v}
				}
				return FieldPlaceholder{Name: dotted, Raw: v}
			}
			return FieldPlaceholder{Name: name, Raw: v}
		}
		return Literal{Value: v}
	default:
		return Literal{Value: v}
	}
}

// renderExpr converts a (possibly partially substituted) Expr tree back
// into the plain interface{} shape the wire pipeline and the storage
// gateway expect.
func renderExpr(e Expr) interface{} {
	switch v := e.(type) {
	case ExprMap:
		out := make(map[string]interface{}, len(v))
		for k, vv := range v {
			out[k] = renderExpr(vv)
		}
		return out
	case ExprArray:
		out := make([]interface{}, len(v))
		for i, vv := range v {
			out[i] = renderExpr(vv)
		}
		return out
	case Literal:
		return v.Value
	case FieldPlaceholder:
		return v.Raw
	case NowPlaceholder:
		return v.Raw
	case DottedFieldPlaceholder:
		return "$fact." + v.Name
	default:
		return nil
	}
}

// substituteExpr returns a new Expr with every resolvable placeholder leaf
// replaced. unresolved receives the name of any placeholder that had no
// matching fact field, for logging; it is never fatal.
func substituteExpr(e Expr, data map[string]interface{}, now Literal, unresolved *[]string) Expr {
	switch v := e.(type) {
	case ExprMap:
		out := make(ExprMap, len(v))
		for k, vv := range v {
			out[k] = substituteExpr(vv, data, now, unresolved)
		}
		return out
	case ExprArray:
		out := make(ExprArray, len(v))
		for i, vv := range v {
			out[i] = substituteExpr(vv, data, now, unresolved)
		}
		return out
	case NowPlaceholder:
		return now
	case FieldPlaceholder:
		if val, ok := data[v.Name]; ok {
			return Literal{Value: val}
		}
		if unresolved != nil {
			*unresolved = append(*unresolved, v.Name)
		}
		return v
	case DottedFieldPlaceholder:
		// Never substituted from fact.Data; it renders directly as a
		// nested-lookup field path instead.
		return v
	default:
		return e
	}
}
