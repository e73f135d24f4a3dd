package ptref

import "tidbyt.dev/gtfs/kind"

// Operator is one of the comparison operators the grammar accepts.
// DWithin is written as a keyword operator ("DWITHIN") rather than a
// symbol, but it compiles to the same Comparison shape as the others.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpDWithin
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpDWithin:
		return "DWITHIN"
	}
	return "?"
}

// Filter is the tagged union produced by parsing a PTRef request. Each
// variant below implements it, mirroring spec.md §3's five shapes
// (Binary, Having, After, Method, Forbidden).
type Filter interface {
	filterNode()
}

// And is an implicit conjunction of clauses, as in "a and b and c".
type And struct {
	Clauses []Filter
}

// Comparison is the Binary shape: "<kind>.<attribute> <op> <value>",
// e.g. "line.uri=line:1" or "stop_point.coord DWITHIN(2.35,48.85,1000)".
// Only uri/name/code are guaranteed to be understood for every kind;
// unsupported attributes are accepted by the grammar but rejected
// (permissively, resolving to no match) by the predicate compiler.
type Comparison struct {
	Kind      kind.Kind
	Attribute string
	Op        Operator
	Value     string
}

// Method is "<kind>.<name>(arg, arg, ...)", e.g.
// "vehicle_journey.has_disruption()" or
// "line.has_code(external_code, 42)". The argument list may be empty.
type Method struct {
	Kind kind.Kind
	Name string
	Args []string
}

// Having is "<kind> HAVING (<sub-filter>)": objects of Kind navigable
// from whatever Sub resolves to. Sub is parsed once, at grammar time,
// from the bracket-string's body.
type Having struct {
	Kind kind.Kind
	Sub  Filter
}

// After is "AFTER(<sub-filter>)": journey_pattern_points that come
// strictly after, on the same journey pattern, whichever
// journey_pattern_points Sub resolves to.
type After struct {
	Sub Filter
}

// Forbidden excludes a specific object by URI. It is how
// forbidden_uris is threaded through the same Filter representation
// used for parsed clauses, so the resolver has one subtraction
// codepath instead of two.
type Forbidden struct {
	Kind kind.Kind
	URI  string
}

func (And) filterNode()        {}
func (Comparison) filterNode() {}
func (Method) filterNode()     {}
func (Having) filterNode()     {}
func (After) filterNode()      {}
func (Forbidden) filterNode()  {}
