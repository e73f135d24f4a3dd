package ptref

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"tidbyt.dev/gtfs/kind"
)

// ResolveIndexes evaluates f against ds and returns the matching
// objects of kind want. It is the Go counterpart of the original's
// get_indexes: each Filter variant resolves to a set of indices of
// its own declared Kind first, then (if that differs from want) is
// navigated across kind.ShortestPath to land on want's indices. logger
// is optional, following the same variadic convention as MakeQuery;
// omitting it discards diagnostics (e.g. an unknown-attribute warning).
func ResolveIndexes(ds Dataset, want kind.Kind, f Filter, logger ...Logger) ([]Object, error) {
	log := Logger(NopLogger{})
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}

	objs, err := resolve(ds, want, f, log)
	if err != nil {
		return nil, err
	}
	return navigate(ds, objs, want), nil
}

// resolve evaluates f and returns objects of whatever kind f itself
// is scoped to (f's own Kind field), except for And, which navigates
// each clause to want and intersects there directly; want is passed
// down so And can do that without first collapsing everything into
// one clause's native kind.
func resolve(ds Dataset, want kind.Kind, f Filter, log Logger) ([]Object, error) {
	switch v := f.(type) {
	case And:
		return resolveAnd(ds, want, v, log)
	case Comparison:
		return resolveComparison(ds, v, log)
	case Method:
		return resolveMethod(ds, v)
	case Having:
		return resolveHaving(ds, v, log)
	case After:
		return resolveAfter(ds, v, log)
	case Forbidden:
		return resolveForbidden(ds, v)
	}
	return nil, errors.Errorf("unhandled filter type %T", f)
}

// resolveForbidden looks up the single object a Forbidden clause
// names, directly by kind and URI; MakeQuery's forbidden-URI
// subtraction is the only producer of this Filter variant.
func resolveForbidden(ds Dataset, v Forbidden) ([]Object, error) {
	o, ok := ds.ByURI(v.Kind, v.URI)
	if !ok {
		return nil, nil
	}
	return []Object{o}, nil
}

// resolveAnd implements spec.md §4.5 step 3's "evaluate the first
// filter ..., then for each remaining filter take the intersection
// with its evaluation": each clause is resolved in its own native
// kind and navigated to want *individually*, then intersected in
// want-space, matching get_indexes<T>/make_query's per-filter loop in
// the original (ptreferential.cpp). Navigating only the conjunction's
// final result (or collapsing every clause into the first clause's
// own kind first) is wrong whenever the clauses name different kinds:
// a clause's own relation to want can differ from its relation to
// another clause's kind, so the two navigations aren't interchangeable.
func resolveAnd(ds Dataset, want kind.Kind, v And, log Logger) ([]Object, error) {
	if len(v.Clauses) == 0 {
		return nil, errors.New("empty conjunction")
	}

	var result map[string]Object
	for _, clause := range v.Clauses {
		objs, err := resolve(ds, want, clause, log)
		if err != nil {
			return nil, err
		}
		objs = navigate(ds, objs, want)

		byURI := map[string]Object{}
		for _, o := range objs {
			byURI[o.URI] = o
		}
		if result == nil {
			result = byURI
			continue
		}
		for uri := range result {
			if _, ok := byURI[uri]; !ok {
				delete(result, uri)
			}
		}
		if len(result) == 0 {
			break // spec.md §4.5 step 3: intersections stop early on empty sets
		}
	}

	return sortedValues(result), nil
}

// resolveComparison evaluates a Binary filter. An attribute the Kind's
// objects never carry at all (as opposed to one that's merely absent
// on some objects, which is expected and resolves those objects to no
// match) is logged once per call: spec-wise, an unsupported attribute
// is accepted by the grammar but its use is still observable.
func resolveComparison(ds Dataset, v Comparison, log Logger) ([]Object, error) {
	if v.Op == OpDWithin {
		return resolveDWithin(ds, v)
	}
	if v.Attribute == "uri" && v.Op == OpEq {
		return resolveByURI(ds, v)
	}

	objects := ds.Objects(v.Kind)
	var out []Object
	sawAttr := false
	for _, o := range objects {
		val, ok := o.attr(v.Attribute)
		if !ok {
			continue
		}
		sawAttr = true
		if compare(val, v.Value, v.Op) {
			out = append(out, o)
		}
	}
	if len(objects) > 0 && !sawAttr {
		log.Warn("unknown attribute %q for kind %s", v.Attribute, v.Kind)
	}
	return out, nil
}

// resolveByURI implements the original's filter_by_uri optimization
// (ptreferential.cpp): a root-level "uri=<value>" comparison looks the
// object up directly instead of scanning every object of the kind.
func resolveByURI(ds Dataset, v Comparison) ([]Object, error) {
	o, ok := ds.ByURI(v.Kind, v.Value)
	if !ok {
		return nil, nil
	}
	return []Object{o}, nil
}

func compare(lhs, rhs string, op Operator) bool {
	if lf, err1 := strconv.ParseFloat(lhs, 64); err1 == nil {
		if rf, err2 := strconv.ParseFloat(rhs, 64); err2 == nil {
			return compareOrdered(lf, rf, op)
		}
	}
	switch op {
	case OpEq:
		return lhs == rhs
	case OpNe:
		return lhs != rhs
	case OpLt:
		return lhs < rhs
	case OpLe:
		return lhs <= rhs
	case OpGt:
		return lhs > rhs
	case OpGe:
		return lhs >= rhs
	}
	return false
}

func compareOrdered[T int | float64](lhs, rhs T, op Operator) bool {
	switch op {
	case OpEq:
		return lhs == rhs
	case OpNe:
		return lhs != rhs
	case OpLt:
		return lhs < rhs
	case OpLe:
		return lhs <= rhs
	case OpGt:
		return lhs > rhs
	case OpGe:
		return lhs >= rhs
	}
	return false
}

// resolveDWithin implements spec.md §4.3's "Binary with DWITHIN":
// the comparison's Value is "lon,lat,dist" (each trimmed, decimal);
// the filter's Kind must be one ds can place geographically. The
// actual search is delegated to ds.ProximityFindWithin (spec.md §6's
// proximity-index collaborator), not computed here.
func resolveDWithin(ds Dataset, v Comparison) ([]Object, error) {
	lon, lat, dist, err := parseDWithinTriple(v.Value)
	if err != nil {
		return nil, &PartialParseError{Remainder: v.Value, Reason: err.Error()}
	}

	out, ok := ds.ProximityFindWithin(v.Kind, lat, lon, dist)
	if !ok {
		return nil, &PtRefError{Reason: "object cannot be used with DWITHIN"}
	}
	return out, nil
}

func parseDWithinTriple(value string) (lon, lat, dist float64, err error) {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return 0, 0, 0, errors.Errorf("expected \"lon,lat,dist\", got %q", value)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "parsing longitude")
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "parsing latitude")
	}
	dist, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "parsing distance")
	}
	return lon, lat, dist, nil
}

func resolveMethod(ds Dataset, v Method) ([]Object, error) {
	switch v.Name {
	case "has_headsign", "has_disruption":
		if v.Kind != kind.VehicleJourney {
			return nil, &PartialParseError{Remainder: v.Name + "(...)", Reason: "unknown method"}
		}
	case "has_code":
	default:
		return nil, &PartialParseError{Remainder: v.Name + "(...)", Reason: "unknown method"}
	}

	var out []Object
	for _, o := range ds.Objects(v.Kind) {
		if matchMethod(ds, o, v) {
			out = append(out, o)
		}
	}
	return out, nil
}

// matchMethod implements the three method calls spec.md §4.3 defines.
// has_code is empty (matches nothing) for kinds with no code index of
// their own, here approximated by the object's Attrs map (ptref has
// no separate multi-valued code index; Attrs doubles as it, per
// DESIGN.md).
func matchMethod(ds Dataset, o Object, v Method) bool {
	switch v.Name {
	case "has_disruption":
		return ds.HasDisruption(o)
	case "has_headsign":
		return len(v.Args) == 1 && o.Headsign == v.Args[0]
	case "has_code":
		if len(v.Args) != 2 {
			return false
		}
		val, ok := o.Attrs[v.Args[0]]
		return ok && val == v.Args[1]
	}
	return false
}

// resolveHaving implements "<kind> HAVING (<sub>)": parse the bracket
// value as a new filter string against the same engine, requested
// kind = kind of object (spec.md §4.3).
func resolveHaving(ds Dataset, v Having, log Logger) ([]Object, error) {
	return ResolveIndexes(ds, v.Kind, v.Sub, log)
}

// resolveAfter implements AFTER(<sub>): journey_pattern_points whose
// order strictly exceeds the order of whichever journey_pattern_points
// Sub resolves to, restricted to the same journey_pattern(s).
func resolveAfter(ds Dataset, v After, log Logger) ([]Object, error) {
	matched, err := ResolveIndexes(ds, kind.JourneyPatternPoint, v.Sub, log)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	type bound struct {
		jpURI string
		order int
	}
	var bounds []bound
	for _, m := range matched {
		order, err := orderOf(m)
		if err != nil {
			continue
		}
		for _, jp := range ds.Related(m, kind.JourneyPattern) {
			bounds = append(bounds, bound{jpURI: jp.URI, order: order})
		}
	}

	seen := map[string]bool{}
	var out []Object
	for _, b := range bounds {
		jp, ok := ds.ByURI(kind.JourneyPattern, b.jpURI)
		if !ok {
			continue
		}
		for _, p := range ds.Related(jp, kind.JourneyPatternPoint) {
			if seen[p.URI] {
				continue
			}
			order, err := orderOf(p)
			if err != nil {
				continue
			}
			if order > b.order {
				seen[p.URI] = true
				out = append(out, p)
			}
		}
	}
	return sortedValues(toMap(out)), nil
}

func toMap(objs []Object) map[string]Object {
	m := make(map[string]Object, len(objs))
	for _, o := range objs {
		m[o.URI] = o
	}
	return m
}

func orderOf(o Object) (int, error) {
	raw, ok := o.attr("order")
	if !ok {
		return 0, errors.Errorf("journey_pattern_point %q has no order attribute", o.URI)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing order of %q", o.URI)
	}
	return n, nil
}

// navigate moves a set of objects of one kind to the corresponding
// set of a different kind by following kind.ShortestPath one hop at a
// time through Dataset.Related.
func navigate(ds Dataset, objs []Object, want kind.Kind) []Object {
	if len(objs) == 0 {
		return nil
	}
	from := objs[0].Kind
	if from == want {
		return objs
	}

	path := kind.ShortestPath(from, want)
	if path == nil {
		return nil
	}

	cur := objs
	for i := 1; i < len(path); i++ {
		next := map[string]Object{}
		for _, o := range cur {
			for _, r := range ds.Related(o, path[i]) {
				next[r.URI] = r
			}
		}
		cur = sortedValues(next)
		if len(cur) == 0 {
			return nil
		}
	}
	return cur
}

func sortedValues(m map[string]Object) []Object {
	out := make([]Object, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}
