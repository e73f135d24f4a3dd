package ptref

import (
	"sort"

	"tidbyt.dev/gtfs/kind"
)

// QueryOptions carries the request-scoped restrictions MakeQuery
// applies on top of the parsed filter: excluded URIs, on-demand-
// transport handling, and the validity window.
type QueryOptions struct {
	ForbiddenURIs []string
	ODTLevel      OdtLevel
	Period        PeriodRestriction
}

// MakeQuery is the single entry point ptdata and the HTTP layer call:
// it parses request, resolves it against ds into objects of kind
// want, then applies the restrictions every request carries
// regardless of its filter text, in the same order the original's
// make_query does: forbidden-URI subtraction, ODT-level restriction
// (Line only), then validity-period restriction (VehicleJourney and
// Impact only). An empty request string returns every object of want,
// still subject to those restrictions. logger is optional, following
// the same variadic convention trafficreport.Aggregate uses; omitting
// it discards diagnostics.
func MakeQuery(ds Dataset, want kind.Kind, request string, opts QueryOptions, logger ...Logger) ([]Object, error) {
	log := Logger(NopLogger{})
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}

	if len(ds.Objects(want)) == 0 {
		return nil, &PtRefError{Request: request, Reason: "no requested object in the database"}
	}

	var objs []Object

	if request == "" {
		objs = ds.Objects(want)
	} else {
		f, err := Parse(request)
		if err != nil {
			return nil, err
		}
		objs, err = ResolveIndexes(ds, want, f, log)
		if err != nil {
			return nil, err
		}
	}

	objs, err := subtractForbidden(ds, want, objs, opts.ForbiddenURIs, log)
	if err != nil {
		return nil, err
	}

	if want == kind.Line {
		objs = filterODT(ds, objs, opts.ODTLevel)
	}
	if !opts.Period.IsZero() {
		if err := validatePeriod(ds, want, opts.Period); err != nil {
			return nil, err
		}
	}
	if want == kind.VehicleJourney || want == kind.Impact {
		objs = filterPeriod(ds, objs, opts.Period)
	}

	sortResult(ds, want, objs)

	if len(objs) == 0 {
		return nil, &PtRefError{Request: request, Reason: "unable to find object"}
	}

	return objs, nil
}

// sortResult orders the final result per spec.md §3: Network and Line
// get a dedicated natural comparator, every other kind is left in its
// natural index order. Since ptref.Object has no separate integer
// index of its own, URI order stands in for "natural index order" -
// it's assigned in a stable, deterministic build order by ptdata, so
// it satisfies the same "consistent, repeatable ordering" requirement
// the spec cares about without needing a dedicated index field.
func sortResult(ds Dataset, want kind.Kind, objs []Object) {
	switch want {
	case kind.Network:
		sort.Slice(objs, func(i, j int) bool { return objs[i].URI < objs[j].URI })
	case kind.Line:
		sort.Slice(objs, func(i, j int) bool { return lessLine(ds, objs[i], objs[j]) })
	default:
		sort.Slice(objs, func(i, j int) bool { return objs[i].URI < objs[j].URI })
	}
}

// lessLine orders Lines by (network URI, code, name), matching
// spec.md §3's "(code, name) with network as prefix".
func lessLine(ds Dataset, a, b Object) bool {
	na, nb := networkPrefix(ds, a), networkPrefix(ds, b)
	if na != nb {
		return na < nb
	}
	if a.Code != b.Code {
		return a.Code < b.Code
	}
	return a.Name < b.Name
}

func networkPrefix(ds Dataset, line Object) string {
	nets := ds.Related(line, kind.Network)
	if len(nets) == 0 {
		return ""
	}
	return nets[0].URI
}

// subtractForbidden implements spec.md §4.5 step 4's forbidden-URI
// post-filtering the way the original does it (ptreferential.cpp's
// get_type_of_id -> get_indexes<type> -> get_difference): each
// forbidden URI is looked up by its own kind, resolved to a single
// object of that kind, navigated across kind.ShortestPath to want, and
// subtracted from objs. A forbidden URI of a kind this Dataset has
// never seen is logged and otherwise ignored, rather than silently (or
// incorrectly) matched.
func subtractForbidden(ds Dataset, want kind.Kind, objs []Object, forbidden []string, log Logger) ([]Object, error) {
	if len(forbidden) == 0 {
		return objs, nil
	}

	excluded := map[string]bool{}
	for _, uri := range forbidden {
		k, ok := ds.KindOf(uri)
		if !ok {
			log.Warn("forbidden URI %q has unknown kind, ignoring", uri)
			continue
		}

		matched, err := ResolveIndexes(ds, want, Forbidden{Kind: k, URI: uri}, log)
		if err != nil {
			return nil, err
		}
		for _, m := range matched {
			excluded[m.URI] = true
		}
	}

	if len(excluded) == 0 {
		return objs, nil
	}

	out := objs[:0:0]
	for _, o := range objs {
		if !excluded[o.URI] {
			out = append(out, o)
		}
	}
	return out, nil
}
