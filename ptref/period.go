package ptref

import (
	"time"

	"tidbyt.dev/gtfs/kind"
)

// PeriodRestriction bounds a query to objects active during
// [Since, Until], Until being inclusive of its final second (see
// effectivePeriod). A zero value means unrestricted in that direction;
// it is then clamped to the dataset's production period.
type PeriodRestriction struct {
	Since, Until time.Time
}

// IsZero reports whether r carries no restriction at all.
func (r PeriodRestriction) IsZero() bool {
	return r.Since.IsZero() && r.Until.IsZero()
}

// validatePeriod enforces spec.md §4.5 step 6: a period restriction is
// only supported for VehicleJourney and Impact; Until must not
// precede Since; and the requested bounds must not fall wholly
// outside the dataset's production period.
func validatePeriod(ds Dataset, want kind.Kind, r PeriodRestriction) error {
	if r.IsZero() {
		return nil
	}
	if want != kind.VehicleJourney && want != kind.Impact {
		return &GlobalParseError{Request: "since/until restriction is not supported for " + want.String()}
	}
	if !r.Since.IsZero() && !r.Until.IsZero() && r.Until.Before(r.Since) {
		return &PtRefError{Reason: "until precedes since"}
	}

	prodStart, prodEnd := ds.ValidityWindow()
	if !r.Until.IsZero() && r.Until.Before(prodStart) {
		return &PtRefError{Reason: "until lies entirely outside the production period"}
	}
	if !r.Since.IsZero() && r.Since.After(prodEnd) {
		return &PtRefError{Reason: "since lies entirely outside the production period"}
	}
	return nil
}

// effectivePeriod computes [max(since, production_start),
// min(until, production_end)+1s), mirroring filter_on_period's
// handling of partially-open bounds: a caller-supplied Since/Until
// narrows the production window but never widens it, and Until is
// treated as inclusive of its final second.
func effectivePeriod(ds Dataset, r PeriodRestriction) (time.Time, time.Time) {
	prodStart, prodEnd := ds.ValidityWindow()

	since := prodStart
	if !r.Since.IsZero() && r.Since.After(since) {
		since = r.Since
	}

	until := prodEnd
	if !r.Until.IsZero() && r.Until.Before(until) {
		until = r.Until
	}
	until = until.Add(time.Second)

	return since, until
}

// filterPeriod keeps only the objects (VehicleJourney or Impact) that
// have at least one validity period intersecting the effective period.
// Objects with no validity period of their own (ValidityPeriods's
// ok == false), and Impacts with an empty period list (always active,
// per Impact.Active), pass through unfiltered; this mirrors the
// original's filter_on_period/filter_impact_on_period surviving-if-any
// rule for an Impact's possibly-disjoint application windows.
func filterPeriod(ds Dataset, objs []Object, r PeriodRestriction) []Object {
	since, until := effectivePeriod(ds, r)

	var out []Object
	for _, o := range objs {
		periods, ok := ds.ValidityPeriods(o)
		if !ok || len(periods) == 0 {
			out = append(out, o)
			continue
		}
		for _, p := range periods {
			if p.Start.Before(until) && p.End.After(since) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// filterODT restricts Line objects to the requested OdtLevel, mirroring
// manage_odt_level: OdtAll is a no-op (every Line, ODT or not, passes),
// any other level keeps only Lines whose own classification matches it
// exactly.
func filterODT(ds Dataset, objs []Object, level OdtLevel) []Object {
	if level == OdtAll {
		return objs
	}
	var out []Object
	for _, o := range objs {
		if o.Kind != kind.Line {
			continue
		}
		if ds.ODTLevel(o.URI) == level {
			out = append(out, o)
		}
	}
	return out
}
