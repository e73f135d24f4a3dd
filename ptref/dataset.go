package ptref

import (
	"time"

	"tidbyt.dev/gtfs/kind"
)

// Object is a single queryable entity: a line, a stop area, a vehicle
// journey, an active disruption, and so on. Rather than a Go type per
// kind.Kind (which the original's template-heavy C++ favors and Go's
// lack of algebraic subtyping makes awkward), ptref works against one
// concrete shape with a handful of optional fields, and relies on
// Dataset to know which fields make sense for which Kind.
type Object struct {
	Kind kind.Kind
	URI  string
	Name string
	Code string // empty if this kind has no code (e.g. VehicleJourney)

	HasCoord bool
	Lat, Lon float64

	Headsign string // VehicleJourney only

	// Attrs holds kind-specific attributes the grammar can compare
	// against beyond uri/name/code (e.g. "external_code",
	// "comment"). Absent keys make a Comparison clause resolve to
	// no match rather than an error, matching the original's
	// leniency toward unknown attributes on otherwise valid types.
	Attrs map[string]string
}

func (o Object) attr(name string) (string, bool) {
	switch name {
	case "uri":
		return o.URI, true
	case "name":
		return o.Name, true
	case "code":
		if o.Code == "" {
			return "", false
		}
		return o.Code, true
	}
	v, ok := o.Attrs[name]
	return v, ok
}

// Period is one [Start, End) application window. Either bound may be
// zero, meaning unbounded in that direction.
type Period struct {
	Start, End time.Time
}

// Dataset is everything the resolver needs from the underlying GTFS
// feed and disruption store to answer a PTRef query. ptdata.Dataset is
// the production implementation; tests use a fake.
type Dataset interface {
	// Objects returns every object of Kind k, in a stable order
	// (by URI) that downstream sorting can rely on as a tiebreaker.
	Objects(k kind.Kind) []Object

	// ByURI looks up a single object by kind and URI.
	ByURI(k kind.Kind, uri string) (Object, bool)

	// KindOf reports the Kind of any object known to this Dataset by
	// URI alone (kind_of(uri)), independent of any kind a caller might
	// expect. MakeQuery's forbidden-URI subtraction uses this to
	// resolve a forbidden URI of unknown kind before navigating it to
	// the requested kind; ok is false (Unknown) for a URI the Dataset
	// has never seen.
	KindOf(uri string) (kind.Kind, bool)

	// Related returns the objects of kind `to` directly reachable
	// from o along one edge of kind.graph. Multi-hop navigation is
	// done by the resolver calling Related repeatedly along
	// kind.ShortestPath.
	Related(o Object, to kind.Kind) []Object

	// HasDisruption reports whether o is covered by a publishable,
	// currently-active disruption of effect NO_SERVICE.
	HasDisruption(o Object) bool

	// ValidityWindow returns the production period's start and end,
	// used as the default bounds for period restriction when a
	// VehicleJourney or Impact carries no narrower validity of its
	// own.
	ValidityWindow() (start, end time.Time)

	// FirstDeparture returns the offset of a VehicleJourney's first
	// scheduled departure from local midnight, for period
	// restriction against wall-clock "since"/"until" bounds.
	FirstDeparture(vehicleJourneyURI string) (time.Duration, bool)

	// ValidityPeriods returns the effective application window(s) of a
	// VehicleJourney or Impact object: for a VehicleJourney, its
	// active calendar dates combined with FirstDeparture (always a
	// single period); for an Impact, its GTFS-RT active_period list,
	// which may name several disjoint windows, or be empty to mean
	// always active. ok is false for kinds that have no validity
	// period of their own, in which case callers fall back to
	// ValidityWindow.
	ValidityPeriods(o Object) (periods []Period, ok bool)

	// ODTLevel reports a Line's on-demand-transport classification
	// (manage_odt_level's hasOdtProperties in the original), used to
	// restrict Line queries to a specific OdtLevel.
	ODTLevel(lineURI string) OdtLevel

	// ProximityFindWithin returns every object of kind k within dist
	// meters of (lat, lon). This is the proximity-index collaborator
	// spec.md §6 describes (proximity_find_within): DWITHIN delegates
	// the geographic search to the Dataset rather than computing
	// distances itself, the same separation storage.Storage draws
	// between its FeedReader and NearbyStops. ok is false if k is not
	// one of the kinds this Dataset can place geographically.
	ProximityFindWithin(k kind.Kind, lat, lon, dist float64) (objs []Object, ok bool)
}
