// Package ptdata adapts a parsed GTFS static feed (storage.FeedReader)
// and a disruption.Store into the kind-indexed entity graph that
// ptref and trafficreport query against. It is the PTRef-facing
// replacement for what the teacher's manager.go called "Static": the
// same GTFS-ingestion half, repointed at entity indices instead of
// departure boards.
package ptdata

import (
	"sort"
	"strconv"
	"time"

	"tidbyt.dev/gtfs/disruption"
	"tidbyt.dev/gtfs/kind"
	"tidbyt.dev/gtfs/ptref"
	"tidbyt.dev/gtfs/storage"
)

// relKey indexes the precomputed adjacency map built at construction
// time: every static (i.e. non-Impact) edge in kind.graph is resolved
// once up front, so Related() is a map lookup.
type relKey struct {
	from kind.Kind
	uri  string
	to   kind.Kind
}

type vjValidity struct {
	start, end time.Time
}

// Dataset is the production ptref.Dataset / trafficreport collaborator.
// Build one with New for each request (or refresh cycle); it holds no
// reference to the originating storage.FeedReader once constructed.
type Dataset struct {
	// Logger receives warnings encountered while building the
	// dataset (an unrecognized feed timezone, and similar). It
	// defaults to a log.Logger-backed implementation; set it to
	// ptref.NopLogger{} to silence it.
	Logger ptref.Logger

	store *disruption.Store
	asOf  time.Time

	objects map[kind.Kind][]ptref.Object
	byURI   map[kind.Kind]map[string]ptref.Object

	relations map[relKey][]ptref.Object

	prodStart, prodEnd time.Time

	firstDeparture map[string]time.Duration
	vjPeriod       map[string]vjValidity

	odtLevel map[string]ptref.OdtLevel

	uriKind map[string]kind.Kind // every known URI (any kind) -> its Kind, for KindOf

	stopAreaByRawID  map[string]string // raw GTFS stop_id (station) -> stop_area URI
	stopPointParent  map[string]string // raw GTFS stop_id -> raw GTFS parent station stop_id
	networkByRawID   map[string]string // raw agency_id (or "") -> network URI
	lineByRawID      map[string]string // raw route_id -> line URI
	vjByRawID        map[string]string // raw trip_id -> vehicle_journey URI
}

// New builds a Dataset from a parsed feed and the current disruption
// store. asOf is the instant used to evaluate HasDisruption and
// publishability; callers pass time.Now() in production and a fixed
// instant in tests.
func New(reader storage.FeedReader, meta *storage.FeedMetadata, store *disruption.Store, asOf time.Time) (*Dataset, error) {
	b := &builder{
		reader: reader,
		meta:   meta,
		store:  store,
		asOf:   asOf,
	}
	return b.build()
}

func (ds *Dataset) addObject(o ptref.Object) {
	ds.objects[o.Kind] = append(ds.objects[o.Kind], o)
	m, ok := ds.byURI[o.Kind]
	if !ok {
		m = map[string]ptref.Object{}
		ds.byURI[o.Kind] = m
	}
	m[o.URI] = o
	ds.uriKind[o.URI] = o.Kind
}

// KindOf looks up the Kind of any object this Dataset knows about by
// URI, regardless of what kind a caller expects it to be. This is the
// kind_of(uri) collaborator MakeQuery's forbidden-URI subtraction uses
// to resolve a forbidden URI of unknown kind before navigating it to
// the requested kind.
func (ds *Dataset) KindOf(uri string) (kind.Kind, bool) {
	if k, ok := ds.uriKind[uri]; ok {
		return k, true
	}
	for _, o := range ds.resolveImpacts() {
		if o.URI == uri {
			return kind.Impact, true
		}
	}
	return kind.Unknown, false
}

func (ds *Dataset) addRelation(fromKind kind.Kind, fromURI string, toObj ptref.Object) {
	key := relKey{from: fromKind, uri: fromURI, to: toObj.Kind}
	for _, existing := range ds.relations[key] {
		if existing.URI == toObj.URI {
			return
		}
	}
	ds.relations[key] = append(ds.relations[key], toObj)
}

// addRelationPair records the edge in both directions, since
// kind.graph always pairs {A,B} with {B,A}.
func (ds *Dataset) addRelationPair(a ptref.Object, b ptref.Object) {
	ds.addRelation(a.Kind, a.URI, b)
	ds.addRelation(b.Kind, b.URI, a)
}

func (ds *Dataset) Objects(k kind.Kind) []ptref.Object {
	if k == kind.Impact {
		return ds.resolveImpacts()
	}
	objs := ds.objects[k]
	out := make([]ptref.Object, len(objs))
	copy(out, objs)
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (ds *Dataset) ByURI(k kind.Kind, uri string) (ptref.Object, bool) {
	if k == kind.Impact {
		for _, o := range ds.resolveImpacts() {
			if o.URI == uri {
				return o, true
			}
		}
		return ptref.Object{}, false
	}
	o, ok := ds.byURI[k][uri]
	return o, ok
}

func (ds *Dataset) Related(o ptref.Object, to kind.Kind) []ptref.Object {
	if to == kind.Impact {
		return ds.impactsInforming(o)
	}
	if o.Kind == kind.Impact {
		return ds.informedBy(o, to)
	}
	out := ds.relations[relKey{from: o.Kind, uri: o.URI, to: to}]
	cp := make([]ptref.Object, len(out))
	copy(cp, out)
	return cp
}

func (ds *Dataset) HasDisruption(o ptref.Object) bool {
	for _, imp := range ds.impactRecordsFor(o) {
		if imp.SuppressesService() && imp.Active(ds.asOf) && imp.IsPublishable(ds.asOf) {
			return true
		}
	}
	return false
}

func (ds *Dataset) ValidityWindow() (time.Time, time.Time) {
	return ds.prodStart, ds.prodEnd
}

func (ds *Dataset) FirstDeparture(vjURI string) (time.Duration, bool) {
	d, ok := ds.firstDeparture[vjURI]
	return d, ok
}

func (ds *Dataset) ValidityPeriods(o ptref.Object) ([]ptref.Period, bool) {
	switch o.Kind {
	case kind.VehicleJourney:
		v, ok := ds.vjPeriod[o.URI]
		if !ok {
			return []ptref.Period{{}}, true
		}
		return []ptref.Period{{Start: v.start, End: v.end}}, true
	case kind.Impact:
		for _, imp := range ds.impactRecordsFor(o) {
			periods := make([]ptref.Period, len(imp.Periods))
			for i, p := range imp.Periods {
				periods[i] = ptref.Period{Start: p.Start, End: p.End}
			}
			return periods, true
		}
		return nil, false
	}
	return nil, false
}

func (ds *Dataset) ODTLevel(lineURI string) ptref.OdtLevel {
	return ds.odtLevel[lineURI]
}

// geoKinds lists the entity kinds DWITHIN (and so ProximityFindWithin)
// may be applied to.
var geoKinds = map[kind.Kind]bool{kind.StopPoint: true, kind.StopArea: true, kind.POI: true}

// ProximityFindWithin is the proximity-index collaborator ptref's
// DWITHIN resolution delegates to (spec.md §6), built the same way
// storage's own NearbyStops is: a linear scan scored with
// storage.HaversineDistance, here converted from kilometers to meters
// to match DWITHIN's distance argument.
func (ds *Dataset) ProximityFindWithin(k kind.Kind, lat, lon, dist float64) ([]ptref.Object, bool) {
	if !geoKinds[k] {
		return nil, false
	}

	var out []ptref.Object
	for _, o := range ds.Objects(k) {
		if !o.HasCoord {
			continue
		}
		if storage.HaversineDistance(lat, lon, o.Lat, o.Lon)*1000 <= dist {
			out = append(out, o)
		}
	}
	return out, true
}

// resolveImpacts re-reads every currently known impact from the store
// on every call, the point of holding only a *disruption.Store rather
// than a cached object slice: an Impact object is only ever as fresh
// as its latest Store generation.
func (ds *Dataset) resolveImpacts() []ptref.Object {
	impacts := ds.store.All()
	out := make([]ptref.Object, 0, len(impacts))
	for _, imp := range impacts {
		out = append(out, ds.impactObject(imp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// impactObject builds the ptref.Object for imp, carrying a weak
// disruption.Handle (as id/generation Attrs) rather than pinning the
// Impact value itself: any later lookup re-resolves against the
// Store's current generation and observes a dropped or superseded
// impact as a failed upgrade instead of returning stale data.
func (ds *Dataset) impactObject(imp disruption.Impact) ptref.Object {
	id, generation := ds.store.Handle(imp).Attrs()
	return ptref.Object{
		Kind: kind.Impact,
		URI:  "impact:" + strconv.FormatUint(uint64(imp.Id), 10),
		Name: imp.Title,
		Attrs: map[string]string{
			"impact_id":  id,
			"generation": generation,
			"cause":      imp.Cause,
			"effect":     strconv.Itoa(int(imp.Effect)),
		},
	}
}

// resolveHandle upgrades the weak handle carried in o.Attrs back into
// its live Impact. ok is false once the handle's generation has been
// superseded or the impact it named is gone, in which case callers
// treat it the same as "no impact here" rather than erroring.
func (ds *Dataset) resolveHandle(o ptref.Object) (disruption.Impact, bool) {
	h, ok := disruption.HandleFromAttrs(o.Attrs)
	if !ok {
		return disruption.Impact{}, false
	}
	imp, ok := ds.store.Resolve(h)
	if !ok {
		ds.Logger.Warn("impact %s: handle no longer resolves, dropping", o.URI)
		return disruption.Impact{}, false
	}
	return imp, true
}

// impactRecordsFor returns the live disruption.Impact records backing
// o, whatever o's kind: an Impact object resolves itself through its
// weak handle, any other kind resolves by asking the store for
// impacts informing its raw GTFS identifier.
func (ds *Dataset) impactRecordsFor(o ptref.Object) []disruption.Impact {
	if o.Kind == kind.Impact {
		imp, ok := ds.resolveHandle(o)
		if !ok {
			return nil
		}
		return []disruption.Impact{imp}
	}

	rawID := o.Attrs["gtfs_id"]
	switch o.Kind {
	case kind.Network:
		return ds.store.ForEntity(rawID, "", "", "")
	case kind.Line:
		return ds.store.ForEntity("", rawID, "", "")
	case kind.StopArea:
		return ds.store.ForEntity("", "", rawID, "")
	case kind.VehicleJourney:
		return ds.store.ForEntity("", "", "", rawID)
	}
	return nil
}

// impactsInforming returns the Impact objects affecting o (Network,
// Line, StopArea or VehicleJourney).
func (ds *Dataset) impactsInforming(o ptref.Object) []ptref.Object {
	var out []ptref.Object
	for _, imp := range ds.impactRecordsFor(o) {
		out = append(out, ds.impactObject(imp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// informedBy returns the objects of kind to that Impact object o
// informs, translating the raw GTFS ids on its InformedEntity records
// back into this Dataset's own URI scheme.
func (ds *Dataset) informedBy(o ptref.Object, to kind.Kind) []ptref.Object {
	imp, ok := ds.resolveHandle(o)
	if !ok {
		return nil
	}
	rec := &imp

	seen := map[string]bool{}
	var out []ptref.Object
	add := func(uri string, k kind.Kind) {
		if uri == "" || seen[uri] {
			return
		}
		obj, ok := ds.byURI[k][uri]
		if !ok {
			return
		}
		seen[uri] = true
		out = append(out, obj)
	}

	for _, e := range rec.Entities {
		switch to {
		case kind.Network:
			add(ds.networkByRawID[e.NetworkURI], kind.Network)
		case kind.Line:
			add(ds.lineByRawID[e.LineURI], kind.Line)
		case kind.StopArea:
			add(ds.resolveStopArea(e.StopAreaURI), kind.StopArea)
		case kind.VehicleJourney:
			add(ds.vjByRawID[e.VehicleJourneyURI], kind.VehicleJourney)
		}
	}
	return out
}

// resolveStopArea maps a raw GTFS stop_id (as carried by an
// InformedEntity) to the stop_area URI it belongs to: directly if the
// id names a station, otherwise by walking one parent_station hop up
// from a platform-level stop.
func (ds *Dataset) resolveStopArea(rawStopID string) string {
	if rawStopID == "" {
		return ""
	}
	if uri, ok := ds.stopAreaByRawID[rawStopID]; ok {
		return uri
	}
	if parent, ok := ds.stopPointParent[rawStopID]; ok {
		return ds.stopAreaByRawID[parent]
	}
	return ""
}
