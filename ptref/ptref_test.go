package ptref_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfs/kind"
	"tidbyt.dev/gtfs/ptref"
)

// fakeDataset is a tiny in-memory Dataset used to exercise the
// grammar and resolver without a real feed. It models one network,
// two lines (one of them ODT-only), a stop area with two stop points,
// a journey pattern with three ordered points, and two vehicle
// journeys, one of them disrupted.
type fakeDataset struct {
	objects map[kind.Kind][]ptref.Object
	edges   map[string][]ptref.Object // key: fromURI+"->"+string(to)
	odt     map[string]ptref.OdtLevel
	periods map[string][2]time.Time
	window  [2]time.Time
}

func newFakeDataset() *fakeDataset {
	ds := &fakeDataset{
		objects: map[kind.Kind][]ptref.Object{},
		edges:   map[string][]ptref.Object{},
		odt:     map[string]ptref.OdtLevel{},
		periods: map[string][2]time.Time{},
		window: [2]time.Time{
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		},
	}

	network := ptref.Object{Kind: kind.Network, URI: "network:1", Name: "Metro"}
	lineA := ptref.Object{Kind: kind.Line, URI: "line:A", Name: "A", Code: "A"}
	lineODT := ptref.Object{Kind: kind.Line, URI: "line:ODT", Name: "Demand Bus", Code: "D"}
	stopArea := ptref.Object{Kind: kind.StopArea, URI: "sa:1", Name: "Central", HasCoord: true, Lat: 40.0, Lon: -74.0}
	spNear := ptref.Object{Kind: kind.StopPoint, URI: "sp:near", Name: "Central Platform 1", HasCoord: true, Lat: 40.0001, Lon: -74.0001}
	spFar := ptref.Object{Kind: kind.StopPoint, URI: "sp:far", Name: "Far Platform", HasCoord: true, Lat: 41.0, Lon: -75.0}
	vj1 := ptref.Object{Kind: kind.VehicleJourney, URI: "vj:1", Name: "VJ1", Headsign: "Downtown"}
	vj2 := ptref.Object{Kind: kind.VehicleJourney, URI: "vj:2", Name: "VJ2", Headsign: "Uptown"}
	jp := ptref.Object{Kind: kind.JourneyPattern, URI: "jp:1", Name: "jp:1"}
	jpp0 := ptref.Object{Kind: kind.JourneyPatternPoint, URI: "jp:1:0", Name: "Central Platform 1", Attrs: map[string]string{"order": "0"}}
	jpp1 := ptref.Object{Kind: kind.JourneyPatternPoint, URI: "jp:1:1", Name: "Mid", Attrs: map[string]string{"order": "1"}}
	jpp2 := ptref.Object{Kind: kind.JourneyPatternPoint, URI: "jp:1:2", Name: "Far Platform", Attrs: map[string]string{"order": "2"}}

	ds.objects[kind.Network] = []ptref.Object{network}
	ds.objects[kind.Line] = []ptref.Object{lineA, lineODT}
	ds.objects[kind.StopArea] = []ptref.Object{stopArea}
	ds.objects[kind.StopPoint] = []ptref.Object{spNear, spFar}
	ds.objects[kind.VehicleJourney] = []ptref.Object{vj1, vj2}
	ds.objects[kind.JourneyPattern] = []ptref.Object{jp}
	ds.objects[kind.JourneyPatternPoint] = []ptref.Object{jpp0, jpp1, jpp2}

	ds.odt["line:ODT"] = ptref.OdtWithStops

	ds.link(network, kind.Line, lineA)
	ds.link(lineA, kind.Network, network)
	ds.link(lineA, kind.StopPoint, spNear)
	ds.link(spNear, kind.Line, lineA)
	ds.link(spNear, kind.StopArea, stopArea)
	ds.link(stopArea, kind.StopPoint, spNear)
	ds.link(stopArea, kind.StopPoint, spFar)
	ds.link(stopArea, kind.Line, lineA)
	ds.link(lineA, kind.StopArea, stopArea)

	ds.link(jp, kind.JourneyPatternPoint, jpp0, jpp1, jpp2)
	ds.link(jpp0, kind.JourneyPattern, jp)
	ds.link(jpp1, kind.JourneyPattern, jp)
	ds.link(jpp2, kind.JourneyPattern, jp)
	ds.link(jpp0, kind.StopPoint, spNear)
	ds.link(jpp2, kind.StopPoint, spFar)

	ds.periods["vj:1"] = [2]time.Time{
		time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	ds.periods["vj:2"] = [2]time.Time{
		time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC),
	}

	return ds
}

func (ds *fakeDataset) link(from ptref.Object, to kind.Kind, objs ...ptref.Object) {
	key := from.URI + "->" + to.String()
	ds.edges[key] = append(ds.edges[key], objs...)
}

func (ds *fakeDataset) Objects(k kind.Kind) []ptref.Object { return ds.objects[k] }

func (ds *fakeDataset) ByURI(k kind.Kind, uri string) (ptref.Object, bool) {
	for _, o := range ds.objects[k] {
		if o.URI == uri {
			return o, true
		}
	}
	return ptref.Object{}, false
}

func (ds *fakeDataset) KindOf(uri string) (kind.Kind, bool) {
	for k, objs := range ds.objects {
		for _, o := range objs {
			if o.URI == uri {
				return k, true
			}
		}
	}
	return kind.Unknown, false
}

func (ds *fakeDataset) Related(o ptref.Object, to kind.Kind) []ptref.Object {
	return ds.edges[o.URI+"->"+to.String()]
}

func (ds *fakeDataset) HasDisruption(o ptref.Object) bool {
	return o.URI == "vj:2"
}

func (ds *fakeDataset) ValidityWindow() (time.Time, time.Time) {
	return ds.window[0], ds.window[1]
}

func (ds *fakeDataset) FirstDeparture(uri string) (time.Duration, bool) {
	return 8 * time.Hour, true
}

func (ds *fakeDataset) ValidityPeriods(o ptref.Object) ([]ptref.Period, bool) {
	p, ok := ds.periods[o.URI]
	if !ok {
		return nil, false
	}
	return []ptref.Period{{Start: p[0], End: p[1]}}, true
}

func (ds *fakeDataset) ODTLevel(lineURI string) ptref.OdtLevel {
	return ds.odt[lineURI]
}

var fakeGeoKinds = map[kind.Kind]bool{kind.StopPoint: true, kind.StopArea: true, kind.POI: true}

func (ds *fakeDataset) ProximityFindWithin(k kind.Kind, lat, lon, dist float64) ([]ptref.Object, bool) {
	if !fakeGeoKinds[k] {
		return nil, false
	}
	var out []ptref.Object
	for _, o := range ds.objects[k] {
		if !o.HasCoord {
			continue
		}
		if haversineMeters(lat, lon, o.Lat, o.Lon) <= dist {
			out = append(out, o)
		}
	}
	return out, true
}

// haversineMeters mirrors storage.HaversineDistance (kilometers,
// converted to meters) without importing the storage package into
// this test, matching ptdata.Dataset's own ProximityFindWithin.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c * 1000
}

func TestParseComparison(t *testing.T) {
	f, err := ptref.Parse(`line.uri=line:A`)
	require.NoError(t, err)
	cmp, ok := f.(ptref.Comparison)
	require.True(t, ok)
	assert.Equal(t, kind.Line, cmp.Kind)
	assert.Equal(t, "uri", cmp.Attribute)
	assert.Equal(t, ptref.OpEq, cmp.Op)
	assert.Equal(t, "line:A", cmp.Value)
}

func TestParseConjunction(t *testing.T) {
	f, err := ptref.Parse(`line.code=A AND line.has_code(foo,bar)`)
	require.NoError(t, err)
	and, ok := f.(ptref.And)
	require.True(t, ok)
	assert.Len(t, and.Clauses, 2)
}

func TestParseLowercaseAnd(t *testing.T) {
	f, err := ptref.Parse(`line.code=A and line.code=B`)
	require.NoError(t, err)
	and, ok := f.(ptref.And)
	require.True(t, ok)
	assert.Len(t, and.Clauses, 2)
}

func TestParseHaving(t *testing.T) {
	f, err := ptref.Parse(`line HAVING (stop_point.uri=sp:near)`)
	require.NoError(t, err)
	h, ok := f.(ptref.Having)
	require.True(t, ok)
	assert.Equal(t, kind.Line, h.Kind)
	cmp, ok := h.Sub.(ptref.Comparison)
	require.True(t, ok)
	assert.Equal(t, kind.StopPoint, cmp.Kind)
}

func TestParseAfter(t *testing.T) {
	f, err := ptref.Parse(`AFTER(journey_pattern_point.uri=jp:1:0)`)
	require.NoError(t, err)
	a, ok := f.(ptref.After)
	require.True(t, ok)
	cmp, ok := a.Sub.(ptref.Comparison)
	require.True(t, ok)
	assert.Equal(t, "jp:1:0", cmp.Value)
}

func TestParseDWithin(t *testing.T) {
	f, err := ptref.Parse(`stop_point.coord DWITHIN(2.35,48.85,1000)`)
	require.NoError(t, err)
	cmp, ok := f.(ptref.Comparison)
	require.True(t, ok)
	assert.Equal(t, ptref.OpDWithin, cmp.Op)
	assert.Equal(t, "2.35,48.85,1000", cmp.Value)
}

func TestParseMethodNoArgs(t *testing.T) {
	f, err := ptref.Parse(`vehicle_journey.has_disruption()`)
	require.NoError(t, err)
	m, ok := f.(ptref.Method)
	require.True(t, ok)
	assert.Equal(t, "has_disruption", m.Name)
	assert.Empty(t, m.Args)
}

func TestParseMalformedGlobal(t *testing.T) {
	_, err := ptref.Parse(`line.uri=`)
	require.Error(t, err)
	var parseErr *ptref.GlobalParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseMalformedPartial(t *testing.T) {
	_, err := ptref.Parse(`line.uri=line:A trailing garbage`)
	require.Error(t, err)
	var parseErr *ptref.PartialParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Error(), ">>")
}

// testLogger records Warn calls so tests can assert on them, instead
// of asserting against the standard logger's stderr output.
type testLogger struct {
	warnings []string
}

func (l *testLogger) Warn(format string, args ...interface{}) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}
func (l *testLogger) Info(format string, args ...interface{}) {}

func TestResolveComparisonUnknownAttributeLogs(t *testing.T) {
	ds := newFakeDataset()
	log := &testLogger{}
	_, err := ptref.ResolveIndexes(ds, kind.Line, ptref.Comparison{Kind: kind.Line, Attribute: "no_such_attr", Op: ptref.OpEq, Value: "x"}, log)
	require.NoError(t, err)
	require.Len(t, log.warnings, 1)
	assert.Contains(t, log.warnings[0], "no_such_attr")
}

func TestResolveComparison(t *testing.T) {
	ds := newFakeDataset()
	objs, err := ptref.ResolveIndexes(ds, kind.Line, ptref.Comparison{Kind: kind.Line, Attribute: "code", Op: ptref.OpEq, Value: "A"})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "line:A", objs[0].URI)
}

func TestResolveNavigatesAcrossKinds(t *testing.T) {
	ds := newFakeDataset()
	// stop_area.uri=sa:1, requested as Line: stop_area -> line.
	objs, err := ptref.ResolveIndexes(ds, kind.Line, ptref.Comparison{Kind: kind.StopArea, Attribute: "uri", Op: ptref.OpEq, Value: "sa:1"})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "line:A", objs[0].URI)
}

func TestResolveHaving(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.Having{Kind: kind.Line, Sub: ptref.Comparison{Kind: kind.StopPoint, Attribute: "uri", Op: ptref.OpEq, Value: "sp:near"}}
	objs, err := ptref.ResolveIndexes(ds, kind.Line, f)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "line:A", objs[0].URI)
}

func TestResolveDWithin(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.Comparison{Kind: kind.StopPoint, Attribute: "coord", Op: ptref.OpDWithin, Value: "-74.0,40.0,50"}
	objs, err := ptref.ResolveIndexes(ds, kind.StopPoint, f)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "sp:near", objs[0].URI)
}

func TestResolveDWithinWrongKind(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.Comparison{Kind: kind.Line, Attribute: "coord", Op: ptref.OpDWithin, Value: "-74.0,40.0,50"}
	_, err := ptref.ResolveIndexes(ds, kind.Line, f)
	require.Error(t, err)
	var ptRefErr *ptref.PtRefError
	assert.ErrorAs(t, err, &ptRefErr)
}

func TestResolveDWithinMalformed(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.Comparison{Kind: kind.StopPoint, Attribute: "coord", Op: ptref.OpDWithin, Value: "not-a-triple"}
	_, err := ptref.ResolveIndexes(ds, kind.StopPoint, f)
	require.Error(t, err)
	var partial *ptref.PartialParseError
	assert.ErrorAs(t, err, &partial)
}

func TestResolveAfter(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.After{Sub: ptref.Comparison{Kind: kind.JourneyPatternPoint, Attribute: "uri", Op: ptref.OpEq, Value: "jp:1:0"}}
	objs, err := ptref.ResolveIndexes(ds, kind.JourneyPatternPoint, f)
	require.NoError(t, err)
	var uris []string
	for _, o := range objs {
		uris = append(uris, o.URI)
	}
	assert.ElementsMatch(t, []string{"jp:1:1", "jp:1:2"}, uris)
}

func TestResolveMethodHasDisruption(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.Method{Kind: kind.VehicleJourney, Name: "has_disruption"}
	objs, err := ptref.ResolveIndexes(ds, kind.VehicleJourney, f)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "vj:2", objs[0].URI)
}

func TestResolveMethodHasHeadsign(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.Method{Kind: kind.VehicleJourney, Name: "has_headsign", Args: []string{"Downtown"}}
	objs, err := ptref.ResolveIndexes(ds, kind.VehicleJourney, f)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "vj:1", objs[0].URI)
}

func TestResolveUnknownMethod(t *testing.T) {
	ds := newFakeDataset()
	f := ptref.Method{Kind: kind.VehicleJourney, Name: "not_a_real_method"}
	_, err := ptref.ResolveIndexes(ds, kind.VehicleJourney, f)
	require.Error(t, err)
	var partial *ptref.PartialParseError
	assert.ErrorAs(t, err, &partial)
}

func TestMakeQueryDefaultIncludesEveryLine(t *testing.T) {
	ds := newFakeDataset()
	objs, err := ptref.MakeQuery(ds, kind.Line, "", ptref.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, objs, 2)
}

func TestMakeQueryODTLevelRestriction(t *testing.T) {
	ds := newFakeDataset()
	objs, err := ptref.MakeQuery(ds, kind.Line, "", ptref.QueryOptions{ODTLevel: ptref.OdtWithStops})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "line:ODT", objs[0].URI)
}

func TestMakeQueryODTLevelRestrictionExcludesOtherLevels(t *testing.T) {
	ds := newFakeDataset()
	_, err := ptref.MakeQuery(ds, kind.Line, "", ptref.QueryOptions{ODTLevel: ptref.OdtZonal})
	require.Error(t, err)
	var ptRefErr *ptref.PtRefError
	assert.ErrorAs(t, err, &ptRefErr)
}

func TestMakeQueryForbiddenURI(t *testing.T) {
	ds := newFakeDataset()
	objs, err := ptref.MakeQuery(ds, kind.StopPoint, "", ptref.QueryOptions{ForbiddenURIs: []string{"sp:far"}})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "sp:near", objs[0].URI)
}

func TestMakeQueryForbiddenURICrossKind(t *testing.T) {
	ds := newFakeDataset()
	// Forbidding a StopArea URI while querying Line must navigate
	// sa:1 -> line:A and exclude it, not just compare URIs verbatim.
	objs, err := ptref.MakeQuery(ds, kind.Line, "", ptref.QueryOptions{ForbiddenURIs: []string{"sa:1"}})
	require.NoError(t, err)
	var uris []string
	for _, o := range objs {
		uris = append(uris, o.URI)
	}
	assert.NotContains(t, uris, "line:A")
	assert.Contains(t, uris, "line:ODT")
}

func TestMakeQueryForbiddenURIUnknownKindIsIgnored(t *testing.T) {
	ds := newFakeDataset()
	objs, err := ptref.MakeQuery(ds, kind.StopPoint, "", ptref.QueryOptions{ForbiddenURIs: []string{"no-such-uri"}})
	require.NoError(t, err)
	assert.Len(t, objs, 2)
}

func TestMakeQueryPeriodRestriction(t *testing.T) {
	ds := newFakeDataset()
	objs, err := ptref.MakeQuery(ds, kind.VehicleJourney, "", ptref.QueryOptions{
		Period: ptref.PeriodRestriction{
			Since: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			Until: time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "vj:1", objs[0].URI)
}

func TestMakeQueryPeriodUnsupportedKind(t *testing.T) {
	ds := newFakeDataset()
	_, err := ptref.MakeQuery(ds, kind.Line, "", ptref.QueryOptions{
		Period: ptref.PeriodRestriction{Until: time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)},
	})
	require.Error(t, err)
	var globalErr *ptref.GlobalParseError
	assert.ErrorAs(t, err, &globalErr)
}

func TestMakeQueryPeriodInvalidBounds(t *testing.T) {
	ds := newFakeDataset()
	_, err := ptref.MakeQuery(ds, kind.VehicleJourney, "", ptref.QueryOptions{
		Period: ptref.PeriodRestriction{
			Since: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
			Until: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.Error(t, err)
	var ptRefErr *ptref.PtRefError
	assert.ErrorAs(t, err, &ptRefErr)
}
