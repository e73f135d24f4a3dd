package ptdata_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfs/disruption"
	"tidbyt.dev/gtfs/kind"
	"tidbyt.dev/gtfs/model"
	"tidbyt.dev/gtfs/ptdata"
	"tidbyt.dev/gtfs/ptref"
	"tidbyt.dev/gtfs/storage"
)

func writeFixtureFeed(t *testing.T, w storage.FeedWriter) {
	require.NoError(t, w.WriteAgency(model.Agency{ID: "a1", Name: "Agency One", Timezone: "UTC"}))
	require.NoError(t, w.WriteRoute(model.Route{ID: "r1", AgencyID: "a1", ShortName: "1", LongName: "Route One", Type: model.RouteTypeBus}))

	require.NoError(t, w.WriteStop(model.Stop{ID: "station1", Name: "Central Station", LocationType: model.LocationTypeStation, Lat: 40.0, Lon: -74.0}))
	require.NoError(t, w.WriteStop(model.Stop{ID: "s1", Name: "Platform 1", LocationType: model.LocationTypeStop, ParentStation: "station1", Lat: 40.0001, Lon: -74.0001}))
	require.NoError(t, w.WriteStop(model.Stop{ID: "s2", Name: "Stop Two", LocationType: model.LocationTypeStop, Lat: 40.5, Lon: -74.5}))

	require.NoError(t, w.WriteCalendar(model.Calendar{
		ServiceID: "weekday",
		StartDate: "20240101",
		EndDate:   "20240107",
		Weekday:   0b1111111,
	}))

	require.NoError(t, w.BeginTrips())
	require.NoError(t, w.WriteTrip(model.Trip{ID: "t1", RouteID: "r1", ServiceID: "weekday", Headsign: "Downtown", DirectionID: 0}))
	require.NoError(t, w.EndTrips())

	require.NoError(t, w.BeginStopTimes())
	require.NoError(t, w.WriteStopTime(model.StopTime{TripID: "t1", StopID: "s1", StopSequence: 0, Arrival: "080000", Departure: "080000"}))
	require.NoError(t, w.WriteStopTime(model.StopTime{TripID: "t1", StopID: "s2", StopSequence: 1, Arrival: "081500", Departure: "081500"}))
	require.NoError(t, w.EndStopTimes())

	require.NoError(t, w.Close())
}

func buildFixtureDataset(t *testing.T, store *disruption.Store) *ptdata.Dataset {
	s := storage.NewMemoryStorage()
	w, err := s.GetWriter("hash1")
	require.NoError(t, err)
	writeFixtureFeed(t, w)

	r, err := s.GetReader("hash1")
	require.NoError(t, err)

	meta := &storage.FeedMetadata{
		Timezone:          "UTC",
		CalendarStartDate: "20240101",
		CalendarEndDate:   "20240107",
	}

	if store == nil {
		store = disruption.NewStore()
	}

	ds, err := ptdata.New(r, meta, store, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return ds
}

func TestDatasetBuildsEntityGraph(t *testing.T) {
	ds := buildFixtureDataset(t, nil)

	networks := ds.Objects(kind.Network)
	require.Len(t, networks, 1)
	assert.Equal(t, "network:a1", networks[0].URI)

	lines := ds.Objects(kind.Line)
	require.Len(t, lines, 1)
	assert.Equal(t, "line:r1", lines[0].URI)

	related := ds.Related(networks[0], kind.Line)
	require.Len(t, related, 1)
	assert.Equal(t, "line:r1", related[0].URI)

	stopAreas := ds.Objects(kind.StopArea)
	require.Len(t, stopAreas, 1)
	assert.Equal(t, "stop_area:station1", stopAreas[0].URI)

	stopPoints := ds.Objects(kind.StopPoint)
	require.Len(t, stopPoints, 2)

	linesAtArea := ds.Related(stopAreas[0], kind.Line)
	require.Len(t, linesAtArea, 1)
	assert.Equal(t, "line:r1", linesAtArea[0].URI)

	vjs := ds.Objects(kind.VehicleJourney)
	require.Len(t, vjs, 1)
	assert.Equal(t, "Downtown", vjs[0].Headsign)

	d, ok := ds.FirstDeparture(vjs[0].URI)
	require.True(t, ok)
	assert.Equal(t, 8*time.Hour, d)

	jps := ds.Related(vjs[0], kind.JourneyPattern)
	require.Len(t, jps, 1)

	points := ds.Related(jps[0], kind.JourneyPatternPoint)
	require.Len(t, points, 2)
}

func TestDatasetValidityPeriod(t *testing.T) {
	ds := buildFixtureDataset(t, nil)

	vjs := ds.Objects(kind.VehicleJourney)
	require.Len(t, vjs, 1)

	periods, ok := ds.ValidityPeriods(vjs[0])
	require.True(t, ok)
	require.Len(t, periods, 1)
	assert.True(t, periods[0].End.After(periods[0].Start))

	winStart, winEnd := ds.ValidityWindow()
	assert.Equal(t, "2024-01-01", winStart.Format("2006-01-02"))
	assert.Equal(t, "2024-01-08", winEnd.Format("2006-01-02"))
}

func TestDatasetImpactsAreWeakReferences(t *testing.T) {
	store := disruption.NewStore()
	ds := buildFixtureDataset(t, store)

	lines := ds.Objects(kind.Line)
	require.Len(t, lines, 1)
	assert.False(t, ds.HasDisruption(lines[0]))

	store.Replace([]disruption.Impact{
		{
			DisruptionURI: "d1",
			Effect:        disruption.EffectNoService,
			Periods:       []disruption.Period{{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)}},
			PublishFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			PublishUntil:  time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			Entities:      []disruption.InformedEntity{{LineURI: "r1"}},
		},
	})

	assert.True(t, ds.HasDisruption(lines[0]))

	impacts := ds.Objects(kind.Impact)
	require.Len(t, impacts, 1)

	informed := ds.Related(impacts[0], kind.Line)
	require.Len(t, informed, 1)
	assert.Equal(t, "line:r1", informed[0].URI)

	reverse := ds.Related(lines[0], kind.Impact)
	require.Len(t, reverse, 1)
	assert.Equal(t, impacts[0].URI, reverse[0].URI)
}

func TestDatasetSatisfiesPtrefQuery(t *testing.T) {
	ds := buildFixtureDataset(t, nil)

	var d ptref.Dataset = ds

	objs, err := ptref.MakeQuery(d, kind.StopPoint, "", ptref.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	_, err = ptref.MakeQuery(d, kind.Connection, "", ptref.QueryOptions{})
	assert.Error(t, err)
}
