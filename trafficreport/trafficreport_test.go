package trafficreport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfs/disruption"
	"tidbyt.dev/gtfs/model"
	"tidbyt.dev/gtfs/ptdata"
	"tidbyt.dev/gtfs/storage"
	"tidbyt.dev/gtfs/trafficreport"
)

func buildDataset(t *testing.T, store *disruption.Store, now time.Time) *ptdata.Dataset {
	s := storage.NewMemoryStorage()
	w, err := s.GetWriter("hash1")
	require.NoError(t, err)

	require.NoError(t, w.WriteAgency(model.Agency{ID: "n1", Name: "Network One", Timezone: "UTC"}))
	require.NoError(t, w.WriteRoute(model.Route{ID: "l1", AgencyID: "n1", ShortName: "1", LongName: "Line One", Type: model.RouteTypeBus}))
	require.NoError(t, w.WriteStop(model.Stop{ID: "sa1", Name: "Station", LocationType: model.LocationTypeStation, Lat: 1, Lon: 1}))
	require.NoError(t, w.WriteStop(model.Stop{ID: "sp1", Name: "Platform", LocationType: model.LocationTypeStop, ParentStation: "sa1", Lat: 1, Lon: 1}))
	require.NoError(t, w.WriteCalendar(model.Calendar{ServiceID: "svc", StartDate: "20240101", EndDate: "20240107", Weekday: 0b1111111}))

	require.NoError(t, w.BeginTrips())
	require.NoError(t, w.WriteTrip(model.Trip{ID: "v1", RouteID: "l1", ServiceID: "svc", Headsign: "Downtown"}))
	require.NoError(t, w.EndTrips())

	require.NoError(t, w.BeginStopTimes())
	require.NoError(t, w.WriteStopTime(model.StopTime{TripID: "v1", StopID: "sp1", StopSequence: 0, Arrival: "080000", Departure: "080000"}))
	require.NoError(t, w.EndStopTimes())
	require.NoError(t, w.Close())

	r, err := s.GetReader("hash1")
	require.NoError(t, err)

	meta := &storage.FeedMetadata{
		Timezone:          "UTC",
		CalendarStartDate: "20240101",
		CalendarEndDate:   "20240107",
	}

	ds, err := ptdata.New(r, meta, store, now)
	require.NoError(t, err)
	return ds
}

func TestAggregateEmptyStore(t *testing.T) {
	store := disruption.NewStore()
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ds := buildDataset(t, store, now)

	report, err := trafficreport.Aggregate(ds, store, now, "", nil, trafficreport.Pagination{Count: 10})
	require.NoError(t, err)
	assert.Equal(t, trafficreport.Report{}, report)
}

func TestAggregateGroupsByNetwork(t *testing.T) {
	store := disruption.NewStore()
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ds := buildDataset(t, store, now)

	store.Replace([]disruption.Impact{
		{
			DisruptionURI: "d1",
			Effect:        disruption.EffectNoService,
			Priority:      disruption.PriorityHighest,
			Periods:       []disruption.Period{{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)}},
			PublishFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			PublishUntil:  time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			Entities:      []disruption.InformedEntity{{VehicleJourneyURI: "v1"}},
		},
	})

	report, err := trafficreport.Aggregate(ds, store, now, "", nil, trafficreport.Pagination{Count: 10})
	require.NoError(t, err)
	require.Len(t, report.Networks, 1)

	nd := report.Networks[0]
	assert.Equal(t, "network:n1", nd.Network.URI)
	require.Len(t, nd.VehicleJourneys, 1)
	assert.Equal(t, "vj:v1", nd.VehicleJourneys[0].VehicleJourney.URI)
	require.Len(t, nd.VehicleJourneys[0].Impacts, 1)
	assert.Equal(t, "d1", nd.VehicleJourneys[0].Impacts[0].DisruptionURI)
}

func TestAggregatePaginationNoSolution(t *testing.T) {
	store := disruption.NewStore()
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ds := buildDataset(t, store, now)

	store.Replace([]disruption.Impact{
		{
			DisruptionURI: "d1",
			Effect:        disruption.EffectNoService,
			Periods:       []disruption.Period{{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)}},
			PublishFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			PublishUntil:  time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			Entities:      []disruption.InformedEntity{{VehicleJourneyURI: "v1"}},
		},
	})

	_, err := trafficreport.Aggregate(ds, store, now, "", nil, trafficreport.Pagination{Count: 10, StartPage: 5})
	assert.ErrorIs(t, err, trafficreport.ErrNoSolution)
}
