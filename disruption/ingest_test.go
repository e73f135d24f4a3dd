package disruption_test

import (
	"testing"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"tidbyt.dev/gtfs/disruption"
)

func buildAlertFeed(t *testing.T, alerts map[string]*gtfsproto.Alert) []byte {
	msg := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
	}
	for id, alert := range alerts {
		msg.Entity = append(msg.Entity, &gtfsproto.FeedEntity{
			Id:    proto.String(id),
			Alert: alert,
		})
	}

	buf, err := proto.Marshal(msg)
	require.NoError(t, err)
	return buf
}

func TestIngestNoServiceAlert(t *testing.T) {
	feed := buildAlertFeed(t, map[string]*gtfsproto.Alert{
		"a1": {
			Effect: gtfsproto.Alert_NO_SERVICE.Enum(),
			Cause:  gtfsproto.Alert_ACCIDENT.Enum(),
			HeaderText: &gtfsproto.TranslatedString{
				Translation: []*gtfsproto.TranslatedString_Translation{
					{Text: proto.String("Line closed"), Language: proto.String("en")},
				},
			},
			ActivePeriod: []*gtfsproto.TimeRange{
				{Start: proto.Uint64(1000), End: proto.Uint64(2000)},
			},
			InformedEntity: []*gtfsproto.EntitySelector{
				{RouteId: proto.String("r1")},
			},
		},
	})

	impacts, err := disruption.Ingest([][]byte{feed})
	require.NoError(t, err)
	require.Len(t, impacts, 1)

	imp := impacts[0]
	assert.Equal(t, "a1", imp.DisruptionURI)
	assert.Equal(t, disruption.EffectNoService, imp.Effect)
	assert.Equal(t, disruption.PriorityHighest, imp.Priority)
	assert.Equal(t, "Line closed", imp.Title)
	assert.True(t, imp.SuppressesService())
	require.Len(t, imp.Entities, 1)
	assert.Equal(t, "r1", imp.Entities[0].LineURI)

	require.Len(t, imp.Periods, 1)
	assert.Equal(t, int64(1000), imp.Periods[0].Start.Unix())
	assert.Equal(t, int64(2000), imp.Periods[0].End.Unix())

	// GTFS-RT has no separate publish window, so it mirrors the
	// overall active period span.
	assert.Equal(t, imp.Periods[0].Start, imp.PublishFrom)
	assert.Equal(t, imp.Periods[0].End, imp.PublishUntil)
}

func TestIngestSkipsNonAlertEntities(t *testing.T) {
	msg := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsproto.FeedEntity{
			{Id: proto.String("tu1"), TripUpdate: &gtfsproto.TripUpdate{}},
		},
	}
	buf, err := proto.Marshal(msg)
	require.NoError(t, err)

	impacts, err := disruption.Ingest([][]byte{buf})
	require.NoError(t, err)
	assert.Len(t, impacts, 0)
}

func TestIngestRejectsUnsupportedVersion(t *testing.T) {
	msg := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{GtfsRealtimeVersion: proto.String("3.0")},
	}
	buf, err := proto.Marshal(msg)
	require.NoError(t, err)

	_, err = disruption.Ingest([][]byte{buf})
	assert.Error(t, err)
}
