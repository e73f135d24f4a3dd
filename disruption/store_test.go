package disruption_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfs/disruption"
)

func TestStoreHandleGoesStaleWhenRefreshChangesDisruption(t *testing.T) {
	s := disruption.NewStore()

	s.Replace([]disruption.Impact{
		{DisruptionURI: "d1", Effect: disruption.EffectNoService, Title: "first"},
	})

	impacts := s.All()
	require.Len(t, impacts, 1)
	h := s.Handle(impacts[0])

	s.Replace([]disruption.Impact{
		{DisruptionURI: "d1", Effect: disruption.EffectNoService, Title: "updated"},
	})

	imp, ok := s.Resolve(h)
	assert.False(t, ok, "handle taken against an older generation should not resolve")
	assert.Equal(t, disruption.Impact{}, imp)

	// Same DisruptionURI keeps the same ImpactId across the refresh.
	refreshed := s.All()
	require.Len(t, refreshed, 1)
	assert.Equal(t, "updated", refreshed[0].Title)

	newHandle := s.Handle(refreshed[0])
	imp, ok = s.Resolve(newHandle)
	require.True(t, ok)
	assert.Equal(t, "updated", imp.Title)
}

func TestStoreHandleGoesStaleWhenDisruptionIsRetired(t *testing.T) {
	s := disruption.NewStore()

	s.Replace([]disruption.Impact{{DisruptionURI: "d1"}})
	h := s.Handle(s.All()[0])

	s.Replace(nil)

	_, ok := s.Resolve(h)
	assert.False(t, ok)
	assert.Len(t, s.All(), 0)
}

func TestStoreForEntityMatchesAnyNonEmptyField(t *testing.T) {
	s := disruption.NewStore()
	s.Replace([]disruption.Impact{
		{
			DisruptionURI: "d1",
			Entities:      []disruption.InformedEntity{{LineURI: "l1"}},
		},
		{
			DisruptionURI: "d2",
			Entities:      []disruption.InformedEntity{{VehicleJourneyURI: "vj1"}},
		},
	})

	assert.Len(t, s.ForEntity("", "l1", "", ""), 1)
	assert.Len(t, s.ForEntity("", "", "", "vj1"), 1)
	assert.Len(t, s.ForEntity("", "l2", "", ""), 0)
}

func TestImpactActiveAndPublishable(t *testing.T) {
	imp := disruption.Impact{}
	assert.True(t, imp.Active(time.Now()), "no Periods means always active")
	assert.True(t, imp.IsPublishable(time.Now()), "zero PublishFrom/PublishUntil means always publishable")
}
