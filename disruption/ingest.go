package disruption

import (
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/pkg/errors"
	proto "google.golang.org/protobuf/proto"
)

// Ingest unmarshals one or more GTFS Realtime feed messages and
// returns the Impacts carried in their Alert entities. Entities other
// than Alert (TripUpdate, VehiclePosition) are out of scope and
// skipped; a feed message carrying only those yields no impacts.
func Ingest(feeds [][]byte) ([]Impact, error) {
	var impacts []Impact

	for _, feed := range feeds {
		f := &gtfsproto.FeedMessage{}
		if err := proto.Unmarshal(feed, f); err != nil {
			return nil, errors.Wrap(err, "unmarshaling protobuf")
		}

		header := f.GetHeader()
		version := header.GetGtfsRealtimeVersion()
		if version != "2.0" && version != "1.0" {
			return nil, errors.Errorf("version %s not supported", version)
		}

		for _, entity := range f.GetEntity() {
			alert := entity.GetAlert()
			if alert == nil {
				continue
			}
			impacts = append(impacts, alertToImpact(entity.GetId(), alert))
		}
	}

	return impacts, nil
}

func alertToImpact(disruptionURI string, alert *gtfsproto.Alert) Impact {
	imp := Impact{
		DisruptionURI: disruptionURI,
		Effect:        convertEffect(alert.GetEffect()),
		Priority:      convertPriority(alert.GetCause()),
		Cause:         alert.GetCause().String(),
		Title:         translatedText(alert.GetHeaderText()),
		Description:   translatedText(alert.GetDescriptionText()),
	}

	if periods := alert.GetActivePeriod(); len(periods) > 0 {
		imp.Periods = make([]Period, 0, len(periods))
		for _, ap := range periods {
			var p Period
			if ap.Start != nil {
				p.Start = time.Unix(int64(ap.GetStart()), 0).UTC()
			}
			if ap.End != nil {
				p.End = time.Unix(int64(ap.GetEnd()), 0).UTC()
			}
			imp.Periods = append(imp.Periods, p)
		}

		// GTFS-RT has no field distinct from active_period for
		// the publish window; see the PublishFrom/PublishUntil
		// comment. Span the earliest start to the latest end across
		// all periods; an open bound on any period keeps that side
		// of the window open.
		for i, p := range imp.Periods {
			if i == 0 || (!imp.PublishFrom.IsZero() && (p.Start.IsZero() || p.Start.Before(imp.PublishFrom))) {
				imp.PublishFrom = p.Start
			}
			if i == 0 || (!imp.PublishUntil.IsZero() && (p.End.IsZero() || p.End.After(imp.PublishUntil))) {
				imp.PublishUntil = p.End
			}
		}
	}

	for _, sel := range alert.GetInformedEntity() {
		e := InformedEntity{}
		if sel.GetAgencyId() != "" {
			e.NetworkURI = sel.GetAgencyId()
		}
		if route := sel.GetRouteId(); route != "" {
			e.LineURI = route
		}
		if stop := sel.GetStopId(); stop != "" {
			e.StopAreaURI = stop
		}
		if trip := sel.GetTrip(); trip != nil && trip.GetTripId() != "" {
			e.VehicleJourneyURI = trip.GetTripId()
		}
		imp.Entities = append(imp.Entities, e)
	}

	return imp
}

func translatedText(ts *gtfsproto.TranslatedString) string {
	if ts == nil {
		return ""
	}
	for _, t := range ts.GetTranslation() {
		if t.GetLanguage() == "" || t.GetLanguage() == "en" {
			return t.GetText()
		}
	}
	if len(ts.GetTranslation()) > 0 {
		return ts.GetTranslation()[0].GetText()
	}
	return ""
}

func convertEffect(e gtfsproto.Alert_Effect) Effect {
	switch e {
	case gtfsproto.Alert_NO_SERVICE:
		return EffectNoService
	case gtfsproto.Alert_REDUCED_SERVICE:
		return EffectReducedService
	case gtfsproto.Alert_SIGNIFICANT_DELAYS:
		return EffectSignificantDelays
	case gtfsproto.Alert_DETOUR:
		return EffectDetour
	case gtfsproto.Alert_ADDITIONAL_SERVICE:
		return EffectAdditionalService
	case gtfsproto.Alert_MODIFIED_SERVICE:
		return EffectModifiedService
	case gtfsproto.Alert_STOP_MOVED:
		return EffectStopMoved
	case gtfsproto.Alert_OTHER_EFFECT:
		return EffectOtherEffect
	}
	return EffectUnknown
}

func convertPriority(cause gtfsproto.Alert_Cause) Priority {
	switch cause {
	case gtfsproto.Alert_ACCIDENT, gtfsproto.Alert_MEDICAL_EMERGENCY, gtfsproto.Alert_POLICE_ACTIVITY:
		return PriorityHighest
	case gtfsproto.Alert_MAINTENANCE, gtfsproto.Alert_CONSTRUCTION, gtfsproto.Alert_TECHNICAL_PROBLEM:
		return PriorityLowest
	}
	return PriorityDefault
}
