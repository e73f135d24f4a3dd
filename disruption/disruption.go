// Package disruption models publishable service disruptions ingested
// from GTFS Realtime Service Alerts, and the weak-reference handles
// ptref and trafficreport use to point at them without pinning a
// specific in-memory generation of the store.
package disruption

import "time"

// Effect mirrors the subset of GTFS-RT Alert.Effect that changes
// whether an entity is considered actively disrupted for PTRef's
// has_disruption() and the traffic-reports aggregation. Effects the
// feed can express but that don't suppress service (DETOUR,
// SIGNIFICANT_DELAYS, MODIFIED_SERVICE, ADDITIONAL_SERVICE,
// OTHER_EFFECT, UNKNOWN_EFFECT) are kept for display but never make
// HasDisruption true.
type Effect int

const (
	EffectUnknown Effect = iota
	EffectNoService
	EffectReducedService
	EffectSignificantDelays
	EffectDetour
	EffectAdditionalService
	EffectModifiedService
	EffectOtherEffect
	EffectStopMoved
)

// Priority ranks disruptions for traffic-report sorting; lower values
// sort first. It is attached at ingest time, either carried over from
// an Alert's cause/severity or assigned a default.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityDefault Priority = 50
	PriorityLowest  Priority = 100
)

// InformedEntity names one object affected by a Disruption: a
// network, a line, a stop area, or a vehicle journey.
type InformedEntity struct {
	NetworkURI        string
	LineURI           string
	StopAreaURI       string
	VehicleJourneyURI string
}

// Period is one [Start, End) application window. Either bound may be
// zero, meaning unbounded in that direction.
type Period struct {
	Start, End time.Time
}

// contains reports whether p covers instant t. A Period with both
// bounds zero covers every instant.
func (p Period) contains(t time.Time) bool {
	if p.Start.IsZero() && p.End.IsZero() {
		return true
	}
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && !t.Before(p.End) {
		return false
	}
	return true
}

// Impact is one versioned application of a Disruption: its effect,
// the period(s) it is active, and the entities it informs. A
// Disruption can carry multiple Impacts over its lifetime as an
// operator updates severity or scope; only the current Impact is
// kept, but its identity (Id, Generation) persists across updates so
// that handles taken before an update can detect staleness.
type Impact struct {
	Id         ImpactId
	Generation uint64

	DisruptionURI string
	Effect        Effect
	Priority      Priority
	Cause         string
	Title         string
	Description   string

	// Periods holds the application windows: when the alteration
	// itself is in effect. A GTFS-RT Alert's active_period field
	// may carry several disjoint windows (e.g. rush hours on
	// several days); an empty Periods list means "always active",
	// matching a GTFS-RT Alert with no active_period entries at
	// all.
	Periods []Period

	// PublishFrom/PublishUntil is the parent disruption's
	// publication window: when the alteration may be shown to
	// riders at all, independent of whether it is currently
	// active. GTFS Realtime's Service Alerts feed has no separate
	// publish window field, so Ingest derives it from the overall
	// span of active_period (start of the earliest period to end
	// of the latest); a feed that wants to publish an alert ahead
	// of its effective period (a common real-world pattern this
	// simplification can't express) would need a richer wire
	// format than GTFS-RT provides.
	PublishFrom, PublishUntil time.Time

	Entities []InformedEntity
}

// Active reports whether any of the impact's periods covers instant
// t; an Impact with no periods at all is always active, matching
// filter_impact_on_period's original treatment of an unbounded
// disruption in source/disruption/traffic_reports_api.cpp.
func (imp Impact) Active(t time.Time) bool {
	if len(imp.Periods) == 0 {
		return true
	}
	for _, p := range imp.Periods {
		if p.contains(t) {
			return true
		}
	}
	return false
}

// IsPublishable reports whether the parent disruption's publication
// window contains t, the condition traffic-reports filters every
// impact through before grouping it into a report.
func (imp Impact) IsPublishable(t time.Time) bool {
	if imp.PublishFrom.IsZero() && imp.PublishUntil.IsZero() {
		return true
	}
	if !imp.PublishFrom.IsZero() && t.Before(imp.PublishFrom) {
		return false
	}
	if !imp.PublishUntil.IsZero() && t.After(imp.PublishUntil) {
		return false
	}
	return true
}

// SuppressesService reports whether imp's effect means "this entity
// is not served", the condition ptref's has_disruption() and the
// traffic-reports aggregator both key off.
func (imp Impact) SuppressesService() bool {
	return imp.Effect == EffectNoService
}
