package ptdata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tidbyt.dev/gtfs/disruption"
	"tidbyt.dev/gtfs/kind"
	"tidbyt.dev/gtfs/model"
	"tidbyt.dev/gtfs/ptref"
	"tidbyt.dev/gtfs/storage"
)

// builder collects the bookkeeping New needs while walking a feed
// exactly once; Dataset itself stays a plain read-only lookup table
// once build() returns.
type builder struct {
	reader storage.FeedReader
	meta   *storage.FeedMetadata
	store  *disruption.Store
	asOf   time.Time

	ds *Dataset
}

func (b *builder) build() (*Dataset, error) {
	logger := ptref.Logger(ptref.NewStdLogger())

	loc, err := time.LoadLocation(b.meta.Timezone)
	if err != nil {
		logger.Warn("feed %s: unknown timezone %q, falling back to UTC", b.meta.URL, b.meta.Timezone)
		loc = time.UTC
	}

	agencies, err := b.reader.Agencies()
	if err != nil {
		return nil, fmt.Errorf("loading agencies: %w", err)
	}
	stops, err := b.reader.Stops()
	if err != nil {
		return nil, fmt.Errorf("loading stops: %w", err)
	}
	routes, err := b.reader.Routes()
	if err != nil {
		return nil, fmt.Errorf("loading routes: %w", err)
	}
	trips, err := b.reader.Trips()
	if err != nil {
		return nil, fmt.Errorf("loading trips: %w", err)
	}
	stopTimes, err := b.reader.StopTimes()
	if err != nil {
		return nil, fmt.Errorf("loading stop times: %w", err)
	}
	calendars, err := b.reader.Calendars()
	if err != nil {
		return nil, fmt.Errorf("loading calendars: %w", err)
	}

	b.ds = &Dataset{
		store:           b.store,
		asOf:            b.asOf,
		Logger:          logger,
		objects:         map[kind.Kind][]ptref.Object{},
		byURI:           map[kind.Kind]map[string]ptref.Object{},
		relations:       map[relKey][]ptref.Object{},
		firstDeparture:  map[string]time.Duration{},
		vjPeriod:        map[string]vjValidity{},
		odtLevel:        map[string]ptref.OdtLevel{},
		uriKind:         map[string]kind.Kind{},
		stopAreaByRawID: map[string]string{},
		stopPointParent: map[string]string{},
		networkByRawID:  map[string]string{},
		lineByRawID:     map[string]string{},
		vjByRawID:       map[string]string{},
	}

	b.ds.prodStart, b.ds.prodEnd = productionPeriod(b.meta, loc)

	b.buildNetworksAndLines(agencies, routes)
	b.buildStops(stops)
	stopTimesByTrip := groupStopTimes(stopTimes)
	b.buildJourneysAndPatterns(trips, stopTimesByTrip)
	b.buildCalendars(calendars, trips)

	if err := b.computeValidityPeriods(trips); err != nil {
		return nil, fmt.Errorf("computing validity periods: %w", err)
	}

	return b.ds, nil
}

// productionPeriod turns the feed's calendar date range into the
// [start, end) window ValidityWindow reports, in the feed's own
// timezone: start is local midnight of CalendarStartDate, end is local
// midnight of the day after CalendarEndDate.
func productionPeriod(meta *storage.FeedMetadata, loc *time.Location) (time.Time, time.Time) {
	start, err := time.ParseInLocation("20060102", meta.CalendarStartDate, loc)
	if err != nil {
		start = time.Time{}
	}
	end, err := time.ParseInLocation("20060102", meta.CalendarEndDate, loc)
	if err != nil {
		end = start
	} else {
		end = end.AddDate(0, 0, 1)
	}
	return start, end
}

func (b *builder) buildNetworksAndLines(agencies []model.Agency, routes []model.Route) {
	if len(agencies) == 0 {
		net := ptref.Object{Kind: kind.Network, URI: "network:default", Name: "default", Attrs: map[string]string{"gtfs_id": ""}}
		b.ds.addObject(net)
		b.ds.networkByRawID[""] = net.URI
	}
	for _, a := range agencies {
		net := ptref.Object{
			Kind: kind.Network,
			URI:  "network:" + a.ID,
			Name: a.Name,
			Attrs: map[string]string{
				"gtfs_id": a.ID,
				"url":     a.URL,
				"tz":      a.Timezone,
			},
		}
		b.ds.addObject(net)
		b.ds.networkByRawID[a.ID] = net.URI
	}

	for _, r := range routes {
		name := r.LongName
		if name == "" {
			name = r.ShortName
		}
		line := ptref.Object{
			Kind: kind.Line,
			Name: name,
			Code: r.ShortName,
			URI:  "line:" + r.ID,
			Attrs: map[string]string{
				"gtfs_id":    r.ID,
				"route_type": strconv.Itoa(int(r.Type)),
				"color":      r.Color,
			},
		}
		b.ds.addObject(line)
		b.ds.lineByRawID[r.ID] = line.URI
		b.ds.odtLevel[line.URI] = odtLevelOf(r)

		netURI, ok := b.ds.networkByRawID[r.AgencyID]
		if !ok {
			netURI = b.ds.networkByRawID[""]
		}
		if net, ok := b.ds.byURI[kind.Network][netURI]; ok {
			b.ds.addRelationPair(net, line)
		}
	}
}

// odtLevelOf classifies a Route's on-demand-transport nature from its
// GTFS continuous_pickup/continuous_drop_off fields, the closest
// static signal to the original's per-line hasOdtProperties: a route
// that requires phoning ahead (2) is scheduled-but-call-ahead ODT; one
// that lets riders board/alight anywhere along it (0) runs with
// defined stops but flexible boarding; one that requires negotiating
// directly with the driver (3) is the closest GTFS-static stand-in for
// a zonal, no-fixed-stop service. The GTFS default (1, no continuous
// service) is a plain scheduled line and carries no ODT restriction.
func odtLevelOf(r model.Route) ptref.OdtLevel {
	switch {
	case r.ContinuousPickup == 3 || r.ContinuousDropOff == 3:
		return ptref.OdtZonal
	case r.ContinuousPickup == 0 || r.ContinuousDropOff == 0:
		return ptref.OdtWithStops
	case r.ContinuousPickup == 2 || r.ContinuousDropOff == 2:
		return ptref.OdtScheduled
	default:
		return ptref.OdtAll
	}
}

func (b *builder) buildStops(stops []model.Stop) {
	// Two passes: stop areas first so platform stops can link to an
	// already-registered parent.
	for _, s := range stops {
		if s.LocationType != model.LocationTypeStation {
			continue
		}
		area := ptref.Object{
			Kind:     kind.StopArea,
			URI:      "stop_area:" + s.ID,
			Name:     s.Name,
			Code:     s.Code,
			HasCoord: true,
			Lat:      s.Lat,
			Lon:      s.Lon,
			Attrs:    map[string]string{"gtfs_id": s.ID},
		}
		b.ds.addObject(area)
		b.ds.stopAreaByRawID[s.ID] = area.URI
	}

	for _, s := range stops {
		if s.LocationType != model.LocationTypeStop {
			continue
		}
		point := ptref.Object{
			Kind:     kind.StopPoint,
			URI:      "stop_point:" + s.ID,
			Name:     s.Name,
			Code:     s.Code,
			HasCoord: true,
			Lat:      s.Lat,
			Lon:      s.Lon,
			Attrs:    map[string]string{"gtfs_id": s.ID, "platform_code": s.PlatformCode},
		}
		b.ds.addObject(point)

		if s.ParentStation != "" {
			b.ds.stopPointParent[s.ID] = s.ParentStation
			if area, ok := b.ds.byURI[kind.StopArea][b.ds.stopAreaByRawID[s.ParentStation]]; ok {
				b.ds.addRelationPair(point, area)
			}
		}
	}
}

type stopTimeEntry struct {
	stopID   string
	sequence uint32
	arrival  time.Duration
}

func groupStopTimes(stopTimes []model.StopTime) map[string][]stopTimeEntry {
	byTrip := map[string][]stopTimeEntry{}
	for _, st := range stopTimes {
		st := st
		byTrip[st.TripID] = append(byTrip[st.TripID], stopTimeEntry{
			stopID:   st.StopID,
			sequence: st.StopSequence,
			arrival:  st.DepartureTime(),
		})
	}
	for trip, entries := range byTrip {
		sort.Slice(entries, func(i, j int) bool { return entries[i].sequence < entries[j].sequence })
		byTrip[trip] = entries
	}
	return byTrip
}

// routeDirGroup groups trips sharing a route and direction, the pseudo-kind
// ptref calls Route (distinct from Line, which is the GTFS route_id
// itself).
type routeDirGroup struct {
	uri     string
	lineURI string
	routeID string
	dirID   int8
}

func (b *builder) buildJourneysAndPatterns(trips []model.Trip, stopTimesByTrip map[string][]stopTimeEntry) {
	routeDirs := map[string]*routeDirGroup{}
	// journey pattern signature (route+dir+stop sequence) -> JP URI
	patterns := map[string]string{}
	patternsByRouteDir := map[string]int{}

	for _, t := range trips {
		t := t
		rdKey := t.RouteID + ":" + strconv.Itoa(int(t.DirectionID))
		rd, ok := routeDirs[rdKey]
		if !ok {
			lineURI := b.ds.lineByRawID[t.RouteID]
			rd = &routeDirGroup{
				uri:     "route:" + rdKey,
				lineURI: lineURI,
				routeID: t.RouteID,
				dirID:   t.DirectionID,
			}
			routeDirs[rdKey] = rd

			routeObj := ptref.Object{
				Kind: kind.Route,
				URI:  rd.uri,
				Name: rdKey,
				Attrs: map[string]string{
					"gtfs_id":      t.RouteID,
					"direction_id": strconv.Itoa(int(t.DirectionID)),
				},
			}
			b.ds.addObject(routeObj)
			if line, ok := b.ds.byURI[kind.Line][lineURI]; ok {
				b.ds.addRelationPair(line, routeObj)
			}
		}

		entries := stopTimesByTrip[t.ID]
		sig := rdKey + "|" + stopSignature(entries)
		jpURI, ok := patterns[sig]
		if !ok {
			idx := patternsByRouteDir[rdKey]
			patternsByRouteDir[rdKey] = idx + 1
			jpURI = rd.uri + ":jp" + strconv.Itoa(idx)
			patterns[sig] = jpURI

			jp := ptref.Object{
				Kind:  kind.JourneyPattern,
				URI:   jpURI,
				Name:  jpURI,
				Attrs: map[string]string{"gtfs_id": t.RouteID},
			}
			b.ds.addObject(jp)
			if routeObj, ok := b.ds.byURI[kind.Route][rd.uri]; ok {
				b.ds.addRelationPair(routeObj, jp)
			}

			for i, e := range entries {
				pointURI, ok := b.ds.byURI[kind.StopPoint]["stop_point:"+e.stopID]
				name := e.stopID
				if ok {
					name = pointURI.Name
				}
				jpp := ptref.Object{
					Kind:  kind.JourneyPatternPoint,
					URI:   jpURI + ":" + strconv.Itoa(i),
					Name:  name,
					Attrs: map[string]string{"order": strconv.Itoa(i), "gtfs_id": e.stopID},
				}
				b.ds.addObject(jpp)
				b.ds.addRelationPair(jp, jpp)
				if sp, ok := b.ds.byURI[kind.StopPoint]["stop_point:"+e.stopID]; ok {
					b.ds.addRelationPair(jpp, sp)
				}
			}
		}

		vj := ptref.Object{
			Kind:     kind.VehicleJourney,
			URI:      "vj:" + t.ID,
			Name:     t.ShortName,
			Headsign: t.Headsign,
			Attrs: map[string]string{
				"gtfs_id":    t.ID,
				"service_id": t.ServiceID,
			},
		}
		b.ds.addObject(vj)
		b.ds.vjByRawID[t.ID] = vj.URI

		if jp, ok := b.ds.byURI[kind.JourneyPattern][jpURI]; ok {
			b.ds.addRelationPair(jp, vj)
		}

		if len(entries) > 0 {
			b.ds.firstDeparture[vj.URI] = entries[0].arrival
		}
	}

	// StopPoint <-> Line: every line reachable from a stop via some
	// journey pattern; computed from the routeDir groups, not per
	// journey pattern point, to avoid duplicate work.
	for _, rd := range routeDirs {
		line, ok := b.ds.byURI[kind.Line][rd.lineURI]
		if !ok {
			continue
		}
		for _, jp := range b.ds.relations[relKey{from: kind.Route, uri: rd.uri, to: kind.JourneyPattern}] {
			for _, jpp := range b.ds.relations[relKey{from: kind.JourneyPattern, uri: jp.URI, to: kind.JourneyPatternPoint}] {
				for _, sp := range b.ds.relations[relKey{from: kind.JourneyPatternPoint, uri: jpp.URI, to: kind.StopPoint}] {
					b.ds.addRelationPair(sp, line)
					for _, area := range b.ds.relations[relKey{from: kind.StopPoint, uri: sp.URI, to: kind.StopArea}] {
						b.ds.addRelationPair(area, line)
					}
				}
			}
		}
	}
}

func stopSignature(entries []stopTimeEntry) string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.stopID
	}
	return strings.Join(ids, ",")
}

func (b *builder) buildCalendars(calendars []model.Calendar, trips []model.Trip) {
	seen := map[string]bool{}
	for _, c := range calendars {
		cal := ptref.Object{
			Kind:  kind.Calendar,
			URI:   "calendar:" + c.ServiceID,
			Name:  c.ServiceID,
			Attrs: map[string]string{"gtfs_id": c.ServiceID},
		}
		b.ds.addObject(cal)
		seen[c.ServiceID] = true
	}
	for _, t := range trips {
		if seen[t.ServiceID] {
			continue
		}
		seen[t.ServiceID] = true
		cal := ptref.Object{
			Kind:  kind.Calendar,
			URI:   "calendar:" + t.ServiceID,
			Name:  t.ServiceID,
			Attrs: map[string]string{"gtfs_id": t.ServiceID},
		}
		b.ds.addObject(cal)
	}
	for _, t := range trips {
		vj, ok := b.ds.byURI[kind.VehicleJourney]["vj:"+t.ID]
		if !ok {
			continue
		}
		cal, ok := b.ds.byURI[kind.Calendar]["calendar:"+t.ServiceID]
		if !ok {
			continue
		}
		b.ds.addRelationPair(vj, cal)
	}
}

// computeValidityPeriods scans the feed's production period one day at
// a time, asking the reader which services are active, and derives
// every vehicle journey's [start, end) window from the days its own
// service_id is active plus its first scheduled departure offset. This
// approximates filter_vj_on_period's day-by-day semantics with a
// single bounding interval spanning the earliest to the latest active
// day; a service active on sparse, widely separated days (e.g. only
// Mondays across a long season) can overlap a period restriction that
// falls entirely on a day it is not actually active, a known
// simplification given there is no per-day iteration in period.go.
func (b *builder) computeValidityPeriods(trips []model.Trip) error {
	if b.ds.prodStart.IsZero() || !b.ds.prodEnd.After(b.ds.prodStart) {
		return nil
	}

	firstActive := map[string]time.Time{}
	lastActive := map[string]time.Time{}

	for day := b.ds.prodStart; day.Before(b.ds.prodEnd); day = day.AddDate(0, 0, 1) {
		active, err := b.reader.ActiveServices(day.Format("20060102"))
		if err != nil {
			return err
		}
		for _, svc := range active {
			if _, ok := firstActive[svc]; !ok {
				firstActive[svc] = day
			}
			lastActive[svc] = day
		}
	}

	for _, t := range trips {
		vjURI := "vj:" + t.ID
		first, ok := firstActive[t.ServiceID]
		if !ok {
			b.ds.vjPeriod[vjURI] = vjValidity{}
			continue
		}
		last := lastActive[t.ServiceID]
		offset := b.ds.firstDeparture[vjURI]

		b.ds.vjPeriod[vjURI] = vjValidity{
			start: first.Add(offset),
			end:   last.Add(offset).Add(24 * time.Hour),
		}
	}

	return nil
}
