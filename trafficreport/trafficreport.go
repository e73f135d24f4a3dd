// Package trafficreport implements the traffic-reports aggregator:
// run a handful of PTRef queries against a Dataset, collect the
// publishable disruption impacts they surface, group them by network
// under Line/StopArea/VehicleJourney, sort, and paginate. It is the Go
// port of traffic_reports_api.cpp's TrafficReport/make_traffic_reports.
package trafficreport

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"tidbyt.dev/gtfs/disruption"
	"tidbyt.dev/gtfs/kind"
	"tidbyt.dev/gtfs/ptref"
)

// ErrNoSolution is returned when the requested page lies beyond the
// end of an otherwise non-empty NetworkDisrupt list, mirroring
// paginate()'s "no_solution" marker in the original.
var ErrNoSolution = errors.New("trafficreport: no solution for requested page")

// LineDisrupt pairs a Line with the publishable impacts covering it
// and its routes.
type LineDisrupt struct {
	Line    ptref.Object
	Impacts []disruption.Impact
}

// StopAreaDisrupt pairs a StopArea with the publishable impacts
// covering it and its stop points.
type StopAreaDisrupt struct {
	StopArea ptref.Object
	Impacts  []disruption.Impact
}

// VehicleJourneyDisrupt pairs a VehicleJourney with its NO_SERVICE
// impacts that are currently publishable.
type VehicleJourneyDisrupt struct {
	VehicleJourney ptref.Object
	Impacts        []disruption.Impact
}

// NetworkDisrupt groups every disruption surfaced for one network:
// its own network-level impacts, plus the Line/StopArea/VehicleJourney
// entries the query matched.
type NetworkDisrupt struct {
	Network         ptref.Object
	Impacts         []disruption.Impact
	Lines           []LineDisrupt
	StopAreas       []StopAreaDisrupt
	VehicleJourneys []VehicleJourneyDisrupt
}

// Pagination bounds how many NetworkDisrupts a Report carries: the
// page at index StartPage of Count entries each.
type Pagination struct {
	Count     int
	StartPage int
}

// Report is the result of Aggregate: the requested page of
// NetworkDisrupts plus the total count before pagination, so a caller
// can tell whether more pages exist.
type Report struct {
	Networks []NetworkDisrupt
	Total    int
}

// Aggregate runs the traffic-reports procedure: PTRef queries for
// Network, Line, StopArea and VehicleJourney scoped by filterText and
// forbiddenURIs, impact collection filtered to what's publishable at
// now, sorting, and pagination.
func Aggregate(ds ptref.Dataset, store *disruption.Store, now time.Time, filterText string, forbiddenURIs []string, page Pagination, logger ...ptref.Logger) (Report, error) {
	log := ptref.Logger(ptref.NopLogger{})
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}

	if len(store.All()) == 0 {
		return Report{}, nil
	}

	opts := ptref.QueryOptions{ForbiddenURIs: forbiddenURIs, ODTLevel: ptref.OdtAll}

	networks, err := ptref.MakeQuery(ds, kind.Network, filterText, opts, log)
	if err != nil {
		return Report{}, err
	}

	byNetwork := make(map[string]*NetworkDisrupt, len(networks))
	order := make([]string, 0, len(networks))
	for _, n := range networks {
		nd := &NetworkDisrupt{
			Network: n,
			Impacts: publishableImpacts(store, ds.Related(n, kind.Impact), now, log),
		}
		byNetwork[n.URI] = nd
		order = append(order, n.URI)
	}

	lines, err := ptref.MakeQuery(ds, kind.Line, filterText, opts, log)
	if err != nil {
		return Report{}, err
	}
	for _, line := range lines {
		impacts := publishableImpacts(store, ds.Related(line, kind.Impact), now, log)
		// Routes carry no disruption selector of their own in the
		// GTFS-RT informed_entity schema (route_id IS the line), so
		// a route's impact set is always the line's own.
		for _, n := range ds.Related(line, kind.Network) {
			nd, ok := byNetwork[n.URI]
			if !ok {
				continue
			}
			nd.Lines = append(nd.Lines, LineDisrupt{Line: line, Impacts: impacts})
		}
	}

	for _, uri := range order {
		nd := byNetwork[uri]

		stopAreaFilter := scopedFilter(nd.Network.URI, filterText)
		stopAreas, err := ptref.MakeQuery(ds, kind.StopArea, stopAreaFilter, opts, log)
		if ignorablePtRefError(err) {
			log.Warn("network %s: no stop areas matched: %v", nd.Network.URI, err)
			stopAreas = nil
		} else if err != nil {
			return Report{}, err
		}
		for _, sa := range stopAreas {
			// Stop points carry no disruption selector distinct
			// from their parent station in this feed's wire
			// format, so the area's own impacts are the full set.
			nd.StopAreas = append(nd.StopAreas, StopAreaDisrupt{
				StopArea: sa,
				Impacts:  publishableImpacts(store, ds.Related(sa, kind.Impact), now, log),
			})
		}

		vjFilter := scopedFilter(nd.Network.URI, "vehicle_journey.has_disruption()")
		if filterText != "" {
			vjFilter = scopedFilter(nd.Network.URI, "vehicle_journey.has_disruption() AND "+filterText)
		}
		vjs, err := ptref.MakeQuery(ds, kind.VehicleJourney, vjFilter, opts, log)
		if ignorablePtRefError(err) {
			log.Warn("network %s: no disrupted vehicle journeys matched: %v", nd.Network.URI, err)
			vjs = nil
		} else if err != nil {
			return Report{}, err
		}
		for _, vj := range vjs {
			impacts := noServiceImpacts(store, ds.Related(vj, kind.Impact), now, log)
			if len(impacts) == 0 {
				continue
			}
			nd.VehicleJourneys = append(nd.VehicleJourneys, VehicleJourneyDisrupt{VehicleJourney: vj, Impacts: impacts})
		}
	}

	result := make([]NetworkDisrupt, 0, len(order))
	for _, uri := range order {
		nd := byNetwork[uri]
		sort.SliceStable(nd.Lines, func(i, j int) bool {
			return lessLine(nd.Lines[i], nd.Lines[j])
		})
		result = append(result, *nd)
	}

	total := len(result)
	start := page.StartPage * page.Count
	if start > total {
		start = total
	}
	end := start + page.Count
	if end > total {
		end = total
	}
	if end < start {
		end = start
	}

	if total > 0 && start == end {
		return Report{}, ErrNoSolution
	}

	return Report{Networks: result[start:end], Total: total}, nil
}

// scopedFilter prepends a network.uri restriction to filterText, the
// same scoping the original applies per-network before its StopArea
// and VehicleJourney sub-queries.
func scopedFilter(networkURI, filterText string) string {
	scope := fmt.Sprintf("network.uri=%q", networkURI)
	if filterText == "" {
		return scope
	}
	return scope + " AND " + filterText
}

// ignorablePtRefError reports whether err is one of the per-network
// sub-query failures the aggregator treats as "no matches for this
// network" rather than aborting the whole report: a PartialParseError
// (logged and ignored upstream) or any PtRefError.
func ignorablePtRefError(err error) bool {
	if err == nil {
		return false
	}
	var partial *ptref.PartialParseError
	var ptrefErr *ptref.PtRefError
	return errors.As(err, &partial) || errors.As(err, &ptrefErr)
}

// resolveImpact upgrades the weak disruption.Handle a ptref.Object of
// kind Impact carries in its Attrs. A failed upgrade (the disruption
// was retired, or refreshed to a newer generation, since the Object
// was built) is logged and treated as "no impact here", per the
// skip-on-failed-upgrade invariant the Handle/Store.Resolve pairing
// exists for.
func resolveImpact(store *disruption.Store, o ptref.Object, log ptref.Logger) (disruption.Impact, bool) {
	h, ok := disruption.HandleFromAttrs(o.Attrs)
	if !ok {
		return disruption.Impact{}, false
	}
	imp, ok := store.Resolve(h)
	if !ok {
		log.Warn("impact %s: handle no longer resolves, dropping from report", o.URI)
		return disruption.Impact{}, false
	}
	return imp, true
}

func publishableImpacts(store *disruption.Store, objs []ptref.Object, now time.Time, log ptref.Logger) []disruption.Impact {
	var out []disruption.Impact
	for _, o := range objs {
		imp, ok := resolveImpact(store, o, log)
		if !ok || !imp.IsPublishable(now) {
			continue
		}
		out = append(out, imp)
	}
	return out
}

func noServiceImpacts(store *disruption.Store, objs []ptref.Object, now time.Time, log ptref.Logger) []disruption.Impact {
	var out []disruption.Impact
	for _, o := range objs {
		imp, ok := resolveImpact(store, o, log)
		if !ok || !imp.IsPublishable(now) || !imp.SuppressesService() {
			continue
		}
		out = append(out, imp)
	}
	return out
}

// minPriority is the minimum priority across impacts, used only as a
// sort key; an empty set sorts after every disrupted line.
func minPriority(impacts []disruption.Impact) int {
	if len(impacts) == 0 {
		return math.MaxInt
	}
	min := math.MaxInt
	for _, imp := range impacts {
		if int(imp.Priority) < min {
			min = int(imp.Priority)
		}
	}
	return min
}

func lessLine(a, b LineDisrupt) bool {
	pa, pb := minPriority(a.Impacts), minPriority(b.Impacts)
	if pa != pb {
		return pa < pb
	}
	if a.Line.Code != b.Line.Code {
		return a.Line.Code < b.Line.Code
	}
	return a.Line.Name < b.Line.Name
}
