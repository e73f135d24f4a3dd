package disruption

import (
	"reflect"
	"sort"
	"strconv"
	"sync"
)

// ImpactId identifies an Impact across updates. It is stable for the
// lifetime of the underlying disruption, even as the Store is
// refreshed from newer realtime feeds and the Impact's fields change.
type ImpactId uint64

// Handle is a weak reference to an Impact: it survives a Store
// refresh, but Resolve reports !ok once the generation it was taken
// against has been superseded and the impact it pointed to is gone.
// This mirrors how ptref and trafficreport hold onto disruption
// references across a feed reload without pinning the old Store in
// memory.
type Handle struct {
	id         ImpactId
	generation uint64
}

// Store holds the current set of Impacts ingested from the most
// recent GTFS Realtime Service Alerts feed(s). It is rebuilt
// wholesale on every refresh (see ingest.go); Handles taken against
// an older generation resolve to !ok after a refresh unless the same
// ImpactId is present AND unchanged.
type Store struct {
	mu     sync.RWMutex
	nextID ImpactId
	byID   map[ImpactId]Impact
	byURI  map[string]ImpactId // DisruptionURI -> ImpactId, for re-use across refreshes
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		nextID: 1,
		byID:   map[ImpactId]Impact{},
		byURI:  map[string]ImpactId{},
	}
}

// Replace atomically swaps in a freshly ingested set of impacts.
// Impacts whose DisruptionURI matches one already known keep their
// ImpactId; among those, a Handle taken against the previous contents
// keeps resolving only if the disruption's content is unchanged by
// this refresh (same Generation), and goes stale if the operator has
// updated its severity, scope or period. A brand new DisruptionURI
// starts at Generation 1; a retired one (absent from impacts) is
// dropped entirely, and every Handle pointing at it stops resolving.
func (s *Store) Replace(impacts []Impact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[ImpactId]Impact, len(impacts))
	byURI := make(map[string]ImpactId, len(impacts))

	for _, imp := range impacts {
		id, known := s.byURI[imp.DisruptionURI]
		if !known {
			id = s.nextID
			s.nextID++
		}
		imp.Id = id
		if prev, ok := s.byID[id]; ok && sameContent(prev, imp) {
			imp.Generation = prev.Generation
		} else {
			imp.Generation = s.byID[id].Generation + 1
		}
		byID[id] = imp
		byURI[imp.DisruptionURI] = id
	}

	s.byID = byID
	s.byURI = byURI
}

// sameContent reports whether a and b describe the same disruption
// state, ignoring the identity fields (Id, Generation) Replace manages
// itself.
func sameContent(a, b Impact) bool {
	a.Id, a.Generation = 0, 0
	b.Id, b.Generation = 0, 0
	return reflect.DeepEqual(a, b)
}

// Handle returns a weak reference to imp, valid as of the Store's
// current generation.
func (s *Store) Handle(imp Impact) Handle {
	return Handle{id: imp.Id, generation: imp.Generation}
}

// Resolve dereferences h against the Store's current contents. ok is
// false if the impact no longer exists, or exists under a newer
// generation (its effect/period/entities may have changed).
func (s *Store) Resolve(h Handle) (Impact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	imp, ok := s.byID[h.id]
	if !ok || imp.Generation != h.generation {
		return Impact{}, false
	}
	return imp, true
}

// Attrs returns the (impact_id, generation) pair a Handle should be
// encoded as on a ptref.Object's Attrs map, so a kind-agnostic caller
// holding only the Object can later turn it back into a Handle via
// HandleFromAttrs without this package leaking into ptref.
func (h Handle) Attrs() (id, generation string) {
	return strconv.FormatUint(uint64(h.id), 10), strconv.FormatUint(h.generation, 10)
}

// HandleFromAttrs reconstructs the Handle a ptref.Object carries in its
// Attrs (as set via Handle.Attrs when the Object was built). ok is
// false if either attribute is absent or malformed.
func HandleFromAttrs(attrs map[string]string) (Handle, bool) {
	idStr, ok := attrs["impact_id"]
	if !ok {
		return Handle{}, false
	}
	genStr, ok := attrs["generation"]
	if !ok {
		return Handle{}, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return Handle{}, false
	}
	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return Handle{}, false
	}
	return Handle{id: ImpactId(id), generation: gen}, true
}

// All returns every currently known impact, in ImpactId order.
func (s *Store) All() []Impact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Impact, 0, len(s.byID))
	for _, imp := range s.byID {
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// ForEntity returns the impacts currently informing the given
// network/line/stop area/vehicle journey URI (whichever is
// non-empty); used by ptref's has_disruption() and by trafficreport's
// aggregation.
func (s *Store) ForEntity(networkURI, lineURI, stopAreaURI, vehicleJourneyURI string) []Impact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Impact
	for _, imp := range s.byID {
		for _, e := range imp.Entities {
			if matches(e, networkURI, lineURI, stopAreaURI, vehicleJourneyURI) {
				out = append(out, imp)
				break
			}
		}
	}
	return out
}

func matches(e InformedEntity, networkURI, lineURI, stopAreaURI, vehicleJourneyURI string) bool {
	if networkURI != "" && e.NetworkURI == networkURI {
		return true
	}
	if lineURI != "" && e.LineURI == lineURI {
		return true
	}
	if stopAreaURI != "" && e.StopAreaURI == stopAreaURI {
		return true
	}
	if vehicleJourneyURI != "" && e.VehicleJourneyURI == vehicleJourneyURI {
		return true
	}
	return false
}
