package ptref

// OdtLevel is the Go counterpart of the original's 4-valued
// OdtLevel_e: a Line's on-demand-transport nature, or (as a request)
// which nature a query should be restricted to. OdtAll is the zero
// value and means "no restriction" - manage_odt_level's equivalent
// skips its own filtering pass entirely when the requested level is
// all, rather than matching against it like the other three.
type OdtLevel int

const (
	// OdtAll means no ODT restriction: every Line passes, ODT or not.
	OdtAll OdtLevel = iota

	// OdtScheduled is a Line that still runs to a timetable but
	// requires contacting the operator ahead of the ride.
	OdtScheduled

	// OdtWithStops is a Line with a defined stop pattern that also
	// allows continuous boarding/alighting along its course.
	OdtWithStops

	// OdtZonal is a Line with no meaningfully fixed stop pattern,
	// coordinated directly between rider and driver.
	OdtZonal
)

func (l OdtLevel) String() string {
	switch l {
	case OdtAll:
		return "all"
	case OdtScheduled:
		return "scheduled"
	case OdtWithStops:
		return "with_stops"
	case OdtZonal:
		return "zonal"
	}
	return "unknown"
}
