package model

import "time"

// ReservationKind distinguishes how a reservation was created.
type ReservationKind int

const (
	// KindOnDemand marks reservations issued by an application request,
	// carrying an end-to-end path.
	KindOnDemand ReservationKind = iota
	// KindSpeculative marks reservations issued by the adaptive controller
	// for continuous generation with a direct neighbor (2-node path).
	KindSpeculative
)

func (k ReservationKind) String() string {
	switch k {
	case KindOnDemand:
		return "on_demand"
	case KindSpeculative:
		return "speculative"
	default:
		return "unknown"
	}
}

// Reservation is a time-windowed demand for entangled memory slots between
// an initiator and a responder. It is the unit of admission in the timecard
// scheduler and the unit of rule lifetime in the resource manager: every
// rule installed for a reservation is force-retracted at EndTime.
type Reservation struct {
	// ID is unique within a run; speculative reservations derive it from
	// the initiator name and creation time.
	ID string

	Initiator string
	Responder string

	StartTime time.Time
	EndTime   time.Time

	// MemorySize is the number of memory slots demanded on each node along
	// the path.
	MemorySize int

	// FidelityThreshold is the minimum acceptable link fidelity.
	FidelityThreshold float64

	// Path is the ordered node sequence once resolved. Speculative
	// reservations always carry the 2-node [initiator, responder] path.
	Path []string

	Kind ReservationKind
}

// Window reports whether [r.StartTime, r.EndTime) overlaps [start, end).
func (r *Reservation) Window(start, end time.Time) bool {
	return r.StartTime.Before(end) && start.Before(r.EndTime)
}

// HopsAt returns the upstream and downstream neighbors of node at index i
// in the reservation path. Either return value is empty when the node is an
// endpoint of the path.
func (r *Reservation) HopsAt(i int) (upstream, downstream string) {
	if i > 0 {
		upstream = r.Path[i-1]
	}
	if i < len(r.Path)-1 {
		downstream = r.Path[i+1]
	}
	return upstream, downstream
}
