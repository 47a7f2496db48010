package adaptive

import (
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// RequestMsg asks a neighbor to co-host a speculative entanglement
// reservation. Slots carries the sender's assigned memory indices so the
// responder can derive both halves of the generation rules.
type RequestMsg struct {
	Reservation model.Reservation
	Slots       []int
}

func (m RequestMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverAdaptive}
}

// RespondMsg answers a RequestMsg. On approval Path and Slots let the
// initiator build the same rules the responder just loaded.
type RespondMsg struct {
	Reservation model.Reservation
	Answer      bool
	Path        []string
	Slots       []int
}

func (m RespondMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverAdaptive}
}

// PathServedMsg tells a controller that an end-to-end request along Path
// was served at At. Nodes on the path feed these into their next
// adaptation pass.
type PathServedMsg struct {
	At   time.Time
	Path []string
}

func (m PathServedMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverAdaptive}
}
