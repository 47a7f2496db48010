package resman

import (
	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// ReserveRequestMsg travels initiator-to-responder along the reservation
// path. Each admitting node appends its slot assignment before forwarding,
// so the responder sees the full picture when it approves.
type ReserveRequestMsg struct {
	Reservation model.Reservation
	Assignments map[string][]int
}

func (m ReserveRequestMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverReservation}
}

// ReserveRespondMsg unwinds the path back toward the initiator. On
// approval every node installs its rules from the gathered assignments; on
// rejection every node that admitted releases its timecards.
type ReserveRespondMsg struct {
	Reservation model.Reservation
	Approved    bool
	Assignments map[string][]int
}

func (m ReserveRespondMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverReservation}
}

// PurifyNoticeMsg tells the peer resource manager to start its half of a
// purification round. It is addressed to the resource layer, not a protocol
// instance: the receiving side has no instance under this name yet.
type PurifyNoticeMsg struct {
	Instance string
	Kept     model.EntanglementPair
	Meas     model.EntanglementPair
}

func (m PurifyNoticeMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverResource}
}
