package link

import (
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// NegotiateMsg opens one emission window: the initiating side proposes a
// round and discloses its fibre delay so the peer can line both photons up
// at the relay.
type NegotiateMsg struct {
	Instance string
	Round    int
	// QCDelay is the sender's one-way photon flight time to the relay.
	QCDelay time.Duration
	// Frequency is the sender's memory excitation frequency, for the peer's
	// grid sanity check.
	Frequency float64
}

// Receiver implements core.Message.
func (m NegotiateMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverProtocol, Protocol: m.Instance}
}

// NegotiateAckMsg closes the negotiation: the replying side has scheduled
// its own emission and tells the initiator when to fire so both photons
// meet at the relay.
type NegotiateAckMsg struct {
	Instance string
	Round    int
	EmitTime time.Time
}

// Receiver implements core.Message.
func (m NegotiateAckMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverProtocol, Protocol: m.Instance}
}

// MeasResultMsg is a detector herald from the relay. The relay reports
// every trigger; the endpoints decide whether it falls inside the expected
// window and what it means for the current round.
type MeasResultMsg struct {
	Instance   string
	Detector   int
	Timestamp  time.Time
	Resolution time.Duration
}

// Receiver implements core.Message.
func (m MeasResultMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverProtocol, Protocol: m.Instance}
}

// PairNoticeMsg announces that the sending side claimed a cached pair for
// this instance. The receiver validates its end and commits the correlated
// swap instead of generating.
type PairNoticeMsg struct {
	Instance string
	Pair     model.EntanglementPair
}

// Receiver implements core.Message.
func (m PairNoticeMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverProtocol, Protocol: m.Instance}
}

// PurifyResultMsg carries one side's parity outcome of a purification
// round. Equal outcomes on both sides mean the kept pair survived.
type PurifyResultMsg struct {
	Instance string
	Result   int
}

// Receiver implements core.Message.
func (m PurifyResultMsg) Receiver() core.Receiver {
	return core.Receiver{Tag: core.ReceiverProtocol, Protocol: m.Instance}
}
