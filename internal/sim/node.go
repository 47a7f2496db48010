// Package sim assembles router nodes, relays, and channels from a
// loaded topology, runs the timeline, and reports what the run did.
package sim

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/adaptive"
	"github.com/signalsfoundry/qlink-simulator/internal/app"
	"github.com/signalsfoundry/qlink-simulator/internal/epcache"
	"github.com/signalsfoundry/qlink-simulator/internal/link"
	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/internal/resman"
	"github.com/signalsfoundry/qlink-simulator/internal/sched"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// Node bundles one router's full stack. It is the exchange endpoint for
// the router name and fans incoming traffic out by receiver tag.
type Node struct {
	name string
	send link.SendFunc

	Memories   *qmem.Manager
	Scheduler  *sched.Scheduler
	Store      *epcache.Store
	Resources  *resman.Manager
	Controller *adaptive.Controller // nil on routers with no quantum neighbors
	App        *app.RequestApp
}

func (n *Node) Name() string { return n.name }

// Receive dispatches a delivered message to the owning layer.
func (n *Node) Receive(src string, msg core.Message) {
	switch msg.Receiver().Tag {
	case core.ReceiverProtocol:
		n.Resources.HandleProtocolMessage(src, msg)
	case core.ReceiverResource:
		n.Resources.HandleResourceMessage(src, msg)
	case core.ReceiverReservation:
		n.Resources.HandleReservationMessage(src, msg)
	case core.ReceiverAdaptive:
		if n.Controller == nil {
			panic(fmt.Sprintf("sim: %s has no controller for message %T from %s", n.name, msg, src))
		}
		n.Controller.HandleMessage(src, msg)
	default:
		panic(fmt.Sprintf("sim: %s: no handler for receiver tag %q", n.name, msg.Receiver().Tag))
	}
}

// onReservationExpired fans a retraction out to the quota owner.
func (n *Node) onReservationExpired(resv model.Reservation) {
	if n.Controller != nil {
		n.Controller.OnReservationExpired(resv)
	}
}

// onServed reports a served path to this router's controller and
// broadcasts it to the other routers on the path.
func (n *Node) onServed(at time.Time, path []string) {
	if n.Controller != nil {
		n.Controller.OnPathServed(at, path)
	}
	for _, other := range path {
		if other != n.name {
			n.send(other, adaptive.PathServedMsg{At: at, Path: path})
		}
	}
}
