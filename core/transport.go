package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/qlink-simulator/internal/logging"
)

// Receiver tags where a delivered message is dispatched on the destination
// node. Tag selects a node-level handler; Protocol names the destination
// protocol instance when Tag == ReceiverProtocol.
type Receiver struct {
	Tag      string
	Protocol string
}

// Node-level receiver tags.
const (
	// ReceiverReservation routes to the timecard reservation scheduler.
	ReceiverReservation = "reservation"
	// ReceiverResource routes to the resource manager.
	ReceiverResource = "resource"
	// ReceiverAdaptive routes to the adaptive continuous controller.
	ReceiverAdaptive = "adaptive"
	// ReceiverApp marks application-addressed traffic. The current
	// protocols deliver application outcomes through local hooks, so
	// router nodes treat this tag as unrouted.
	ReceiverApp = "app"
	// ReceiverProtocol routes to a named protocol instance.
	ReceiverProtocol = "protocol"
)

// Message is the classical-channel payload. Implementations are concrete
// structs owned by the subsystem that understands them; the destination
// handler type-switches on the concrete type.
type Message interface {
	Receiver() Receiver
}

// Endpoint consumes messages delivered by the exchange.
type Endpoint interface {
	Name() string
	Receive(src string, msg Message)
}

type channelKey struct {
	src, dst string
}

// Exchange models the classical messaging fabric: directed channels with a
// fixed one-way delay between named endpoints. Send schedules delivery on
// the timeline; there is no shared state between endpoints beyond this.
type Exchange struct {
	tl  *Timeline
	log logging.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint
	delays    map[channelKey]time.Duration

	delivered uint64
}

// NewExchange creates an empty exchange over the timeline.
func NewExchange(tl *Timeline, log logging.Logger) *Exchange {
	if log == nil {
		log = logging.Noop()
	}
	return &Exchange{
		tl:        tl,
		log:       log,
		endpoints: make(map[string]Endpoint),
		delays:    make(map[channelKey]time.Duration),
	}
}

// Register adds an endpoint. Registering two endpoints with the same name
// is a wiring bug and panics.
func (x *Exchange) Register(ep Endpoint) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.endpoints[ep.Name()]; ok {
		panic(fmt.Sprintf("transport: endpoint %q registered twice", ep.Name()))
	}
	x.endpoints[ep.Name()] = ep
}

// Connect installs a bidirectional channel between a and b with the given
// one-way delay.
func (x *Exchange) Connect(a, b string, delay time.Duration) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.delays[channelKey{a, b}] = delay
	x.delays[channelKey{b, a}] = delay
}

// Delay returns the one-way delay from src to dst.
func (x *Exchange) Delay(src, dst string) (time.Duration, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.delays[channelKey{src, dst}]
	return d, ok
}

// Send schedules msg for delivery at now + channel delay. A missing channel
// or endpoint is a topology wiring bug, not a runtime condition, so it
// panics rather than dropping traffic silently.
func (x *Exchange) Send(src, dst string, msg Message) {
	x.mu.RLock()
	delay, ok := x.delays[channelKey{src, dst}]
	ep, epOK := x.endpoints[dst]
	x.mu.RUnlock()

	if !ok {
		panic(fmt.Sprintf("transport: no channel %s -> %s", src, dst))
	}
	if !epOK {
		panic(fmt.Sprintf("transport: unknown endpoint %q", dst))
	}

	x.log.Debug(context.Background(), "message enqueued",
		logging.String("src", src),
		logging.String("dst", dst),
		logging.String("receiver", msg.Receiver().Tag),
		logging.Duration("delay", delay),
	)

	x.tl.ScheduleAfter(delay, func() {
		x.mu.Lock()
		x.delivered++
		x.mu.Unlock()
		ep.Receive(src, msg)
	})
}

// Delivered reports how many messages reached an endpoint so far.
func (x *Exchange) Delivered() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.delivered
}
