package link

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/signalsfoundry/qlink-simulator/core"
	"github.com/signalsfoundry/qlink-simulator/internal/logging"
)

// Relay is the measurement station at the midpoint of one quantum channel.
// It holds no protocol state: every photon that survives the fibre produces
// a detector herald, forwarded to both endpoints, and the endpoints alone
// decide what the herald means for their current round.
type Relay struct {
	name       string
	a, b       string
	encoding   core.Encoding
	resolution time.Duration

	tl   *core.Timeline
	log  logging.Logger
	rng  *rand.Rand
	send SendFunc

	triggers uint64
}

// NewRelay builds the relay for the channel between routers a and b.
func NewRelay(name, a, b string, encoding core.Encoding, resolution time.Duration, tl *core.Timeline, log logging.Logger, rng *rand.Rand, send SendFunc) *Relay {
	if b < a {
		a, b = b, a
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Relay{
		name:       name,
		a:          a,
		b:          b,
		encoding:   encoding,
		resolution: resolution,
		tl:         tl,
		log:        log.With(logging.String("relay", name)),
		rng:        rng,
		send:       send,
	}
}

// Name implements core.Endpoint.
func (r *Relay) Name() string { return r.name }

// Receive implements core.Endpoint. Relays never take classical traffic; a
// message landing here means the topology is miswired.
func (r *Relay) Receive(src string, msg core.Message) {
	panic(fmt.Sprintf("link: relay %s received classical message %T from %s", r.name, msg, src))
}

// Photon registers a photon arriving from one endpoint and heralds the
// trigger to both sides over the classical channels.
func (r *Relay) Photon(instance, from string) {
	var det int
	switch r.encoding {
	case core.EncodingBarrettKok:
		// Interference at the beam splitter erases which-path information,
		// so either detector clicks with equal probability.
		det = r.rng.Intn(2)
	default:
		// Arm-resolved detection: each endpoint feeds its own detector.
		if from == r.b {
			det = 1
		}
	}
	r.triggers++

	msg := MeasResultMsg{
		Instance:   instance,
		Detector:   det,
		Timestamp:  r.tl.Now(),
		Resolution: r.resolution,
	}
	r.log.Debug(context.Background(), "photon detected",
		logging.String("instance", instance),
		logging.String("from", from),
		logging.Int("detector", det),
	)
	r.send(r.a, msg)
	r.send(r.b, msg)
}

// Triggers reports how many heralds this relay has produced.
func (r *Relay) Triggers() uint64 { return r.triggers }
