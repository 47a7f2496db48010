package resman

import (
	"fmt"

	"github.com/signalsfoundry/qlink-simulator/internal/qmem"
	"github.com/signalsfoundry/qlink-simulator/model"
)

// Rule priorities; rules are evaluated in ascending order.
const (
	PriorityGeneration   = 10
	PriorityPurification = 20
	PrioritySwapping     = 30
)

// Rule claims RAW memories of one reservation on one hop and starts a
// generation instance per claimed slot. The k-th local slot pairs with the
// k-th remote slot, and both ends of the hop derive the same instance name
// from the reservation, the hop, and k, so no pairing handshake is needed.
type Rule struct {
	ID            string
	ReservationID string
	Priority      int

	// RemoteNode is the neighbor this rule generates entanglement with.
	RemoteNode string

	// Slots and RemoteSlots are the local and remote memory indices the
	// reservation assigned to this hop, in matching order.
	Slots       []int
	RemoteSlots []int

	// FromApp marks rules of on-demand reservations; their instances
	// consult the pair cache before generating.
	FromApp bool
}

// matches reports whether the rule claims the memory.
func (r *Rule) matches(info qmem.MemoryInfo) bool {
	return info.State == model.MemoryRaw && r.slotIndex(info.Index) >= 0
}

func (r *Rule) slotIndex(slot int) int {
	for k, s := range r.Slots {
		if s == slot {
			return k
		}
	}
	return -1
}

// instanceID names a generation instance so that both ends of a hop derive
// the same name independently.
func instanceID(reservation, local, remote string, k int) string {
	return fmt.Sprintf("gen.%s.%s.%d", reservation, hopName(local, remote), k)
}

func ruleID(reservation, local, remote string) string {
	return fmt.Sprintf("rule.%s.%s", reservation, hopName(local, remote))
}

func hopName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "~" + b
}

// hopSlots returns the part of a node's slot assignment that serves one of
// its hops. Path endpoints devote their whole assignment to their single
// hop; relay-position nodes are assigned twice the demanded size and split
// it, lower indices facing the initiator.
func hopSlots(assign []int, size, pos, last int, towardInitiator bool) []int {
	if pos == 0 || pos == last {
		return assign
	}
	if towardInitiator {
		return assign[:size]
	}
	return assign[size:]
}

// CreateRules builds this node's rules for an admitted reservation.
// Endpoint nodes emit a single generation rule toward their one hop
// neighbor; relay-position nodes emit one per adjacent hop. Assignments
// holds every path node's slot assignment, gathered during admission.
func (m *Manager) CreateRules(path []string, resv model.Reservation, assignments map[string][]int) []Rule {
	pos := -1
	for i, n := range path {
		if n == m.node {
			pos = i
			break
		}
	}
	if pos < 0 {
		panic(fmt.Sprintf("resman: node %s is not on reservation path %v", m.node, path))
	}

	last := len(path) - 1
	size := resv.MemorySize
	fromApp := resv.Kind == model.KindOnDemand

	var rules []Rule
	if pos > 0 {
		up := path[pos-1]
		rules = append(rules, Rule{
			ID:            ruleID(resv.ID, m.node, up),
			ReservationID: resv.ID,
			Priority:      PriorityGeneration,
			RemoteNode:    up,
			Slots:         hopSlots(assignments[m.node], size, pos, last, true),
			RemoteSlots:   hopSlots(assignments[up], size, pos-1, last, false),
			FromApp:       fromApp,
		})
	}
	if pos < last {
		down := path[pos+1]
		rules = append(rules, Rule{
			ID:            ruleID(resv.ID, m.node, down),
			ReservationID: resv.ID,
			Priority:      PriorityGeneration,
			RemoteNode:    down,
			Slots:         hopSlots(assignments[m.node], size, pos, last, false),
			RemoteSlots:   hopSlots(assignments[down], size, pos+1, last, true),
			FromApp:       fromApp,
		})
	}
	return rules
}
