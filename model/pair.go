package model

import "fmt"

// PairEnd identifies one side of an entangled pair: a memory slot on a node.
type PairEnd struct {
	Node   string
	Memory int
}

// EntanglementPair identifies a successfully generated, not-yet-consumed
// speculative link. The pair is unordered: NewPair normalises end order so
// two pairs describing the same link compare equal regardless of which side
// reported them.
type EntanglementPair struct {
	A PairEnd
	B PairEnd
}

// NewPair builds a pair in canonical order (lower node name first; memory
// index breaks ties between two slots on the same node).
func NewPair(a, b PairEnd) EntanglementPair {
	if b.Node < a.Node || (b.Node == a.Node && b.Memory < a.Memory) {
		a, b = b, a
	}
	return EntanglementPair{A: a, B: b}
}

// Zero reports whether the pair is the zero value.
func (p EntanglementPair) Zero() bool {
	return p.A == PairEnd{} && p.B == PairEnd{}
}

// Connects reports whether the pair links the two named nodes, in either
// orientation.
func (p EntanglementPair) Connects(node1, node2 string) bool {
	return (p.A.Node == node1 && p.B.Node == node2) ||
		(p.A.Node == node2 && p.B.Node == node1)
}

// EndAt returns the pair end located on the named node. The second return
// is false when the node is not part of the pair.
func (p EntanglementPair) EndAt(node string) (PairEnd, bool) {
	if p.A.Node == node {
		return p.A, true
	}
	if p.B.Node == node {
		return p.B, true
	}
	return PairEnd{}, false
}

func (p EntanglementPair) String() string {
	return fmt.Sprintf("%s[%d]<->%s[%d]", p.A.Node, p.A.Memory, p.B.Node, p.B.Memory)
}

// Peer returns the opposite end from the named node.
func (p EntanglementPair) Peer(node string) (PairEnd, bool) {
	if p.A.Node == node {
		return p.B, true
	}
	if p.B.Node == node {
		return p.A, true
	}
	return PairEnd{}, false
}
