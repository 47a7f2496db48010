package model

// MemoryState is the lifecycle state of a quantum memory slot. Transitions
// only cycle RAW -> OCCUPIED -> ENTANGLED -> RAW; the resource manager is
// the sole mutator.
type MemoryState int

const (
	// MemoryRaw: slot is free and carries no state.
	MemoryRaw MemoryState = iota
	// MemoryOccupied: slot is claimed by a protocol instance but not yet
	// entangled.
	MemoryOccupied
	// MemoryEntangled: slot holds one half of an entangled pair.
	MemoryEntangled
)

func (s MemoryState) String() string {
	switch s {
	case MemoryRaw:
		return "RAW"
	case MemoryOccupied:
		return "OCCUPIED"
	case MemoryEntangled:
		return "ENTANGLED"
	default:
		return "INVALID"
	}
}
