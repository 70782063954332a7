// Package slot maps the currently booted root partition to one of the
// two interchangeable A/B partition sets and computes the set an update
// must write to. The partition indices are a provisioning-time contract
// established by the installer and are never derived at runtime.
package slot

import "fmt"

// Slot identifies one of the two root/verity partition pairs.
type Slot int

const (
	A Slot = iota
	B
)

func (s Slot) String() string {
	switch s {
	case A:
		return "A"
	case B:
		return "B"
	default:
		return fmt.Sprintf("Slot(%d)", int(s))
	}
}

// pair is the fixed partition-index pair backing a slot.
type pair struct {
	Root   int
	Verity int
}

// table is the only source of truth for slot to partition mapping.
// Index 1 is the ESP and index 6 the data partition, neither belongs
// to a slot.
var table = map[Slot]pair{
	A: {Root: 2, Verity: 3},
	B: {Root: 4, Verity: 5},
}

// UnknownSlotError reports a root partition index that does not match
// either slot. We refuse to guess: writing to a partition we cannot
// classify could hit the active root.
type UnknownSlotError struct {
	PartIndex int
}

func (e *UnknownSlotError) Error() string {
	return fmt.Sprintf("partition index %d does not back either slot (want 2 for A or 4 for B)", e.PartIndex)
}

// Resolve returns the slot whose root partition has the given index.
func Resolve(rootPartIndex int) (Slot, error) {
	for s, p := range table {
		if p.Root == rootPartIndex {
			return s, nil
		}
	}
	return Slot(-1), &UnknownSlotError{PartIndex: rootPartIndex}
}

// Complement returns the other slot.
func (s Slot) Complement() Slot {
	if s == A {
		return B
	}
	return A
}

// RootIndex returns the index of the slot's root partition.
func (s Slot) RootIndex() int {
	return table[s].Root
}

// VerityIndex returns the index of the slot's verity partition.
func (s Slot) VerityIndex() int {
	return table[s].Verity
}
