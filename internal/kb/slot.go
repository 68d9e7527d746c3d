// Package kb implements the nine-slot typed knowledge store: a
// directory of independent BoltDB files, one per slot, each holding
// UTF-8-keyed, mostly-JSON-encoded values. Slot 9 (Shadow) is the only
// slot whose values are encrypted at rest; every other slot stores
// plaintext JSON.
//
// The store is single-writer, multi-reader per process, following
// bbolt's own concurrency model: each slot's *bolt.DB serializes its
// own write transactions internally, so Store itself holds no extra
// locking beyond what bbolt already provides.
package kb

import "fmt"

// Slot identifies one of the nine typed partitions of the knowledge
// store.
type Slot int

const (
	// Pneuma (1) holds sovereign identity records.
	Pneuma Slot = iota + 1
	// Oikos (2) holds governance state: tasks and summaries.
	Oikos
	// Logos (3) holds generic KbRecord units and their embeddings.
	Logos
	// Chronos (4) holds the append-only episodic event log.
	Chronos
	// Techne (5) holds the skill capability inventory.
	Techne
	// Ethos (6) holds policy records and the active philosophical lens.
	Ethos
	// Kardia (7) holds relational and mental-state records.
	Kardia
	// Soma (8) holds physiological state and the agent message inbox.
	Soma
	// Shadow (9) holds encrypted emotional anchors. Never plaintext.
	Shadow
)

// allSlots enumerates every slot in file-creation order.
var allSlots = []Slot{Pneuma, Oikos, Logos, Chronos, Techne, Ethos, Kardia, Soma, Shadow}

// AllSlots returns every slot in file-creation order.
func AllSlots() []Slot {
	out := make([]Slot, len(allSlots))
	copy(out, allSlots)
	return out
}

// String returns the slot's lower-case semantic name (pneuma …
// shadow). The on-disk file names use their own labels; see fileName.
func (s Slot) String() string {
	switch s {
	case Pneuma:
		return "pneuma"
	case Oikos:
		return "oikos"
	case Logos:
		return "logos"
	case Chronos:
		return "chronos"
	case Techne:
		return "techne"
	case Ethos:
		return "ethos"
	case Kardia:
		return "kardia"
	case Soma:
		return "soma"
	case Shadow:
		return "shadow"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// fileName returns the on-disk BoltDB file name for the slot, per the
// external store layout (kb1_identity … kb9_shadow).
func (s Slot) fileName() string {
	labels := map[Slot]string{
		Pneuma:  "identity",
		Oikos:   "governance",
		Logos:   "knowledge",
		Chronos: "events",
		Techne:  "skills",
		Ethos:   "policy",
		Kardia:  "relations",
		Soma:    "soma",
		Shadow:  "shadow",
	}
	return fmt.Sprintf("kb%d_%s", int(s), labels[s])
}

// Valid reports whether s is one of the nine defined slots.
func (s Slot) Valid() bool {
	return s >= Pneuma && s <= Shadow
}
