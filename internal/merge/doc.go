// Package merge folds a session's fragments into its canonical snapshot.
//
// A merge pass reads the control record, walks the fragments that follow
// the watermark in sequence order, stitches each onto the running
// canonical sequence, writes the result as a new snapshot, and commits by
// compare-and-swap on the control record. The swap is the only commit
// point: a pass that loses the race leaves the store as it found it apart
// from an unreferenced snapshot, which it removes.
//
// After a commit, fragments at or below the new watermark and the
// previous snapshot are reclaimed. Reclamation is best effort; a leftover
// fragment is skipped by the next walk because it sits below the
// watermark.
//
// Fragments are applied strictly by sequence number. A missing sequence
// number stalls the walk until it arrives, so delivery order never affects
// the canonical result.
package merge
