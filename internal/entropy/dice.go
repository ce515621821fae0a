package entropy

import "sort"

// Die maps a raw ledger value onto a die with the given number of sides. The
// mapping is pure: the same raw value and sides always produce the same face.
func Die(raw, sides int) int {
	return 1 + ((raw - 1) % sides)
}

// KeepTop maps each raw value onto a die of the given sides and sums the k
// highest faces. Used for ability-score style 4d6-drop-lowest generation.
func KeepTop(raws []int, sides, k int) int {
	faces := make([]int, len(raws))
	for i, raw := range raws {
		faces[i] = Die(raw, sides)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(faces)))
	if k > len(faces) {
		k = len(faces)
	}
	total := 0
	for _, face := range faces[:k] {
		total += face
	}
	return total
}

// ReserveIndices returns the count consecutive ledger indices following
// logIndex. Reservation does not consume entropy; indices are only consumed
// when a commit advances the session's log index.
func ReserveIndices(logIndex int64, count int) []int64 {
	indices := make([]int64, count)
	for i := range indices {
		indices[i] = logIndex + int64(i) + 1
	}
	return indices
}
