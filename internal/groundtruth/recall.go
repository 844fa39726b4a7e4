// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package groundtruth

// Recall is the fraction of the first k true neighbours that appear in got.
// It is 1 when truth is empty.
func Recall(truth, got []int64, k int) float64 {
	if k > len(truth) {
		k = len(truth)
	}
	if k <= 0 {
		return 1
	}

	want := make(map[int64]struct{}, k)
	for _, id := range truth[:k] {
		want[id] = struct{}{}
	}
	hit := 0
	for _, id := range got {
		if _, ok := want[id]; ok {
			hit++
			delete(want, id)
		}
	}
	return float64(hit) / float64(k)
}

// MeanRecall averages Recall over paired result lists.
func MeanRecall(truths, gots [][]int64, k int) float64 {
	if len(truths) == 0 {
		return 0
	}
	var sum float64
	for i := range truths {
		var got []int64
		if i < len(gots) {
			got = gots[i]
		}
		sum += Recall(truths[i], got, k)
	}
	return sum / float64(len(truths))
}
