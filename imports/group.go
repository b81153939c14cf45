// Package imports bulk-imports experiments and their results.
package imports

// GroupBatches partitions |items| into batches of at most |maxBatch| items,
// where all items of a batch share a partition key. Keys are ordered by
// their first occurrence within |items|, and items retain their relative
// order. A |maxBatch| of zero or less doesn't bound batch size.
func GroupBatches[T any, K comparable](items []T, key func(T) K, maxBatch int) [][]T {
	var order []K
	var parts = make(map[K][]T)

	for _, item := range items {
		var k = key(item)
		if _, ok := parts[k]; !ok {
			order = append(order, k)
		}
		parts[k] = append(parts[k], item)
	}

	var out [][]T
	for _, k := range order {
		var part = parts[k]
		for len(part) != 0 {
			var n = len(part)
			if maxBatch > 0 && n > maxBatch {
				n = maxBatch
			}
			out = append(out, part[:n:n])
			part = part[n:]
		}
	}
	return out
}
