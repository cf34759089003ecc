package corekv

// HashScan folds over the resource-hash substrings embedded in value: a
// hash dependency is any maximal run of hash-alphabet bytes whose length
// is exactly HashStringLen. Runs of any other length - too short, too
// long - are not dependencies and are skipped whole.
//
// The scan is deterministic, linear in len(value), and never inspects
// value more than once.

// FoldHashDeps folds f over every hash dependency found in value,
// left to right, starting from seed.
func FoldHashDeps[T any](value []byte, seed T, f func(T, Hash) T) T {
	acc := seed
	runStart := -1
	flush := func(end int) {
		if runStart >= 0 && end-runStart == HashStringLen {
			if h, err := ParseHash(string(value[runStart:end])); err == nil {
				acc = f(acc, h)
			}
		}
		runStart = -1
	}
	for i, b := range value {
		if IsHashByte(b) {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		flush(i)
	}
	flush(len(value))
	return acc
}

// IterHashDeps calls f for every hash dependency found in value, left to
// right. It stops and returns f's error at the first failure.
func IterHashDeps(value []byte, f func(Hash) error) error {
	var firstErr error
	FoldHashDeps(value, struct{}{}, func(_ struct{}, h Hash) struct{} {
		if firstErr == nil {
			firstErr = f(h)
		}
		return struct{}{}
	})
	return firstErr
}

// CollectHashDeps returns every hash dependency found in value, in order.
// Duplicates are preserved; callers that want a set should dedupe.
func CollectHashDeps(value []byte) []Hash {
	return FoldHashDeps(value, ([]Hash)(nil), func(acc []Hash, h Hash) []Hash {
		return append(acc, h)
	})
}
