package lsm

// bitAt reports the value of the n-th bit of key's extended bit
// representation, counting from the most significant bit of key[0].
// Each byte of key occupies 9 virtual bits here, not 8: a leading
// presence bit (1 if the byte exists, 0 if n has run past key's
// length) followed by the byte's 8 data bits. The presence bit is what
// lets two keys where one is a zero-byte-padded extension of the
// other - e.g. "a" and "a\x00", both legal under key.go's unconstrained
// byte-string keys - diverge at a real bit index instead of comparing
// as identical: padding missing bytes with plain zero data bits (the
// teacher's nthbit convention for its fixed-length keyHash, where this
// situation cannot arise) would make "ran out of key" indistinguishable
// from "the next byte happens to be zero".
func bitAt(key []byte, n int) int {
	byteIdx := n / 9
	sub := n % 9
	if sub == 0 {
		if byteIdx < len(key) {
			return 1
		}
		return 0
	}
	if byteIdx >= len(key) {
		return 0
	}
	bitInByte := uint(8 - sub)
	return int((key[byteIdx] >> bitInByte) & 1)
}

// firstDifferingBit returns the index of the most significant bit, in
// bitAt's extended encoding, at which a and b disagree. It returns -1
// iff a and b are the same key: the presence bit guarantees a
// divergence at the shorter key's length even when the longer key's
// corresponding byte is zero, so no two distinct keys can be mistaken
// for each other the way a raw zero-padded comparison would.
func firstDifferingBit(a, b []byte) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n*9; i++ {
		if bitAt(a, i) != bitAt(b, i) {
			return i
		}
	}
	return -1
}
