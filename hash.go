package corekv

import (
	"encoding/base32"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the width, in bytes, of a Hash: 320 bits.
const HashSize = 40

// HashStringLen is the width, in characters, of a Hash's base32 encoding.
// 40 bytes * 8 bits / 5 bits-per-symbol == 64, with no padding required.
const HashStringLen = 64

// hashAlphabet is RFC 4648's base32 alphabet: 26 letters plus digits 2-7.
// It was chosen (by the reference design this module follows) to be
// disjoint from '{', '}', control characters, whitespace, and
// '-', '_', '+', '/', '=', so that a hash substring is unambiguously
// delimited by any byte outside the alphabet.
const hashAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var hashEncoding = base32.NewEncoding(hashAlphabet).WithPadding(base32.NoPadding)

var hashByteTable [256]bool

func init() {
	for i := 0; i < len(hashAlphabet); i++ {
		hashByteTable[hashAlphabet[i]] = true
	}
}

// Hash is a fixed-width secure digest identifying a Resource by its
// content.
type Hash [HashSize]byte

// ZeroHash is the zero value of a Hash. It never names a real resource.
var ZeroHash Hash

// H computes the Hash of bytes.
func H(bytes []byte) Hash {
	// blake2b supports arbitrary output sizes; 40 bytes gives the
	// 320-bit digest the reference design calls for.
	h, err := blake2b.New(HashSize, nil)
	if err != nil {
		// Only returns an error for a bad key or out-of-range size,
		// neither of which is possible with a nil key and HashSize.
		panic(err)
	}
	h.Write(bytes)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String encodes h as its base32 representation.
func (h Hash) String() string {
	return hashEncoding.EncodeToString(h[:])
}

// IsZero reports whether h is the zero Hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Less reports whether h sorts before other, lexicographically on the
// raw digest bytes. This is not always the order of their base32
// encodings: the digits '2'-'7' stand for the highest symbol values but
// sort before the letters in ASCII.
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// EphemeronID is the first eight bytes of h, big-endian, used as the key
// into the ephemeral root table.
func (h Hash) EphemeronID() uint64 {
	var id uint64
	for i := 0; i < 8; i++ {
		id = id<<8 | uint64(h[i])
	}
	return id
}

// ParseHash decodes the base32 string produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashStringLen {
		return Hash{}, errors.Errorf("hash string has wrong length %d, want %d", len(s), HashStringLen)
	}
	decoded, err := hashEncoding.DecodeString(s)
	if err != nil {
		return Hash{}, errors.Wrap(err, "decoding hash")
	}
	var h Hash
	copy(h[:], decoded)
	return h, nil
}

// IsHashByte reports whether b belongs to the hash alphabet.
func IsHashByte(b byte) bool {
	return hashByteTable[b]
}
