// Package ringkey implements identifier arithmetic on a Chord ring.
//
// A Key is an integer in [0, keyspace) together with the keyspace it belongs
// to. All arithmetic wraps modulo the keyspace. The ordering methods compare
// normalized integer values only; ring-relative questions ("is x between a
// and b", "which finger is closest before k") are answered by shifting one
// operand by a reference key first, see Between, InRange and Key.Distance.
package ringkey

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"math/rand"
)

// Key is an immutable ring identifier. The zero Key is "unset".
type Key struct {
	value    *big.Int
	keyspace *big.Int
}

// DefaultKeyspace returns 2^160, the classic Chord identifier space.
func DefaultKeyspace() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 160)
}

// New normalizes value into [0, keyspace) using floor modulo, so negative or
// overflowing inputs wrap instead of being rejected. It panics if keyspace is
// not positive.
func New(value, keyspace *big.Int) Key {
	if keyspace == nil || keyspace.Sign() <= 0 {
		panic("ringkey: keyspace must be positive")
	}
	n := new(big.Int).Set(keyspace)
	return Key{value: mod(value, n), keyspace: n}
}

// FromInt64 is New for small keyspaces.
func FromInt64(value, keyspace int64) Key {
	return New(big.NewInt(value), big.NewInt(keyspace))
}

// FromBytes interprets b as a big-endian unsigned integer and folds it into keyspace.
func FromBytes(b []byte, keyspace *big.Int) Key {
	return New(new(big.Int).SetBytes(b), keyspace)
}

// Random draws a key uniformly from [0, keyspace) using rng.
func Random(rng *rand.Rand, keyspace *big.Int) Key {
	if keyspace == nil || keyspace.Sign() <= 0 {
		panic("ringkey: keyspace must be positive")
	}
	return New(new(big.Int).Rand(rng, keyspace), keyspace)
}

// Hash maps arbitrary data onto the ring using SHA-256.
func Hash(data []byte, keyspace *big.Int) Key {
	sum := sha256.Sum256(data)
	return FromBytes(sum[:], keyspace)
}

// Bits returns the number of finger exponents for keyspace, i.e. the smallest
// m such that 2^m >= keyspace.
func Bits(keyspace *big.Int) int {
	if keyspace == nil || keyspace.Cmp(big.NewInt(1)) <= 0 {
		return 0
	}
	return new(big.Int).Sub(keyspace, big.NewInt(1)).BitLen()
}

// IsZero reports whether k is the unset zero value.
func (k Key) IsZero() bool {
	return k.value == nil
}

// Value returns a copy of the normalized value.
func (k Key) Value() *big.Int {
	if k.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(k.value)
}

// Keyspace returns a copy of the modulus.
func (k Key) Keyspace() *big.Int {
	if k.keyspace == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(k.keyspace)
}

// Bytes returns the big-endian encoding of the value.
func (k Key) Bytes() []byte {
	if k.value == nil {
		return nil
	}
	return k.value.Bytes()
}

// Add returns (k + o) mod keyspace.
func (k Key) Add(o Key) Key {
	return New(new(big.Int).Add(k.Value(), o.Value()), k.keyspace)
}

// Sub returns (k - o) mod keyspace.
func (k Key) Sub(o Key) Key {
	return New(new(big.Int).Sub(k.Value(), o.Value()), k.keyspace)
}

// AddPowerOfTwo returns (k + 2^exponent) mod keyspace. Finger i of a node
// with id n targets n.AddPowerOfTwo(i).
func (k Key) AddPowerOfTwo(exponent int) Key {
	offset := new(big.Int).Lsh(big.NewInt(1), uint(exponent))
	return New(offset.Add(offset, k.Value()), k.keyspace)
}

// Distance returns the clockwise distance from k to to, (to - k) mod keyspace.
func (k Key) Distance(to Key) *big.Int {
	return to.Sub(k).Value()
}

// Cmp compares normalized values: -1 if k < o, 0 if equal, +1 if k > o.
func (k Key) Cmp(o Key) int {
	return k.Value().Cmp(o.Value())
}

// Equal reports whether both keys have the same normalized value.
func (k Key) Equal(o Key) bool {
	if k.value == nil || o.value == nil {
		return k.value == nil && o.value == nil
	}
	return k.value.Cmp(o.value) == 0
}

func (k Key) Less(o Key) bool           { return k.Cmp(o) < 0 }
func (k Key) LessOrEqual(o Key) bool    { return k.Cmp(o) <= 0 }
func (k Key) Greater(o Key) bool        { return k.Cmp(o) > 0 }
func (k Key) GreaterOrEqual(o Key) bool { return k.Cmp(o) >= 0 }

// String returns the decimal value, or "<nil>" for the zero Key.
func (k Key) String() string {
	if k.value == nil {
		return "<nil>"
	}
	return k.value.String()
}

// Short returns at most the first 8 hex digits of the value, for logs.
func (k Key) Short() string {
	if k.value == nil {
		return "nil"
	}
	hex := k.value.Text(16)
	if len(hex) > 8 {
		return hex[:8]
	}
	return hex
}

// Format implements fmt.Formatter so %v and %s print the decimal value.
func (k Key) Format(f fmt.State, verb rune) {
	switch verb {
	case 'x':
		fmt.Fprint(f, k.Value().Text(16))
	default:
		fmt.Fprint(f, k.String())
	}
}

// InRange reports whether id lies in the ring interval (start, end].
// When start == end the interval is the whole ring.
func InRange(id, start, end Key) bool {
	if id.IsZero() || start.IsZero() || end.IsZero() {
		return false
	}
	span := start.Distance(end)
	d := start.Distance(id)
	if span.Sign() == 0 {
		return true
	}
	return d.Sign() > 0 && d.Cmp(span) <= 0
}

// Between reports whether id lies in the open ring interval (start, end).
// When start == end the interval is the whole ring except start.
func Between(id, start, end Key) bool {
	if id.IsZero() || start.IsZero() || end.IsZero() {
		return false
	}
	span := start.Distance(end)
	d := start.Distance(id)
	if span.Sign() == 0 {
		return d.Sign() != 0
	}
	return d.Sign() > 0 && d.Cmp(span) < 0
}

// mod returns x mod n in [0, n). big.Int.Mod is Euclidean, which equals floor
// modulo for positive n.
func mod(x, n *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Mod(x, n)
}
