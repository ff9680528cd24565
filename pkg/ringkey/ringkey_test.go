package ringkey

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Normalizes(t *testing.T) {
	tests := []struct {
		name     string
		value    int64
		keyspace int64
		expected int64
	}{
		{name: "in range", value: 42, keyspace: 100, expected: 42},
		{name: "overflow wraps", value: 142, keyspace: 100, expected: 42},
		{name: "negative wraps", value: -1, keyspace: 100, expected: 99},
		{name: "large negative wraps", value: -250, keyspace: 100, expected: 50},
		{name: "exact modulus", value: 100, keyspace: 100, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := FromInt64(tt.value, tt.keyspace)
			assert.Equal(t, tt.expected, k.Value().Int64())
		})
	}
}

func TestNew_PanicsOnInvalidKeyspace(t *testing.T) {
	assert.Panics(t, func() { New(big.NewInt(1), big.NewInt(0)) })
	assert.Panics(t, func() { New(big.NewInt(1), nil) })
}

func TestKey_AddMatchesModularSum(t *testing.T) {
	const n = 1_000
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		a := rng.Int63n(4*n) - 2*n
		b := rng.Int63n(4*n) - 2*n

		sum := FromInt64(a, n).Add(FromInt64(b, n))
		want := FromInt64(a+b, n)
		assert.True(t, sum.Equal(want), "a=%d b=%d got=%s want=%s", a, b, sum, want)
	}
}

func TestKey_SubThenAddRoundTrips(t *testing.T) {
	keyspace := big.NewInt(1_000_000)
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 200; i++ {
		a := New(big.NewInt(rng.Int63n(3_000_000)-1_500_000), keyspace)
		b := New(big.NewInt(rng.Int63n(3_000_000)-1_500_000), keyspace)

		roundTrip := a.Sub(b).Add(b)
		assert.True(t, roundTrip.Equal(a), "a=%s b=%s", a, b)
	}
}

func TestKey_EqualityIgnoresRepresentation(t *testing.T) {
	a := FromInt64(5, 10)
	b := FromInt64(25, 10)
	c := FromInt64(-5, 10)

	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(c))
	assert.Equal(t, 0, a.Cmp(c))
	assert.False(t, a.Equal(Key{}))
	assert.True(t, Key{}.Equal(Key{}))
}

func TestKey_OrderingIsNotRingAware(t *testing.T) {
	low := FromInt64(1, 100)
	high := FromInt64(99, 100)

	// 99 is "just before" 1 on the ring, but plain ordering only looks at values.
	assert.True(t, low.Less(high))
	assert.True(t, high.Greater(low))
	assert.True(t, low.LessOrEqual(low))
	assert.True(t, high.GreaterOrEqual(high))
}

func TestKey_AddPowerOfTwo(t *testing.T) {
	k := FromInt64(1000, 1024)

	assert.Equal(t, int64(1001), k.AddPowerOfTwo(0).Value().Int64())
	assert.Equal(t, int64(1008), k.AddPowerOfTwo(3).Value().Int64())
	// 1000 + 512 wraps past 1024.
	assert.Equal(t, int64(488), k.AddPowerOfTwo(9).Value().Int64())
}

func TestKey_Distance(t *testing.T) {
	a := FromInt64(90, 100)
	b := FromInt64(10, 100)

	assert.Equal(t, int64(20), a.Distance(b).Int64())
	assert.Equal(t, int64(80), b.Distance(a).Int64())
	assert.Equal(t, int64(0), a.Distance(a).Int64())
}

func TestRandom_IsReproducibleAndInRange(t *testing.T) {
	keyspace := big.NewInt(1_000_000)

	r1 := rand.New(rand.NewSource(42))
	r2 := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		k1 := Random(r1, keyspace)
		k2 := Random(r2, keyspace)
		require.True(t, k1.Equal(k2))
		assert.True(t, k1.Value().Sign() >= 0)
		assert.True(t, k1.Value().Cmp(keyspace) < 0)
	}
}

func TestHash_IsDeterministic(t *testing.T) {
	keyspace := DefaultKeyspace()

	a := Hash([]byte("alpha"), keyspace)
	b := Hash([]byte("alpha"), keyspace)
	c := Hash([]byte("beta"), keyspace)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.Value().Cmp(keyspace) < 0)
}

func TestBits(t *testing.T) {
	tests := []struct {
		keyspace *big.Int
		expected int
	}{
		{keyspace: big.NewInt(1), expected: 0},
		{keyspace: big.NewInt(2), expected: 1},
		{keyspace: big.NewInt(1024), expected: 10},
		{keyspace: big.NewInt(1_000_000), expected: 20},
		{keyspace: DefaultKeyspace(), expected: 160},
	}

	for _, tt := range tests {
		t.Run(tt.keyspace.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, Bits(tt.keyspace))
		})
	}
}

func TestInRange(t *testing.T) {
	k := func(v int64) Key { return FromInt64(v, 16) }

	tests := []struct {
		name       string
		id, lo, hi int64
		expected   bool
	}{
		{name: "inside", id: 5, lo: 3, hi: 7, expected: true},
		{name: "exclusive start", id: 3, lo: 3, hi: 7, expected: false},
		{name: "inclusive end", id: 7, lo: 3, hi: 7, expected: true},
		{name: "wraparound low side", id: 1, lo: 12, hi: 3, expected: true},
		{name: "wraparound high side", id: 14, lo: 12, hi: 3, expected: true},
		{name: "outside wraparound", id: 8, lo: 12, hi: 3, expected: false},
		{name: "whole ring", id: 9, lo: 4, hi: 4, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, InRange(k(tt.id), k(tt.lo), k(tt.hi)))
		})
	}
}

func TestBetween(t *testing.T) {
	k := func(v int64) Key { return FromInt64(v, 16) }

	assert.True(t, Between(k(5), k(3), k(7)))
	assert.False(t, Between(k(7), k(3), k(7)))
	assert.True(t, Between(k(0), k(15), k(2)))
	assert.False(t, Between(k(4), k(4), k(4)))
	assert.True(t, Between(k(5), k(4), k(4)))
	assert.False(t, Between(Key{}, k(1), k(2)))
}

func TestKey_StringAndShort(t *testing.T) {
	assert.Equal(t, "<nil>", Key{}.String())
	assert.Equal(t, "nil", Key{}.Short())
	assert.Equal(t, "255", FromInt64(255, 1000).String())
	assert.Equal(t, "ff", FromInt64(255, 1000).Short())

	long := New(new(big.Int).Sub(DefaultKeyspace(), big.NewInt(1)), DefaultKeyspace())
	assert.Len(t, long.Short(), 8)
}
