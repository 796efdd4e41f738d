package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsFullSizeSlab(t *testing.T) {
	p := New()
	b := p.Get()
	require.Len(t, b.Bytes(), SlabSize)
	b.Release()
}

func TestRetainDelaysReturnToPool(t *testing.T) {
	p := New()
	b := p.Get()
	b.Retain()

	b.Release() // refs: 2 -> 1, should not recycle yet
	b.Bytes()[0] = 0xAB
	require.EqualValues(t, 0xAB, b.Bytes()[0])

	b.Release() // refs: 1 -> 0, recycled now
}

func TestHintIsPositive(t *testing.T) {
	p := New()
	require.Greater(t, p.Hint(), 0)
}
