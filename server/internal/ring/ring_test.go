package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush_BelowCapacity(t *testing.T) {
	b := New[int](3)
	_, evicted := b.Push(1)
	assert.False(t, evicted)
	b.Push(2)

	assert.Equal(t, []int{1, 2}, b.Items())
}

func TestPush_EvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 3; i++ {
		b.Push(i)
	}

	old, ok := b.Push(4)
	require.True(t, ok)
	assert.Equal(t, 1, old)

	old, ok = b.Push(5)
	require.True(t, ok)
	assert.Equal(t, 2, old)

	assert.Equal(t, []int{3, 4, 5}, b.Items())
}

func TestLast(t *testing.T) {
	b := New[string](2)
	_, ok := b.Last()
	assert.False(t, ok, "Last on empty buffer")

	b.Push("a")
	b.Push("b")
	b.Push("c")
	v, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestDo_StopsEarly(t *testing.T) {
	b := New[int](5)
	for i := 0; i < 7; i++ {
		b.Push(i)
	}

	var seen []int
	b.Do(func(v int) bool {
		seen = append(seen, v)
		return v < 4
	})
	assert.Equal(t, []int{2, 3, 4}, seen)
}

func TestNew_MinimumCapacity(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	assert.Equal(t, []int{2}, b.Items())
}
