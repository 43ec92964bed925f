package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Slice())
	assert.Equal(t, []int{4, 5}, b.Last(2))
	assert.Equal(t, []int{3, 4, 5}, b.Last(10))
	assert.Empty(t, b.Last(0))
}

func TestBufferReset(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	b.Reset()
	assert.Equal(t, 0, b.Len())
	b.Push("c")
	assert.Equal(t, []string{"c"}, b.Slice())
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	assert.Equal(t, 1, b.Cap())
	assert.Equal(t, []int{2}, b.Slice())
}
