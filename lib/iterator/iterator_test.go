package iterator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollect(t *testing.T) {
	{
		items, err := Collect(FromSlice([]int{1, 2, 3}))
		assert.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, items)
	}
	{
		items, err := Collect(FromSlice([]int{}))
		assert.NoError(t, err)
		assert.Empty(t, items)
	}
}

func TestOnce(t *testing.T) {
	iter := Once("value")
	assert.True(t, iter.HasNext())

	item, err := iter.Next()
	assert.NoError(t, err)
	assert.Equal(t, "value", item)
	assert.False(t, iter.HasNext())

	_, err = iter.Next()
	assert.ErrorContains(t, err, "iterator has finished")
}

func TestBatch(t *testing.T) {
	{
		batches, err := Collect(Batch(FromSlice([]int{1, 2, 3, 4, 5}), 2))
		assert.NoError(t, err)
		assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, batches)
	}
	{
		// step below 1 is clamped
		batches, err := Collect(Batch(FromSlice([]int{1, 2}), 0))
		assert.NoError(t, err)
		assert.Equal(t, [][]int{{1}, {2}}, batches)
	}
}
