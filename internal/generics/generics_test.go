package generics

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedKeys(t *testing.T) {
	m := map[int]string{1: "a", 5: "e", 3: "c"}
	// Map iteration order is randomized, so repeat.
	for range 20 {
		require.Equal(t, []int{1, 3, 5}, slices.Collect(SortedKeys(m)))
		var values []string
		for _, v := range SortedKeysAndValues(m) {
			values = append(values, v)
		}
		require.Equal(t, []string{"a", "c", "e"}, values)
	}
}

func TestSliceMapAndSum(t *testing.T) {
	lengths := SliceMap([]string{"ab", "", "cde"}, func(s string) int { return len(s) })
	assert.Equal(t, []int{2, 0, 3}, lengths)
	assert.Equal(t, 5, Sum(lengths))
	assert.Equal(t, float32(0), Sum([]float32(nil)))
}

func TestSet(t *testing.T) {
	s := MakeSet[int](10)
	assert.Empty(t, s)
	s.Insert(3, 7, 3)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))
	assert.Len(t, SetWith("a", "b", "a"), 2)
}
