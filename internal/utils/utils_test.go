package utils

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFilter(t *testing.T) {
	in := []int{1, 2, 3, 4}
	assert.Equal(t, []string{"1", "2", "3", "4"}, Map(in, strconv.Itoa))
	assert.Equal(t, []int{2, 4}, Filter(in, func(n int) bool { return n%2 == 0 }))
	assert.Empty(t, Filter(in, func(int) bool { return false }))
}

func TestContainsUniq(t *testing.T) {
	assert.True(t, Contains([]string{"a", "b"}, "b"))
	assert.False(t, Contains([]string{"a", "b"}, "c"))
	assert.False(t, Contains(nil, 1))

	assert.Equal(t, []int64{3, 1, 2}, Uniq([]int64{3, 0, 1, 3, 2, 1}))
	assert.Equal(t, []string{"x"}, Uniq([]string{"", "x", "x"}))
}

func TestSplitToInt64(t *testing.T) {
	got, err := SplitToInt64(" 1, 2 ,30", ",")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 30}, got)

	got, err = SplitToInt64("  ", ",")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = SplitToInt64("1,,2", ",")
	assert.Error(t, err)
}
