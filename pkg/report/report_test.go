package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrEmpty(t *testing.T) {
	empty := OrEmpty(nil)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	r := New().Set("rows", 3)
	assert.Equal(t, r, OrEmpty(r))
}

func TestMergeLeavesReceiverUntouched(t *testing.T) {
	base := New().Set("rows", 3).Set("bytes", 10)
	merged := base.Merge(TaskReport{"rows": 5, FilterKey: []TaskReport{}})

	assert.Equal(t, TaskReport{"rows": 3, "bytes": 10}, base)
	assert.Equal(t, 5, merged["rows"])
	assert.Equal(t, 10, merged["bytes"])
	_, ok := merged.Get(FilterKey)
	assert.True(t, ok)
}

func TestClone(t *testing.T) {
	assert.Nil(t, TaskReport(nil).Clone())

	r := New().Set("rows", 1)
	c := r.Clone()
	c.Set("rows", 2)
	v, _ := r.Get("rows")
	assert.Equal(t, 1, v)
}
