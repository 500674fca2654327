package sram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorRejectsOverlap(t *testing.T) {
	v := NewValidator(0x1000, 0x3000)

	require.NoError(t, v.RegisterRegion("a", 0x1000, 0x100, "first"))
	require.NoError(t, v.RegisterRegion("b", 0x1100, 0x100, "second"))

	err := v.RegisterRegion("c", 0x10F0, 0x20, "overlapping")
	require.Error(t, err)
	var le *LayoutError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "REGION_OVERLAP", le.Code)

	assert.Contains(t, le.Message, "b")
	assert.NoError(t, v.ValidateLayout())
	assert.Len(t, v.Regions(), 2, "rejected regions are not kept")
}

func TestValidatorRejectsOutOfWindow(t *testing.T) {
	v := NewValidator(0x1000, 0x2000)

	var le *LayoutError
	require.ErrorAs(t, v.RegisterRegion("low", 0x0F00, 0x200, ""), &le)
	assert.Equal(t, "REGION_OUT_OF_WINDOW", le.Code)
	assert.Error(t, v.RegisterRegion("high", 0x1F00, 0x200, ""))
	assert.NoError(t, v.RegisterRegion("exact", 0x1000, 0x1000, ""))
	assert.Len(t, v.Regions(), 1)
}

func TestValidatorMemoryMap(t *testing.T) {
	v := NewValidator(0, 0x1000)
	require.NoError(t, v.RegisterRegion("data", 0x200, 0x100, "data channel"))
	require.NoError(t, v.RegisterRegion("evt", 0x100, 0x80, "event queue"))

	regions := v.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, "evt", regions[0].Name)
	assert.Equal(t, uint32(0x180), regions[0].End())

	m := v.GetMemoryMap()
	assert.Less(t, strings.Index(m, "evt"), strings.Index(m, "data"))
	assert.Contains(t, m, "event queue")
}
