package sram

// Alignment requirements for regions placed in SRAM
const (
	ALIGNMENT_WORD       = 4
	ALIGNMENT_CACHE_LINE = 64
	ALIGNMENT_PAGE       = 4096
)

// MemoryRegion describes a named extent of the SRAM block
type MemoryRegion struct {
	Name    string
	Offset  uint32
	Size    uint32
	Purpose string
}

// End returns the first offset past the region
func (m MemoryRegion) End() uint32 {
	return m.Offset + m.Size
}

// LayoutError represents a memory layout error
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}

// AlignOffset aligns an offset up to alignment, which must be a power of two
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) & ^(alignment - 1)
}

// IsAligned reports whether offset is a multiple of alignment
func IsAligned(offset, alignment uint64) bool {
	return alignment != 0 && offset%alignment == 0
}

// CalculateUtilization calculates region utilization percentage
func CalculateUtilization(used, capacity uint32) float32 {
	if capacity == 0 {
		return 0
	}
	return float32(used) / float32(capacity) * 100.0
}
