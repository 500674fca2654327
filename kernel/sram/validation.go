package sram

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Validator tracks the regions placed inside one SRAM window and rejects
// placements that leave the window or overlap an earlier region.
type Validator struct {
	mu      sync.RWMutex
	start   uint32
	end     uint32
	regions []MemoryRegion
}

// NewValidator creates a validator for the window [start, end)
func NewValidator(start, end uint32) *Validator {
	return &Validator{start: start, end: end}
}

// RegisterRegion adds a region, checking bounds and overlaps
func (v *Validator) RegisterRegion(name string, offset, size uint32, purpose string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offset < v.start || uint64(offset)+uint64(size) > uint64(v.end) {
		msg := fmt.Sprintf("region %s [0x%x+0x%x) leaves window [0x%x-0x%x)", name, offset, size, v.start, v.end)
		return &LayoutError{Code: "REGION_OUT_OF_WINDOW", Message: msg}
	}

	for _, r := range v.regions {
		if regionsOverlap(offset, size, r.Offset, r.Size) {
			return &LayoutError{
				Code:    "REGION_OVERLAP",
				Message: "Region " + name + " overlaps with " + r.Name,
			}
		}
	}

	v.regions = append(v.regions, MemoryRegion{
		Name:    name,
		Offset:  offset,
		Size:    size,
		Purpose: purpose,
	})
	return nil
}

// ValidateLayout re-checks the whole registered layout for overlaps
func (v *Validator) ValidateLayout() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for i := 0; i < len(v.regions); i++ {
		for j := i + 1; j < len(v.regions); j++ {
			r1, r2 := v.regions[i], v.regions[j]
			if regionsOverlap(r1.Offset, r1.Size, r2.Offset, r2.Size) {
				return fmt.Errorf("regions %s and %s overlap", r1.Name, r2.Name)
			}
		}
	}
	return nil
}

// Regions returns the registered regions sorted by offset
func (v *Validator) Regions() []MemoryRegion {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]MemoryRegion, len(v.regions))
	copy(out, v.regions)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// GetMemoryMap returns a human-readable memory map
func (v *Validator) GetMemoryMap() string {
	regions := v.Regions()

	var b strings.Builder
	fmt.Fprintf(&b, "SRAM IPC Map [0x%06X - 0x%06X] (%d bytes)\n", v.start, v.end, v.end-v.start)
	b.WriteString("================================================================\n")
	for _, r := range regions {
		fmt.Fprintf(&b, "%-20s | 0x%06X - 0x%06X | %6d bytes | %s\n",
			r.Name, r.Offset, r.End(), r.Size, r.Purpose)
	}
	b.WriteString("================================================================\n")
	return b.String()
}

func regionsOverlap(offset1, size1, offset2, size2 uint32) bool {
	return uint64(offset1) < uint64(offset2)+uint64(size2) && uint64(offset1)+uint64(size1) > uint64(offset2)
}
