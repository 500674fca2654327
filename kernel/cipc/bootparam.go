package cipc

import (
	"fmt"

	"github.com/nmxmxh/cipc/kernel/sram"
)

// BootMagic tags the boot-parameter block
const BootMagic = "CIPCBOOT"

const (
	bootMagicOff     = 0
	bootIPCStartOff  = 8
	bootIPCEndOff    = 12
	bootMapOffsetOff = 16
	bootVersionOff   = 20
	BootParamSize    = 24
)

// BootParams is written by the boot stage and read by every core.
// The map header sits at IPCStart+MapOffset; bytes before it belong to the
// boot stage's own bookkeeping.
type BootParams struct {
	IPCStart  uint32 `yaml:"ipc_start"`
	IPCEnd    uint32 `yaml:"ipc_end"`
	MapOffset uint32 `yaml:"map_offset"`
	Version   uint32 `yaml:"version"`
}

// WriteBootParams stamps the boot-parameter block at off
func WriteBootParams(mem sram.MemoryProvider, off uint32, bp BootParams) error {
	if err := bp.validate(mem.Size(), off); err != nil {
		return err
	}
	r, err := sram.NewRegion(mem, "bootparam", off, BootParamSize)
	if err != nil {
		return mapError("boot params: %v", err)
	}
	if bp.Version == 0 {
		bp.Version = MapVersion
	}
	for _, w := range []struct{ off, val uint32 }{
		{bootIPCStartOff, bp.IPCStart},
		{bootIPCEndOff, bp.IPCEnd},
		{bootMapOffsetOff, bp.MapOffset},
		{bootVersionOff, bp.Version},
	} {
		if err := r.Store32(w.off, w.val); err != nil {
			return err
		}
	}
	return r.WriteAt(bootMagicOff, []byte(BootMagic))
}

// ReadBootParams reads and checks the block at off. Any failure is an ErrMap.
func ReadBootParams(mem sram.MemoryProvider, off uint32) (BootParams, error) {
	r, err := sram.NewRegion(mem, "bootparam", off, BootParamSize)
	if err != nil {
		return BootParams{}, mapError("boot params: %v", err)
	}
	magic := make([]byte, len(BootMagic))
	if err := r.ReadAt(bootMagicOff, magic); err != nil {
		return BootParams{}, mapError("boot params: %v", err)
	}
	if string(magic) != BootMagic {
		return BootParams{}, mapError("boot params magic %q, want %q", magic, BootMagic)
	}

	var bp BootParams
	for _, f := range []struct {
		off uint32
		dst *uint32
	}{
		{bootIPCStartOff, &bp.IPCStart},
		{bootIPCEndOff, &bp.IPCEnd},
		{bootMapOffsetOff, &bp.MapOffset},
		{bootVersionOff, &bp.Version},
	} {
		if *f.dst, err = r.Load32(f.off); err != nil {
			return BootParams{}, mapError("boot params: %v", err)
		}
	}
	return bp, bp.validate(mem.Size(), off)
}

func (bp BootParams) validate(memSize, off uint32) error {
	switch {
	case bp.IPCStart%4 != 0 || bp.MapOffset%4 != 0:
		return mapError("ipc start 0x%x / map offset 0x%x not word aligned", bp.IPCStart, bp.MapOffset)
	case bp.IPCStart >= bp.IPCEnd:
		return mapError("empty ipc area [0x%x, 0x%x)", bp.IPCStart, bp.IPCEnd)
	case bp.IPCEnd > memSize:
		return mapError("ipc end 0x%x past sram size 0x%x", bp.IPCEnd, memSize)
	case uint64(bp.IPCStart)+uint64(bp.MapOffset)+MapHeaderSize > uint64(bp.IPCEnd):
		return mapError("map offset 0x%x leaves no room for the map header", bp.MapOffset)
	case off+BootParamSize > bp.IPCStart && off < bp.IPCEnd:
		return mapError("boot params at 0x%x overlap the ipc area", off)
	}
	return nil
}

func (bp BootParams) String() string {
	return fmt.Sprintf("ipc [0x%x, 0x%x) map +0x%x v%d", bp.IPCStart, bp.IPCEnd, bp.MapOffset, bp.Version)
}
