package sram

import "fmt"

// Region is a named, bounds-checked window onto a MemoryProvider.
// Base and size are fixed at construction; every accessor takes an offset
// relative to the region base and refuses to touch memory outside it.
type Region struct {
	mem  MemoryProvider
	name string
	base uint32
	size uint32
}

// NewRegion creates a region over [base, base+size) of mem.
func NewRegion(mem MemoryProvider, name string, base, size uint32) (Region, error) {
	if mem == nil {
		return Region{}, fmt.Errorf("region %s: nil memory provider", name)
	}
	if !inBounds(base, size, mem.Size()) {
		return Region{}, fmt.Errorf("region %s [0x%x+0x%x): %w", name, base, size, ErrOutOfBounds)
	}
	return Region{mem: mem, name: name, base: base, size: size}, nil
}

func (r Region) Name() string { return r.name }
func (r Region) Base() uint32 { return r.base }
func (r Region) Size() uint32 { return r.size }
func (r Region) End() uint32  { return r.base + r.size }

// Valid reports whether the region was constructed
func (r Region) Valid() bool { return r.mem != nil }

// Contains reports whether [off, off+n) lies inside the region.
func (r Region) Contains(off, n uint32) bool {
	return inBounds(off, n, r.size)
}

func (r Region) check(off, n uint32) error {
	if r.mem == nil {
		return fmt.Errorf("region %s: %w", r.name, ErrClosed)
	}
	if !r.Contains(off, n) {
		return fmt.Errorf("region %s: access [0x%x+0x%x) exceeds 0x%x: %w", r.name, off, n, r.size, ErrOutOfBounds)
	}
	return nil
}

// Load32 atomically reads the word at off.
func (r Region) Load32(off uint32) (uint32, error) {
	if err := r.check(off, 4); err != nil {
		return 0, err
	}
	return r.mem.AtomicLoad32(r.base + off)
}

// Store32 atomically writes the word at off.
func (r Region) Store32(off, val uint32) error {
	if err := r.check(off, 4); err != nil {
		return err
	}
	return r.mem.AtomicStore32(r.base+off, val)
}

// Add32 atomically adds delta to the word at off and returns the new value.
func (r Region) Add32(off, delta uint32) (uint32, error) {
	if err := r.check(off, 4); err != nil {
		return 0, err
	}
	return r.mem.AtomicAdd32(r.base+off, delta)
}

// CompareAndSwap32 atomically swaps the word at off from old to new.
func (r Region) CompareAndSwap32(off, old, new uint32) (bool, error) {
	if err := r.check(off, 4); err != nil {
		return false, err
	}
	return r.mem.CompareAndSwap32(r.base+off, old, new)
}

// ReadAt copies len(dst) bytes starting at off into dst.
func (r Region) ReadAt(off uint32, dst []byte) error {
	if err := r.check(off, uint32(len(dst))); err != nil {
		return err
	}
	return r.mem.ReadAt(r.base+off, dst)
}

// WriteAt copies src into the region starting at off.
func (r Region) WriteAt(off uint32, src []byte) error {
	if err := r.check(off, uint32(len(src))); err != nil {
		return err
	}
	return r.mem.WriteAt(r.base+off, src)
}

// Fill sets n bytes starting at off to val.
func (r Region) Fill(off, n uint32, val byte) error {
	if err := r.check(off, n); err != nil {
		return err
	}
	const chunk = 512
	buf := make([]byte, min(n, chunk))
	for i := range buf {
		buf[i] = val
	}
	for done := uint32(0); done < n; {
		step := min(n-done, chunk)
		if err := r.mem.WriteAt(r.base+off+done, buf[:step]); err != nil {
			return err
		}
		done += step
	}
	return nil
}

// ReadString reads a NUL-padded fixed-width string field.
func (r Region) ReadString(off, width uint32) (string, error) {
	buf := make([]byte, width)
	if err := r.ReadAt(off, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// WriteString writes s NUL-padded (and truncated) to width bytes.
func (r Region) WriteString(off, width uint32, s string) error {
	buf := make([]byte, width)
	copy(buf, s)
	return r.WriteAt(off, buf)
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%06x-0x%06x]", r.name, r.base, r.base+r.size)
}
