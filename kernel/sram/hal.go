package sram

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// MemoryProvider abstracts access to the SRAM block shared between cores.
// Implementations may be backed by mmap, a device window, or an in-memory buffer.
// All 32-bit accessors require 4-byte aligned offsets.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	CompareAndSwap32(offset uint32, old, new uint32) (bool, error)
	Close() error
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not 4-byte aligned")
	ErrClosed      = errors.New("memory provider closed")
)

// inBounds reports whether [offset, offset+n) fits in size without overflow.
func inBounds(offset, n, size uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(size)
}

// window implements the accessors over a byte view of the block. The view
// must start word aligned; a nil view means the provider is closed.
type window struct {
	data []byte
}

func (w *window) Size() uint32 {
	return uint32(len(w.data))
}

func (w *window) span(offset, n uint32) ([]byte, error) {
	if w.data == nil {
		return nil, ErrClosed
	}
	if !inBounds(offset, n, w.Size()) {
		return nil, ErrOutOfBounds
	}
	return w.data[offset : offset+n], nil
}

func (w *window) ReadAt(offset uint32, dest []byte) error {
	b, err := w.span(offset, uint32(len(dest)))
	if err != nil {
		return err
	}
	copy(dest, b)
	return nil
}

func (w *window) WriteAt(offset uint32, src []byte) error {
	b, err := w.span(offset, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

func (w *window) word(offset uint32) (*uint32, error) {
	b, err := w.span(offset, 4)
	if err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

func (w *window) AtomicLoad32(offset uint32) (uint32, error) {
	p, err := w.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

func (w *window) AtomicStore32(offset uint32, val uint32) error {
	p, err := w.word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, val)
	return nil
}

func (w *window) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	p, err := w.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(p, delta), nil
}

func (w *window) CompareAndSwap32(offset uint32, old, new uint32) (bool, error) {
	p, err := w.word(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(p, old, new), nil
}
