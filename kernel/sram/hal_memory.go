package sram

import "unsafe"

// InMemoryProvider keeps the SRAM image in process memory.
// Several cores simulated in one process share the same provider.
type InMemoryProvider struct {
	window
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
// The backing array is allocated as uint32 words so atomic access is always aligned.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	words := make([]uint32, (size+3)/4)
	p := &InMemoryProvider{}
	if len(words) > 0 {
		p.data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)[:size]
	}
	return p
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	return nil
}

// Bytes exposes the raw image. Tests use it to corrupt state out-of-band.
func (m *InMemoryProvider) Bytes() []byte {
	return m.data
}
