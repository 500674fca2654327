//go:build unix

package sram

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SharedMemoryProvider maps a file so that separate processes can play
// separate cores over one SRAM image.
type SharedMemoryProvider struct {
	window
	path string
	file *os.File
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
}

// DefaultSharedMemoryPath prefers tmpfs when the host has one.
func DefaultSharedMemoryPath() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm/cipc_sram"
	}
	return filepath.Join(os.TempDir(), "cipc_sram")
}

// OpenSharedMemory maps opts.Path, creating and sizing it when opts.Create is
// set. Opening an existing image adopts its size.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}
	if opts.Create && opts.Size == 0 {
		return nil, errors.New("shared memory size required when creating")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	data, err := mapFile(file, opts)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &SharedMemoryProvider{window: window{data: data}, path: path, file: file}, nil
}

func mapFile(file *os.File, opts SharedMemoryOptions) ([]byte, error) {
	if opts.Create {
		if err := file.Truncate(int64(opts.Size)); err != nil {
			return nil, fmt.Errorf("truncate shared memory file: %w", err)
		}
	}
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	size := info.Size()
	if size == 0 || size > int64(^uint32(0)) {
		return nil, fmt.Errorf("shared memory file has unusable size %d", size)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}
	return data, nil
}

func (s *SharedMemoryProvider) Path() string {
	return s.path
}

// Sync flushes the mapping to the backing file.
func (s *SharedMemoryProvider) Sync() error {
	if s.data == nil {
		return ErrClosed
	}
	return unix.Msync(s.data, unix.MS_SYNC)
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}
