package cipc

import (
	"fmt"
	"runtime"

	"github.com/nmxmxh/cipc/kernel/sram"
	"github.com/nmxmxh/cipc/kernel/utils"
)

// Locker guards the producer index of one queue
type Locker interface {
	Lock() error
	Unlock()
}

// Platform is the set of primitives a target supplies to the engines: byte
// copies in and out of shared memory, a lock per queue, and diagnostic output.
type Platform interface {
	CopyToShared(dst sram.Region, off uint32, src []byte) error
	CopyFromShared(dst []byte, src sram.Region, off uint32) error
	Memset(dst sram.Region, off, n uint32, val byte) error
	// NewLock returns a lock stored in the word at off of region
	NewLock(name string, region sram.Region, off uint32) Locker
	Print(format string, args ...interface{})
}

type defaultPlatform struct {
	log   *utils.Logger
	token uint32
	spins int
}

// NewPlatform returns the platform used by user-space builds. Locks are CAS
// spinlocks on the shared word, tagged with owner so a dump shows the holder,
// and give up after spins attempts.
func NewPlatform(log *utils.Logger, owner Owner, spins int) Platform {
	if log == nil {
		log = utils.NopLogger()
	}
	if spins <= 0 {
		spins = DefaultLockSpins
	}
	return &defaultPlatform{log: log, token: uint32(owner), spins: spins}
}

func (p *defaultPlatform) CopyToShared(dst sram.Region, off uint32, src []byte) error {
	return dst.WriteAt(off, src)
}

func (p *defaultPlatform) CopyFromShared(dst []byte, src sram.Region, off uint32) error {
	return src.ReadAt(off, dst)
}

func (p *defaultPlatform) Memset(dst sram.Region, off, n uint32, val byte) error {
	return dst.Fill(off, n, val)
}

func (p *defaultPlatform) NewLock(name string, region sram.Region, off uint32) Locker {
	token := p.token
	if token == 0 {
		token = 1
	}
	return &spinLock{name: name, region: region, off: off, token: token, spins: p.spins}
}

func (p *defaultPlatform) Print(format string, args ...interface{}) {
	p.log.Info(fmt.Sprintf(format, args...))
}

type spinLock struct {
	name   string
	region sram.Region
	off    uint32
	token  uint32
	spins  int
}

func (l *spinLock) Lock() error {
	for i := 0; i < l.spins; i++ {
		ok, err := l.region.CompareAndSwap32(l.off, 0, l.token)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		runtime.Gosched()
	}
	holder, _ := l.region.Load32(l.off)
	return fmt.Errorf("%w: %s held by %s", ErrLockTimeout, l.name, Owner(holder))
}

func (l *spinLock) Unlock() {
	// a reset may have cleared the word already
	_, _ = l.region.CompareAndSwap32(l.off, l.token, 0)
}
