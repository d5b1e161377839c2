package fiber

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/farukalpay/hyperion-runtime/kernel/utils"
)

// StackPool carves fixed-size fiber stacks out of one large anonymous
// mapping using a power-of-two buddy scheme, instead of issuing one mmap
// per fiber. MaxStackSize (1 MiB) matches the core spec's default fiber
// stack size exactly, and MinStackSize (4 KiB) matches one page — the same
// level structure a general-purpose buddy allocator would use turns out to
// be exactly the right shape for a pool of same-order-of-magnitude stacks.
//
// This is adapted from the teacher's power-of-two block allocator
// (kernel/threads/arena/buddy.go): same level/free-list/XOR-buddy algorithm,
// repurposed to hand out fiber stack memory instead of generic SAB blocks.
type StackPool struct {
	mu sync.Mutex

	memory []byte
	size   uint32

	freeLists [numLevels]uint32
	bitmap    []uint64
	levels    []uint8
}

const (
	MinStackSize = 4096        // one page
	MaxStackSize = 1024 * 1024 // the core spec's default fiber stack size
	numLevels    = 9           // 4KiB .. 1MiB
)

// NewStackPool reserves capacity bytes of RW anonymous memory and seeds the
// free lists. capacity must be a non-zero multiple of MaxStackSize: each
// MaxStackSize span forms its own independent buddy tree ("silo"), and every
// silo's base offset must itself be a multiple of MaxStackSize for the
// XOR-based buddy computation in coalesce to address real neighbors rather
// than arbitrary unrelated offsets.
func NewStackPool(capacity uint32) (*StackPool, error) {
	if capacity < MaxStackSize || capacity%MaxStackSize != 0 {
		return nil, fmt.Errorf("fiber: stack pool capacity must be a non-zero multiple of %d", MaxStackSize)
	}

	mem, err := unix.Mmap(-1, 0, int(capacity),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, utils.WrapError(err, "fiber: stack pool reservation failed")
	}

	numBlocks := int(capacity / MinStackSize)
	p := &StackPool{
		memory: mem,
		size:   capacity,
		bitmap: make([]uint64, (numBlocks+63)/64),
		levels: make([]uint8, numBlocks),
	}

	for offset := uint32(MaxStackSize); offset < capacity; offset += MaxStackSize {
		p.pushFree(offset, numLevels-1)
	}

	// Offset 0 doubles as "empty" in the free-list next-pointer encoding
	// (the same convention the slab allocator uses), so the smallest block
	// starting at offset 0 is carved out of the first silo by hand — the
	// same halving split() performs, but anchored so the reserved block
	// lands at exactly offset 0 — and permanently marked used. It is never
	// handed out by Alloc or returned to a free list by Free.
	for level := numLevels - 2; level >= 0; level-- {
		p.pushFree(levelSize(level), level)
	}
	p.markUsed(0, 0)

	return p, nil
}

func levelSize(level int) uint32 { return MinStackSize << uint(level) }

func sizeToLevel(size uint32) int {
	level := 0
	sz := uint32(MinStackSize)
	for sz < size && level < numLevels-1 {
		sz *= 2
		level++
	}
	return level
}

// Alloc returns a stack region of at least size bytes (size is rounded up
// to the next power of two, and to at least MinStackSize; a size above
// MaxStackSize is rejected with an error) as a byte slice aliasing the
// pool's backing mapping, plus the offset used to Free it later.
func (p *StackPool) Alloc(size uint32) (offset uint32, stack []byte, err error) {
	if size > MaxStackSize {
		return 0, nil, fmt.Errorf("fiber: stack size %d exceeds pool granularity %d", size, MaxStackSize)
	}
	level := sizeToLevel(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.findFree(level)
	if !ok {
		return 0, nil, fmt.Errorf("fiber: stack pool exhausted")
	}
	p.markUsed(off, level)
	return off, p.memory[off : off+levelSize(level)], nil
}

// Free returns a previously allocated stack to the pool, coalescing with
// its buddy where possible.
func (p *StackPool) Free(offset uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	blockIdx := offset / MinStackSize
	if int(blockIdx) >= len(p.levels) {
		return fmt.Errorf("fiber: invalid stack offset %d", offset)
	}
	level := int(p.levels[blockIdx])
	p.markFree(offset, level)
	p.coalesce(offset, level)
	return nil
}

// findFree returns a block at level, splitting a larger block if none is
// free at the requested level directly.
func (p *StackPool) findFree(level int) (uint32, bool) {
	if p.freeLists[level] != 0 {
		off := p.freeLists[level]
		p.freeLists[level] = p.nextFree(off)
		return off, true
	}
	for l := level + 1; l < numLevels; l++ {
		if p.freeLists[l] != 0 {
			return p.split(l, level), true
		}
	}
	return 0, false
}

func (p *StackPool) split(fromLevel, toLevel int) uint32 {
	off := p.freeLists[fromLevel]
	p.freeLists[fromLevel] = p.nextFree(off)

	for level := fromLevel - 1; level >= toLevel; level-- {
		buddyOff := off + levelSize(level)
		p.pushFree(buddyOff, level)
	}
	return off
}

func (p *StackPool) coalesce(offset uint32, level int) {
	for level < numLevels-1 {
		blockSize := levelSize(level)
		buddyOffset := offset ^ blockSize
		if !p.blockIsFree(buddyOffset, level) {
			break
		}
		p.removeFree(buddyOffset, level)
		if buddyOffset < offset {
			offset = buddyOffset
		}
		level++
	}
	p.pushFree(offset, level)
}

func (p *StackPool) blockIsFree(offset uint32, level int) bool {
	blockSize := levelSize(level)
	numBlocks := blockSize / MinStackSize
	blockIdx := offset / MinStackSize
	totalBlocks := p.size / MinStackSize
	if blockIdx+numBlocks > totalBlocks {
		return false
	}
	for i := uint32(0); i < numBlocks; i++ {
		bit := int(blockIdx + i)
		if bit >= len(p.bitmap)*64 {
			return false
		}
		if p.bitmap[bit/64]&(1<<(bit%64)) != 0 {
			return false
		}
	}
	return true
}

func (p *StackPool) markUsed(offset uint32, level int) {
	blockSize := levelSize(level)
	numBlocks := blockSize / MinStackSize
	blockIdx := offset / MinStackSize
	for i := uint32(0); i < numBlocks; i++ {
		bit := int(blockIdx + i)
		p.bitmap[bit/64] |= 1 << (bit % 64)
		p.levels[bit] = uint8(level)
	}
}

func (p *StackPool) markFree(offset uint32, level int) {
	blockSize := levelSize(level)
	numBlocks := blockSize / MinStackSize
	blockIdx := offset / MinStackSize
	for i := uint32(0); i < numBlocks; i++ {
		bit := int(blockIdx + i)
		p.bitmap[bit/64] &^= 1 << (bit % 64)
	}
}

func (p *StackPool) pushFree(offset uint32, level int) {
	next := p.freeLists[level]
	p.writeNextFree(offset, next)
	p.freeLists[level] = offset
}

func (p *StackPool) removeFree(offset uint32, level int) {
	if p.freeLists[level] == offset {
		p.freeLists[level] = p.nextFree(offset)
		return
	}
	cur := p.freeLists[level]
	for cur != 0 {
		next := p.nextFree(cur)
		if next == offset {
			p.writeNextFree(cur, p.nextFree(offset))
			return
		}
		cur = next
	}
}

func (p *StackPool) nextFree(offset uint32) uint32 {
	b := p.memory[offset : offset+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (p *StackPool) writeNextFree(offset, next uint32) {
	b := p.memory[offset : offset+4]
	b[0] = byte(next)
	b[1] = byte(next >> 8)
	b[2] = byte(next >> 16)
	b[3] = byte(next >> 24)
}

// Close releases the pool's backing mapping. Any stacks still in use
// become invalid; callers must ensure every fiber using this pool has been
// torn down first.
func (p *StackPool) Close() error {
	return unix.Munmap(p.memory)
}
