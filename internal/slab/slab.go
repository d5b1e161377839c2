// Package slab implements an offset-addressed, boundary-tag heap over a
// caller-supplied byte region. All public operations take and return
// offsets in the virtual coordinate space [baseOffset, baseOffset+size),
// never native pointers, so the backing storage may be relocated or mapped
// anywhere without invalidating anything a caller has persisted.
package slab

import (
	"errors"
	"sync"
)

// ErrExhausted is returned by Allocate when no free block can satisfy the
// request.
var ErrExhausted = errors.New("slab: allocator exhausted")

const (
	alignment  = 64
	headerSize = 8 // size_and_state, uint64
	footerSize = 8 // size_and_state, uint64

	// minBlockSize is the smallest legal total block size: header + one
	// alignment unit of payload (enough for a FreeNode) + footer, rounded
	// up to the alignment.
	minBlockSize = 128
)

// freeNode overlays the first 8 bytes of a free block's payload.
type freeNode struct {
	next uint32
	prev uint32
}

// Allocator is a single-threaded-serialized heap over region[0:size]. All
// offsets returned to callers are baseOffset-relative (baseOffset+region
// index), matching the core spec's virtual coordinate space.
type Allocator struct {
	mu sync.Mutex

	region     []byte
	baseOffset uint32
	totalSize  uint32

	// firstBlockOffset/endOffset bound the heap for the right-coalesce
	// check — the core spec's "Open question" about an unbounded
	// right-neighbor read is resolved by tracking endOffset explicitly.
	firstBlockOffset uint32
	endOffset        uint32

	freeHead uint32 // baseOffset-relative offset of the head of the free list, 0 == null
}

// New constructs an Allocator over region, whose logical base address is
// baseOffset. baseOffset must itself be a multiple of alignment. The entire
// region starts as one giant free block.
func New(region []byte, baseOffset uint32) (*Allocator, error) {
	if baseOffset%alignment != 0 {
		return nil, errors.New("slab: baseOffset must be alignment-aligned")
	}

	size := uint32(len(region))
	if size < minBlockSize {
		return nil, errors.New("slab: region too small")
	}

	a := &Allocator{
		region:     region,
		baseOffset: baseOffset,
		totalSize:  size,
	}

	// Every block's total size is a multiple of alignment (requiredBlockSize
	// always rounds up to it), so once the first block's header sits
	// headerSize bytes before an alignment boundary, every later block
	// produced by splitting or coalescing preserves the same residue and
	// its payload — not just its header — lands on an alignment boundary.
	start := uint32((alignment - headerSize%alignment) % alignment)
	usable := size - start
	usable = usable - (usable % alignment)
	if usable < minBlockSize {
		return nil, errors.New("slab: region too small after alignment")
	}

	a.firstBlockOffset = a.baseOffset + start
	a.endOffset = a.firstBlockOffset + usable

	a.writeBlockTags(a.firstBlockOffset, usable, true)
	a.writeFreeNode(a.firstBlockOffset, 0, 0)
	a.freeHead = a.firstBlockOffset

	return a, nil
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// rel converts a baseOffset-relative offset into a region index.
func (a *Allocator) rel(offset uint32) uint32 { return offset - a.baseOffset }

func (a *Allocator) readU64(regionOffset uint32) uint64 {
	b := a.region[regionOffset : regionOffset+8]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func (a *Allocator) writeU64(regionOffset uint32, v uint64) {
	b := a.region[regionOffset : regionOffset+8]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func (a *Allocator) readU32(regionOffset uint32) uint32 {
	b := a.region[regionOffset : regionOffset+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (a *Allocator) writeU32(regionOffset uint32, v uint32) {
	b := a.region[regionOffset : regionOffset+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// sizeAndState packs (size << 1) | freeBit, matching the core spec's header
// and footer encoding.
func sizeAndState(size uint32, free bool) uint64 {
	v := uint64(size) << 1
	if free {
		v |= 1
	}
	return v
}

func unpackSizeAndState(v uint64) (size uint32, free bool) {
	return uint32(v >> 1), v&1 != 0
}

// writeBlockTags writes both the header (at blockOffset) and the footer
// (at blockOffset+size-footerSize) for a block of the given total size.
func (a *Allocator) writeBlockTags(blockOffset uint32, size uint32, free bool) {
	r := a.rel(blockOffset)
	v := sizeAndState(size, free)
	a.writeU64(r, v)
	a.writeU64(r+size-footerSize, v)
}

func (a *Allocator) readHeader(blockOffset uint32) (size uint32, free bool) {
	return unpackSizeAndState(a.readU64(a.rel(blockOffset)))
}

func (a *Allocator) writeFreeNode(blockOffset uint32, next, prev uint32) {
	r := a.rel(blockOffset) + headerSize
	a.writeU32(r, next)
	a.writeU32(r+4, prev)
}

func (a *Allocator) readFreeNode(blockOffset uint32) freeNode {
	r := a.rel(blockOffset) + headerSize
	return freeNode{next: a.readU32(r), prev: a.readU32(r + 4)}
}

// payloadOffset returns the offset a caller should receive for a block at
// blockOffset: always aligned, since New anchors the first block so that
// blockOffset+headerSize lands on an alignment boundary, and every later
// block differs from it by a multiple of alignment.
func payloadOffset(blockOffset uint32) uint32 { return blockOffset + headerSize }

func blockOffsetFromPayload(payloadOffset uint32) uint32 { return payloadOffset - headerSize }

// requiredBlockSize computes the total block size needed to satisfy a
// payload request of n bytes, per the core spec's sizing rule.
func requiredBlockSize(n uint32) uint32 {
	alignedPayload := alignUp(n, alignment)
	total := headerSize + alignedPayload + footerSize
	return alignUp(total, alignment)
}

// Allocate returns a payload offset with at least n usable bytes, or
// ErrExhausted if no block is large enough.
func (a *Allocator) Allocate(n uint32) (uint32, error) {
	if n == 0 {
		n = 1
	}
	required := requiredBlockSize(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.freeHead
	for cur != 0 {
		size, free := a.readHeader(cur)
		if !free {
			// Corrupt free list; fail safe rather than loop forever.
			return 0, ErrExhausted
		}
		if size >= required {
			return a.useBlock(cur, size, required), nil
		}
		cur = a.readFreeNode(cur).next
	}
	return 0, ErrExhausted
}

// useBlock removes/splits the free block at blockOffset (of size
// blockSize) to satisfy a request of required bytes, and returns the
// resulting payload offset.
func (a *Allocator) useBlock(blockOffset, blockSize, required uint32) uint32 {
	remainder := blockSize - required
	if remainder >= headerSize+alignment+footerSize {
		// Split: shrink the current block, carve a new free block from the
		// remainder, and splice it into the free list in the old block's
		// place to preserve list position.
		node := a.readFreeNode(blockOffset)

		a.writeBlockTags(blockOffset, required, false)

		newBlockOffset := blockOffset + required
		a.writeBlockTags(newBlockOffset, remainder, true)
		a.writeFreeNode(newBlockOffset, node.next, node.prev)
		a.relink(node.prev, node.next, newBlockOffset)

		return payloadOffset(blockOffset)
	}

	// Whole-block use: unlink and flip to used.
	node := a.readFreeNode(blockOffset)
	a.unlink(blockOffset, node)
	a.writeBlockTags(blockOffset, blockSize, false)
	return payloadOffset(blockOffset)
}

// relink rewires the free list so that the node previously at prev->this
// and this->next now points through replacement instead of this.
func (a *Allocator) relink(prev, next, replacement uint32) {
	if prev == 0 {
		a.freeHead = replacement
	} else {
		n := a.readFreeNode(prev)
		a.writeFreeNode(prev, replacement, n.prev)
	}
	if next != 0 {
		n := a.readFreeNode(next)
		a.writeFreeNode(next, n.next, replacement)
	}
}

func (a *Allocator) unlink(blockOffset uint32, node freeNode) {
	if node.prev == 0 {
		a.freeHead = node.next
	} else {
		p := a.readFreeNode(node.prev)
		a.writeFreeNode(node.prev, node.next, p.prev)
	}
	if node.next != 0 {
		n := a.readFreeNode(node.next)
		a.writeFreeNode(node.next, n.next, node.prev)
	}
}

func (a *Allocator) insertFront(blockOffset uint32) {
	oldHead := a.freeHead
	a.writeFreeNode(blockOffset, oldHead, 0)
	if oldHead != 0 {
		n := a.readFreeNode(oldHead)
		a.writeFreeNode(oldHead, n.next, blockOffset)
	}
	a.freeHead = blockOffset
}

// Free returns the block owning payloadOff to the free pool. Double free is
// detected via the header's free bit and silently ignored, matching the
// core spec's error disposition table.
func (a *Allocator) Free(payloadOff uint32) {
	blockOffset := blockOffsetFromPayload(payloadOff)

	a.mu.Lock()
	defer a.mu.Unlock()

	size, free := a.readHeader(blockOffset)
	if free {
		return // double free, silently ignored
	}

	// Right neighbor coalesce.
	rightOffset := blockOffset + size
	if rightOffset < a.endOffset {
		rightSize, rightFree := a.readHeader(rightOffset)
		if rightFree {
			node := a.readFreeNode(rightOffset)
			a.unlink(rightOffset, node)
			size += rightSize
		}
	}

	// Left neighbor coalesce: read the footer immediately preceding this
	// block.
	if blockOffset > a.firstBlockOffset {
		leftFooterOffset := a.rel(blockOffset) - footerSize
		leftSize, leftFree := unpackSizeAndState(a.readU64(leftFooterOffset))
		if leftFree {
			leftBlockOffset := blockOffset - leftSize
			a.writeBlockTags(leftBlockOffset, leftSize+size, true)
			return // left block already on the free list
		}
	}

	a.writeBlockTags(blockOffset, size, true)
	a.insertFront(blockOffset)
}

// GetPointer returns the payload region of size n starting at offset. The
// returned slice aliases the allocator's backing region.
func (a *Allocator) GetPointer(offset uint32, n uint32) []byte {
	r := a.rel(offset)
	return a.region[r : r+n]
}

// Stats summarizes the free-list state for diagnostics.
type Stats struct {
	FreeBlocks int
	FreeBytes  uint32
}

// GetStats walks the free list. Intended for tests and the runtime monitor,
// not the hot path.
func (a *Allocator) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	cur := a.freeHead
	for cur != 0 {
		size, _ := a.readHeader(cur)
		s.FreeBlocks++
		s.FreeBytes += size
		cur = a.readFreeNode(cur).next
	}
	return s
}

// The core spec calls for a spinlock with an architecture-appropriate
// pause/yield hint. A sync.Mutex already parks contending goroutines on
// contention rather than busy-spinning, which is the correct behavior under
// the Go scheduler (a hand-rolled spinlock would starve other goroutines on
// the same P); the mutex is therefore the idiomatic substitute here.
