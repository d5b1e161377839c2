package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_HeaderFooterAgree(t *testing.T) {
	region := make([]byte, 4096)
	a, err := New(region, 0x1000)
	require.NoError(t, err)

	off, err := a.Allocate(100)
	require.NoError(t, err)

	blockOffset := blockOffsetFromPayload(off)
	blockSize, blockFree := a.readHeader(blockOffset)
	footerV := a.readU64(a.rel(blockOffset) + blockSize - footerSize)
	footerSz, footerFree := unpackSizeAndState(footerV)

	assert.Equal(t, blockSize, footerSz)
	assert.Equal(t, blockFree, footerFree)
}

func TestAllocator_FirstFitReusesFreedMiddleSlot(t *testing.T) {
	// Scenario 2 from the core spec: allocate three 100-byte blocks,
	// free the middle one, allocate again and expect the freed slot back.
	region := make([]byte, 1024*1024)
	a, err := New(region, 0)
	require.NoError(t, err)

	off1, err := a.Allocate(100)
	require.NoError(t, err)
	off2, err := a.Allocate(100)
	require.NoError(t, err)
	off3, err := a.Allocate(100)
	require.NoError(t, err)

	a.Free(off2)

	off4, err := a.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, off2, off4, "first-fit must reuse the freed middle slot")

	// Sanity: off1 and off3 remain distinct, ordered allocations.
	assert.NotEqual(t, off1, off3)
}

func TestAllocator_CoalescesBothNeighbors(t *testing.T) {
	// Scenario 3 from the core spec: allocate three 1 KiB blocks A,B,C;
	// free A, free C, free B; the free list must end up as exactly one
	// block covering the original heap (minus any end padding).
	region := make([]byte, 64*1024)
	a, err := New(region, 0)
	require.NoError(t, err)

	statsBefore := a.GetStats()
	require.Equal(t, 1, statsBefore.FreeBlocks)
	totalFree := statsBefore.FreeBytes

	offA, err := a.Allocate(1024)
	require.NoError(t, err)
	offB, err := a.Allocate(1024)
	require.NoError(t, err)
	offC, err := a.Allocate(1024)
	require.NoError(t, err)

	a.Free(offA)
	a.Free(offC)
	a.Free(offB)

	stats := a.GetStats()
	assert.Equal(t, 1, stats.FreeBlocks)
	assert.Equal(t, totalFree, stats.FreeBytes)
}

func TestAllocator_DoubleFreeIsIgnored(t *testing.T) {
	region := make([]byte, 4096)
	a, err := New(region, 0)
	require.NoError(t, err)

	off, err := a.Allocate(64)
	require.NoError(t, err)

	a.Free(off)
	assert.NotPanics(t, func() { a.Free(off) })
}

func TestAllocator_PayloadIsAlwaysAligned(t *testing.T) {
	region := make([]byte, 4096)
	a, err := New(region, 0)
	require.NoError(t, err)

	for _, n := range []uint32{1, 7, 63, 64, 65, 200} {
		off, err := a.Allocate(n)
		require.NoError(t, err)
		assert.Zero(t, off%alignment)
	}
}

func TestAllocator_ExhaustionReturnsNull(t *testing.T) {
	region := make([]byte, 256)
	a, err := New(region, 0)
	require.NoError(t, err)

	_, err = a.Allocate(1024)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAllocator_RoundTripIdempotence(t *testing.T) {
	region := make([]byte, 16*1024)
	a, err := New(region, 0)
	require.NoError(t, err)

	before := a.GetStats()

	for i := 0; i < 50; i++ {
		off, err := a.Allocate(100)
		require.NoError(t, err)
		a.Free(off)
	}

	after := a.GetStats()
	assert.Equal(t, before, after)
}
