// Package ghostarena implements the lazy-materialization virtual memory
// arena: a huge address reservation with no committed backing, which
// commits pages on demand as they are touched, preserving the illusion
// that the entire region was always resident.
//
// Go offers no portable, cgo-free way to install a raw SIGSEGV/SIGBUS
// handler with siginfo delivery. The Go-native substitute used here is
// runtime/debug.SetPanicOnFault combined with recover: every arena access
// goes through ReadAt/WriteAt/AppendRecord, so the full byte range being
// touched is already known at the call site, and the recover handler
// commits every page that range covers — not just the page the fault
// happened to land on — before retrying once.
package ghostarena

import (
	"encoding/binary"
	"errors"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sys/unix"

	"github.com/farukalpay/hyperion-runtime/kernel/utils"
)

const (
	// Magic marks an initialized arena header.
	Magic uint64 = 0xC06DFEEDDEADBEEF

	// HeaderSize is sizeof({magic, vector_count, head_offset}).
	HeaderSize = 24

	// DefaultSize is the reference design's reservation size (1 TiB).
	DefaultSize uint64 = 1 << 40
)

var (
	ErrReservationFailed = errors.New("ghostarena: reservation failed")
	ErrCommitFailed      = errors.New("ghostarena: commit failed")
	ErrInvalidAccess     = errors.New("ghostarena: invalid access")
)

// Arena is a reserved virtual address span of Size bytes with pages
// committed lazily on first touch.
type Arena struct {
	base []byte // len(base) == size, PROT_NONE until pages are committed

	size uint64

	faultCount    atomic.Uint64
	residentPages atomic.Uint64

	mu       sync.Mutex // guards resident and the mprotect call
	resident *roaring.Bitmap
	pageSize uint64

	closed atomic.Bool
}

// Open reserves a region of the given size and bootstraps its header,
// matching the core spec's self-bootstrap sequence: the very first header
// read deliberately triggers the first fault.
func Open(size uint64) (*Arena, error) {
	if size < HeaderSize {
		return nil, utils.NewError("ghostarena: size too small")
	}

	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, utils.WrapError(ErrReservationFailed, err.Error())
	}

	a := &Arena{
		base:     data,
		size:     size,
		resident: roaring.New(),
		pageSize: uint64(unix.Getpagesize()),
	}

	// SetPanicOnFault turns an invalid memory access into a recoverable
	// runtime.Error instead of an immediate crash, the Go-native stand-in
	// for a user-installed SIGSEGV handler.
	debug.SetPanicOnFault(true)

	if err := a.bootstrap(); err != nil {
		unix.Munmap(data)
		return nil, err
	}

	return a, nil
}

// bootstrap reads the header at offset 0 — deliberately faulting the first
// page — and writes a fresh header if the magic is unset.
func (a *Arena) bootstrap() error {
	magic, err := a.readU64Fault(0)
	if err != nil {
		return err
	}
	if magic == Magic {
		return nil
	}
	if err := a.writeU64Fault(0, Magic); err != nil {
		return err
	}
	if err := a.writeU64Fault(8, 0); err != nil { // vector_count
		return err
	}
	return a.writeU64Fault(16, HeaderSize) // head_offset
}

// pageAlignDown rounds offset down to the start of its containing page.
func (a *Arena) pageAlignDown(offset uint64) uint64 {
	return offset &^ (a.pageSize - 1)
}

// commit changes protection of every page touched by [offset, offset+n) to
// read-write, materializing fresh zero-filled pages. It is called from
// within a recover() frame, so it must not itself touch arena memory through
// the faulting path (the core spec's re-entrancy contract).
//
// A single ReadAt/WriteAt can straddle a page boundary — the page containing
// offset may already be resident while a later page the same access touches
// never has been — so the fault handler must not stop at pageAlignDown(offset):
// it commits the whole range the access covers, since that is the only range
// guaranteed not to fault again on retry.
func (a *Arena) commit(offset, n uint64) error {
	end := offset + n
	if end > a.size {
		end = a.size
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for pageStart := a.pageAlignDown(offset); pageStart < end; pageStart += a.pageSize {
		pageIdx := pageStart / a.pageSize
		if a.resident.Contains(uint32(pageIdx)) {
			// Already committed by a racing recover; nothing to do.
			continue
		}

		pageEnd := pageStart + a.pageSize
		if pageEnd > a.size {
			pageEnd = a.size
		}

		if err := unix.Mprotect(a.base[pageStart:pageEnd], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return utils.WrapError(ErrCommitFailed, err.Error())
		}

		a.resident.Add(uint32(pageIdx))
		a.faultCount.Add(1)
		a.residentPages.Add(1)
	}
	return nil
}

// isMemoryFault reports whether r is the runtime.Error SetPanicOnFault
// produces for an invalid memory access, as opposed to an unrelated panic
// that happens to occur inside fn — which must not be swallowed.
func isMemoryFault(r interface{}) bool {
	rerr, ok := r.(runtime.Error)
	if !ok {
		return false
	}
	msg := rerr.Error()
	return strings.Contains(msg, "invalid memory address") ||
		strings.Contains(msg, "segmentation violation") ||
		strings.Contains(msg, "SIGSEGV") ||
		strings.Contains(msg, "SIGBUS")
}

// withFaultRecovery runs fn, and if fn panics with a memory fault (the
// SetPanicOnFault signal), commits every page in [offset, offset+n) and runs
// fn exactly once more. Any other panic propagates unchanged — only the
// fault path is a recovery boundary, matching the core spec's "re-raise for
// out-of-range faults" rule for everything this handler does not recognize.
//
// Committing the full [offset, offset+n) range up front, rather than only
// the page the panic happened to land on, means the retry cannot fault
// again: a lone recover()/retry pair is enough even when the access
// straddles a page boundary.
func (a *Arena) withFaultRecovery(offset, n uint64, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !isMemoryFault(r) {
			panic(r)
		}
		if cerr := a.commit(offset, n); cerr != nil {
			err = cerr
			return
		}
		err = fn()
	}()
	return fn()
}

func (a *Arena) checkBounds(offset, n uint64) error {
	if offset+n > a.size {
		return ErrInvalidAccess
	}
	return nil
}

// ReadAt copies n bytes starting at offset into dst, committing any pages
// touched along the way.
func (a *Arena) ReadAt(offset uint64, dst []byte) error {
	if err := a.checkBounds(offset, uint64(len(dst))); err != nil {
		return err
	}
	n := uint64(len(dst))
	return a.withFaultRecovery(offset, n, func() error {
		copy(dst, a.base[offset:offset+n])
		return nil
	})
}

// WriteAt copies src into the arena starting at offset, committing any
// pages touched along the way.
func (a *Arena) WriteAt(offset uint64, src []byte) error {
	if err := a.checkBounds(offset, uint64(len(src))); err != nil {
		return err
	}
	n := uint64(len(src))
	return a.withFaultRecovery(offset, n, func() error {
		copy(a.base[offset:offset+n], src)
		return nil
	})
}

func (a *Arena) readU64Fault(offset uint64) (uint64, error) {
	var buf [8]byte
	if err := a.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (a *Arena) writeU64Fault(offset uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return a.WriteAt(offset, buf[:])
}

// HeadOffset returns the current head_offset via the mediated ReadAt path,
// which commits the header page if needed. The read is a plain byte copy,
// not an atomic or acquire-ordered load.
func (a *Arena) HeadOffset() (uint64, error) { return a.readU64Fault(16) }

// VectorCount returns the current vector_count.
func (a *Arena) VectorCount() (uint64, error) { return a.readU64Fault(8) }

// AdvanceHead stores head += delta, the record-append protocol's "publish
// head_offset" step. The read and the store are plain byte copies; the
// store is not atomic and carries no release ordering.
func (a *Arena) AdvanceHead(delta uint64) error {
	head, err := a.HeadOffset()
	if err != nil {
		return err
	}
	return a.writeU64Fault(16, head+delta)
}

// IncrementVectorCount stores vector_count+1, the record append protocol's
// last step. It reads the count and then writes it back with plain byte
// copies; it is not an atomic fetch-add, and two concurrent callers can
// lose an increment.
func (a *Arena) IncrementVectorCount() error {
	count, err := a.VectorCount()
	if err != nil {
		return err
	}
	return a.writeU64Fault(8, count+1)
}

// FaultCount returns the number of page faults serviced so far.
func (a *Arena) FaultCount() uint64 { return a.faultCount.Load() }

// ResidentPages returns the number of pages currently committed.
func (a *Arena) ResidentPages() uint64 { return a.residentPages.Load() }

// IsResident reports whether the page containing offset has been
// committed, as recorded in the resident-page bitmap. The same bitmap lets
// commit skip pages that are already resident; Close does not consult it.
func (a *Arena) IsResident(offset uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resident.Contains(uint32(a.pageAlignDown(offset) / a.pageSize))
}

// Size returns the arena's total reserved size.
func (a *Arena) Size() uint64 { return a.size }

// Close releases the entire reservation. No per-page state is preserved.
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Munmap(a.base)
}
