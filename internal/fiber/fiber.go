// Package fiber implements cooperative round-robin multitasking over
// hand-forged stack frames, switched via an architecture-specific
// context-switch primitive (amd64 only; see switch_amd64.s).
//
// This pattern sits deliberately outside the Go runtime's normal stack
// management: a fiber's stack is raw mmap'd memory, not a goroutine stack
// tracked by any g. The scheduler, and every fiber entry it runs, therefore
// executes as one and the same goroutine throughout — R14 (the register
// Go's ABIInternal reserves for the running goroutine's g pointer) is
// deliberately excluded from the switched register set for exactly this
// reason, so the Go runtime never observes a change of goroutine identity
// across a fiber switch. What this port cannot fix: the running goroutine's
// g.stack bounds still describe its original Go-managed stack, not the
// fiber's forged memory, so a stack-growth check that fires while executing
// on a fiber stack is unsound. Entries are expected to be small, bounded,
// non-recursive work (the document pipeline's tokenize/vectorize/quantize
// path fits this profile); this is a known, documented limitation of
// hand-rolled fibers under the Go runtime, not an oversight.
package fiber

import (
	"errors"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/farukalpay/hyperion-runtime/kernel/utils"
)

var (
	ErrStackAllocFailed = errors.New("fiber: stack allocation failed")
	ErrNullEntry        = errors.New("fiber: spawn called with a nil entry")
)

// Fiber is a cooperatively scheduled unit of execution with its own stack.
type Fiber struct {
	ID        int
	Name      string
	stackOff  uint32 // offset into the scheduler's StackPool, 0 for the main fiber
	stackBase uintptr
	stackSize uint32
	savedSP   uint64

	// closure pins the spawned entry's closure reachable from the GC's
	// perspective until the trampoline has taken its own reference: the
	// forged stack frame stores the same pointer as a bare uintptr in
	// raw mmap'd memory, which the garbage collector does not scan.
	closure *closure
}

// closure is the heap-allocated payload handed to a freshly spawned fiber
// through the designated closure-carrying register (R12 on amd64). The
// trampoline retrieves it, invokes fn once, and lets it be garbage
// collected.
type closure struct {
	fn        func()
	fiber     *Fiber
	scheduler *Scheduler
}

// Scheduler runs N fibers cooperatively on the single OS thread that calls
// Run. It is thread-affine by construction: calling any method from a
// different OS thread than the one that called Init is a contract
// violation and is not detected. Counts is the one exception, published via
// an atomic.Pointer specifically so an out-of-band observer such as the
// runtime monitor has a safe way to read fiber population/completion
// counters without touching fibers or completed directly.
type Scheduler struct {
	fibers    []*Fiber
	current   int
	pool      *StackPool
	completed *bitset.BitSet // bit i set once fibers[i] has returned from its entry

	counts atomic.Pointer[Counts]
}

// Counts is a point-in-time snapshot of the scheduler's fiber population and
// how many have completed. It is the only scheduler state safe to read from
// a goroutine other than the one driving the scheduler.
type Counts struct {
	Total int
	Done  int
}

// NewScheduler creates a scheduler backed by pool for fiber stack
// allocation.
func NewScheduler(pool *StackPool) *Scheduler {
	s := &Scheduler{pool: pool, completed: bitset.New(0)}
	s.counts.Store(&Counts{})
	return s
}

// LoadCounts returns the most recently published Counts. Safe to call from
// any goroutine: the scheduler republishes a fresh snapshot every time its
// fiber population or completion state changes, so this never reads fibers
// or completed directly.
func (s *Scheduler) LoadCounts() Counts {
	return *s.counts.Load()
}

// publishCounts recomputes and stores a fresh Counts snapshot. Called after
// every change to s.fibers or s.completed, always from the scheduler's own
// OS thread.
func (s *Scheduler) publishCounts() {
	done := 0
	for _, f := range s.fibers {
		if s.IsCompleted(f.ID) {
			done++
		}
	}
	s.counts.Store(&Counts{Total: len(s.fibers), Done: done})
}

// IsCompleted reports whether the fiber with the given ID has returned from
// its entry function. The main fiber (ID 0) never completes.
func (s *Scheduler) IsCompleted(id int) bool {
	return s.completed.Test(uint(id))
}

// markCompleted records that the fiber with the given ID has returned.
func (s *Scheduler) markCompleted(id int) {
	s.completed.Set(uint(id))
	s.publishCounts()
}

// Init captures the calling OS thread as fiber 0, the main fiber. Its SP is
// populated lazily on the first context switch away from it. Callers are
// expected to have already called runtime.LockOSThread, matching the core
// spec's "thread-affine" requirement — Init does not lock it itself so that
// ownership of the lock/unlock pair stays with whoever drives the scheduler.
func (s *Scheduler) Init() *Fiber {
	main := &Fiber{ID: 0, Name: "main"}
	s.fibers = append(s.fibers, main)
	s.current = 0
	s.publishCounts()
	return main
}

// Spawn allocates a fixed-size stack (default fiber.MaxStackSize) from the
// scheduler's pool, forges its initial frame, and adds it to the
// round-robin ring. entry must be non-nil.
func (s *Scheduler) Spawn(name string, entry func()) (*Fiber, error) {
	if entry == nil {
		return nil, ErrNullEntry
	}

	off, mem, err := s.pool.Alloc(MaxStackSize)
	if err != nil {
		return nil, utils.WrapError(ErrStackAllocFailed, err.Error())
	}

	f := &Fiber{
		ID:        len(s.fibers),
		Name:      name,
		stackOff:  off,
		stackBase: firstBytePtr(mem),
		stackSize: uint32(len(mem)),
	}

	c := &closure{fn: entry, fiber: f, scheduler: s}
	f.closure = c
	f.savedSP = forgeInitialFrame(mem, c)

	s.fibers = append(s.fibers, f)
	s.publishCounts()
	return f, nil
}

// Yield advances the round-robin index modulo the fiber count. If the
// selected fiber is the current one, Yield is a no-op; otherwise the
// current fiber's callee-saved registers are saved onto its own stack and
// the target fiber's are restored.
func (s *Scheduler) Yield() {
	if len(s.fibers) <= 1 {
		return
	}

	next := (s.current + 1) % len(s.fibers)
	if next == s.current {
		return
	}

	from := s.fibers[s.current]
	to := s.fibers[next]
	s.current = next

	contextSwitch(&from.savedSP, to.savedSP)
}

// Current returns the fiber currently executing.
func (s *Scheduler) Current() *Fiber {
	return s.fibers[s.current]
}

// All returns every fiber known to the scheduler, main fiber included. Like
// every other Scheduler method except LoadCounts, this reads s.fibers
// directly and is only safe to call from the scheduler's own OS thread.
func (s *Scheduler) All() []*Fiber {
	out := make([]*Fiber, len(s.fibers))
	copy(out, s.fibers)
	return out
}

// Run drives the scheduler through exactly n round-robin yields. The core
// spec's scheduler has no built-in stopping condition beyond the caller's
// own logic (fibers run "until they complete" and then re-yield forever),
// so Run's iteration count is the caller's explicit choice, matching the
// interface's "no flags" requirement.
func (s *Scheduler) Run(n int) {
	for i := 0; i < n; i++ {
		s.Yield()
	}
}
