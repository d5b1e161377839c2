package fiber

import (
	"encoding/binary"
	"reflect"
	"unsafe"
)

// contextSwitch saves the five callee-saved registers this package treats
// as fiber state (RBX, RBP, R12, R13, R15 — R14 is deliberately excluded;
// see the package doc comment) onto the current stack, records the
// resulting SP into *savedSP, switches SP to newSP, and restores the same
// five registers from there before returning. Implemented in
// switch_amd64.s.
//
//go:noescape
func contextSwitch(savedSP *uint64, newSP uint64)

// fiberTrampoline is never called through Go's normal calling convention —
// a forged stack's final RET lands here directly, with R12 holding a
// uintptr to a *closure. It writes that pointer into runTrampoline's
// argument stack slot and calls it. Implemented in switch_amd64.s.
func fiberTrampoline()

var trampolineEntry = uint64(reflect.ValueOf(fiberTrampoline).Pointer())

// runTrampoline is the Go-level half of the trampoline: it recovers the
// closure, clears the fiber's reference to it (so the GC can reclaim it
// once this fiber no longer needs it), runs the entry function exactly
// once, marks the fiber completed, and yields forever — matching the core
// spec's stated behavior that completed fibers remain in the ring and
// simply re-yield immediately.
func runTrampoline(closurePtr uintptr) {
	c := (*closure)(unsafe.Pointer(closurePtr))
	fn := c.fn
	f := c.fiber
	sched := c.scheduler
	f.closure = nil

	fn()

	sched.markCompleted(f.ID)
	for {
		sched.Yield()
	}
}

const forgedFrameSize = 48 // 5 saved registers + one return address, 8 bytes each

// forgeInitialFrame writes the initial stack frame for a freshly spawned
// fiber at the top of stack (the end of mem, since the stack grows down),
// so that contextSwitch's "restore five registers; RET" sequence resumes
// directly into fiberTrampoline with R12 carrying the closure pointer — the
// core spec's "one designated callee-saved register carries the closure
// pointer" trick.
func forgeInitialFrame(mem []byte, c *closure) uint64 {
	top := len(mem)
	base := top - forgedFrameSize
	frame := mem[base:top]

	binary.LittleEndian.PutUint64(frame[0:8], 0)    // R15 placeholder
	binary.LittleEndian.PutUint64(frame[8:16], 0)   // R13 placeholder
	closurePtr := uint64(uintptr(unsafe.Pointer(c)))
	binary.LittleEndian.PutUint64(frame[16:24], closurePtr) // R12: closure ptr
	binary.LittleEndian.PutUint64(frame[24:32], 0)  // BP placeholder
	binary.LittleEndian.PutUint64(frame[32:40], 0)  // BX placeholder
	binary.LittleEndian.PutUint64(frame[40:48], trampolineEntry) // return address

	return uint64(uintptr(unsafe.Pointer(&mem[base])))
}

func firstBytePtr(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}
