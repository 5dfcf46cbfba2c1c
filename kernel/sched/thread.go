// Package sched implements the priority-based, preemptive, multi-core
// scheduler described in spec.md §3–§4.3: per-CPU ready queues indexed by
// priority, a global thread table, a per-CPU sleeping-thread timer queue,
// zombie/join semantics, CPU affinity, the IDLE/INIT system threads, and
// the block/unblock API the synchronization primitives in package sync are
// built on.
//
// gopher-os (the teacher this kernel is built from) never grew a thread
// abstraction of its own; this package follows its conventions anyway —
// kernel.Error returns, *Fn indirections over arch primitives so logic is
// testable without assembly, moderate doc-comment density — while filling
// in the scheduler spec.md calls for.
package sched

import (
	"coreos/kernel"
	"coreos/kernel/list"
)

// MaxNameLen is the longest name (spec.md §3) a thread may be created with.
const MaxNameLen = 32

// LowestPriority is the numerically lowest-precedence priority a caller may
// request; priority 0 is highest. IDLE threads run at a priority below
// this, so they never contend with user-created threads.
const LowestPriority = 31

// idlePriority is reserved for IDLE threads: one level below the lowest
// priority a caller may request.
const idlePriority = LowestPriority + 1

// State is a thread's lifecycle state (spec.md §3 "Invariants").
type State uint8

const (
	Ready State = iota
	Running
	Sleeping
	Waiting
	Joining
	Zombie
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Waiting:
		return "waiting"
	case Joining:
		return "joining"
	case Zombie:
		return "zombie"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// BlockReason classifies why a Waiting thread is blocked.
type BlockReason uint8

const (
	NoReason BlockReason = iota
	Sem
	Mutex
	Mailbox
	Queue
	IO
	Join
)

// TerminationCause records why a thread stopped running.
type TerminationCause uint8

const (
	Normal TerminationCause = iota
	Killed
	DivByZero
	PageFault
	GPFault
)

// Context is the saved CPU context for a non-running thread: the stack
// pointer the arch context switch resumes from, plus the page-directory
// pointer that must be loaded into CR3 before the thread runs again. The
// general-purpose registers and the saved EIP live on the thread's own
// kernel stack, in the frame the context switch (or the very first
// bootstrap) pushed there — Context only needs to remember where on that
// stack to resume, matching how the teacher's vmm package tracks a page
// directory by physical address rather than by a fully decoded struct.
type Context struct {
	ESP uintptr
	PDT uintptr
}

// Thread is a single schedulable unit of execution (spec.md §3 "Thread").
type Thread struct {
	ID       uint64
	ParentID uint64
	Name     string

	Priority        int
	InitialPriority int
	Affinity        int

	State       State
	BlockReason BlockReason

	Context Context
	Stack   []byte

	ReturnValue      int
	TerminationCause TerminationCause
	Wakeup           uint64
	StartTimeTicks   uint64
	EndTimeTicks     uint64

	entry func(arg interface{})
	arg   interface{}

	Children list.List

	// schedNode is the node through which this thread is linked into
	// exactly one of: a per-CPU ready queue, a per-CPU sleeping queue, a
	// sync primitive's wait list, or the global zombie list — the
	// invariant from spec.md §3 that a thread is never in more than one
	// of those places at once is enforced simply by there being only one
	// node to move around.
	schedNode *list.Node

	// globalNode links this thread into the scheduler's global thread
	// table, independent of schedNode.
	globalNode *list.Node

	// childNode links this thread into its parent's Children list.
	childNode *list.Node

	// joiners collects the schedNode-bearing wait entries of threads
	// blocked in WaitThread on this thread. It is a weak reference in
	// the sense that this thread does not own the joiner Threads
	// themselves, only the list nodes wrapping them; Exit drains the
	// list and wakes every joiner when this thread exits (see exit.go).
	joiners list.List
}

// isIdle reports whether t is a per-CPU IDLE thread.
func (t *Thread) isIdle() bool {
	return t.Priority == idlePriority
}
