package sync

import (
	"coreos/kernel"
	"coreos/kernel/list"
)

// BlockReason classifies why a thread is blocked inside a synchronization
// primitive in this package. It mirrors the matching subset of
// sched.BlockReason values, but
// is declared independently here so that package sync never has to import
// package sched: sched already imports sync for Spinlock, and sched is the
// one that wires the hooks below into its own thread-blocking API, not the
// other way around.
type BlockReason uint8

const (
	ReasonSem BlockReason = iota
	ReasonMutex
	ReasonMailbox
	ReasonQueue
)

// The three hooks below are populated by package sched's init() (see
// kernel/sched/bridge.go) and let Semaphore, Mailbox, and Queue
// block and unblock the calling thread without this package depending on
// the scheduler's types, following the same function-variable seam the
// teacher uses to keep cpu/irq logic unit-testable without real assembly
// (cpuidFn, cpuHaltFn, yieldFn).
var (
	blockCurrentFn func(reason BlockReason) (*list.Node, *kernel.Error) = func(BlockReason) (*list.Node, *kernel.Error) {
		return nil, kernel.NewError("sync", kernel.NotSupported, "scheduler not wired up")
	}
	unblockFn func(token *list.Node, reason BlockReason, doSchedule bool) *kernel.Error = func(*list.Node, BlockReason, bool) *kernel.Error {
		return kernel.NewError("sync", kernel.NotSupported, "scheduler not wired up")
	}
	scheduleCurrentCPUFn func() = func() {}
)

// SetScheduler installs the scheduler hooks this package's primitives block
// and unblock threads through. Called once by package sched during boot.
func SetScheduler(
	block func(reason BlockReason) (*list.Node, *kernel.Error),
	unblock func(token *list.Node, reason BlockReason, doSchedule bool) *kernel.Error,
	scheduleCurrentCPU func(),
) {
	blockCurrentFn = block
	unblockFn = unblock
	scheduleCurrentCPUFn = scheduleCurrentCPU
}
