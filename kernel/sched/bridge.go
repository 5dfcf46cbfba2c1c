package sched

import (
	"coreos/kernel"
	"coreos/kernel/cpu"
	"coreos/kernel/list"
	"coreos/kernel/sync"
)

// This file wires package sync's Semaphore/Mailbox/Queue into the
// scheduler's own LockThread/UnlockThread/Schedule, so that package sync
// never has to import package sched (sched already imports sync for
// Spinlock; the reverse import would cycle). init() runs once at program
// start, before any goroutine can call a sync primitive.
func init() {
	sync.SetScheduler(blockCurrent, unblockWaiter, scheduleCurrentCPU)
}

var reasonToSched = map[sync.BlockReason]BlockReason{
	sync.ReasonSem:     Sem,
	sync.ReasonMutex:   Mutex,
	sync.ReasonMailbox: Mailbox,
	sync.ReasonQueue:   Queue,
}

func blockCurrent(reason sync.BlockReason) (*list.Node, *kernel.Error) {
	cpuIdx := cpu.CurrentID()
	self := CurrentThread(cpuIdx)
	if self == nil {
		return nil, kernel.NewError("sched", kernel.NotSupported, "no thread scheduled on this cpu yet")
	}
	return LockThread(self, reasonToSched[reason])
}

func unblockWaiter(node *list.Node, reason sync.BlockReason, doSchedule bool) *kernel.Error {
	return UnlockThread(node, reasonToSched[reason], doSchedule)
}

func scheduleCurrentCPU() {
	Schedule(cpu.CurrentID())
}
