package sched

import (
	"coreos/kernel"
	"coreos/kernel/list"
	"coreos/kernel/sync"
	"sync/atomic"
)

// SystemState tracks the coarse lifecycle of the whole kernel (spec.md
// §4.3 "Bootstrap").
type SystemState uint8

const (
	NotStarted SystemState = iota
	Running
	Halted
)

const defaultStackSize = 16 * 1024

var (
	globalLock sync.Spinlock
	globals    list.List // every live thread, linked via Thread.globalNode
	zombies    list.List // zombie threads awaiting reaping, linked via Thread.schedNode
	nextID     uint64

	cpus []*perCPU

	initThread *Thread
	system     SystemState

	// tickGranularityMS is subtracted from a requested sleep duration
	// (spec.md §4.3 "Sleep") to account for the fact that a sleeper only
	// ever wakes up on a tick boundary.
	tickGranularityMS uint64 = 10

	ticksSinceBoot uint64

	// switchContextFn performs the arch-level register/stack/CR3 switch
	// from prev to next. It is a function variable (rather than a direct
	// call to the arch-backed switchContext) purely so tests can observe
	// a switch without real assembly, matching the teacher's cpuHaltFn /
	// cpuidFn seam pattern.
	switchContextFn = switchContext

	// buildInitialContextFn builds the saved Context for a brand-new
	// thread so its first scheduling resumes into threadTrampoline.
	buildInitialContextFn = buildInitialContext
)

// ThreadOpts describes a thread to create (spec.md §4.3 "Thread creation").
type ThreadOpts struct {
	Name      string
	Priority  int
	Affinity  int
	StackSize int
	Entry     func(arg interface{})
	Arg       interface{}
}

// Init performs the boot-CPU scheduler bootstrap: creates the IDLE thread
// for CPU 0, installs the scheduler on the software vector and the timer
// tick (left to the caller, who owns those subsystems), creates INIT, and
// marks the system Running.
func Init(nCPU int) (*Thread, *kernel.Error) {
	if nCPU < 1 {
		return nil, kernel.NewError("sched", kernel.OutOfRange, "nCPU must be >= 1")
	}

	globals.Init()
	zombies.Init()
	cpus = make([]*perCPU, nCPU)
	for i := range cpus {
		cpus[i] = newPerCPU(i)
	}

	idle, err := spawnIdle(0)
	if err != nil {
		return nil, err
	}
	cpus[0].idle = idle

	init, err := createThreadLocked(ThreadOpts{
		Name:      "init",
		Priority:  LowestPriority,
		Affinity:  0,
		StackSize: defaultStackSize,
		Entry:     func(interface{}) {},
	}, 0)
	if err != nil {
		return nil, err
	}
	initThread = init
	system = Running

	return init, nil
}

// InitAP brings up the scheduler on an application processor: creates that
// CPU's IDLE thread. Spec.md §4.2 has this call never return (it falls
// straight into the first schedule); the Go port leaves that last step to
// the caller (package smp) so it can be driven from a test.
func InitAP(cpuIdx int) (*Thread, *kernel.Error) {
	if cpuIdx < 0 || cpuIdx >= len(cpus) {
		return nil, kernel.NewError("sched", kernel.OutOfRange, "cpu index out of range")
	}
	idle, err := spawnIdle(cpuIdx)
	if err != nil {
		return nil, err
	}
	cpus[cpuIdx].idle = idle
	return idle, nil
}

func spawnIdle(cpuIdx int) (*Thread, *kernel.Error) {
	return createThreadLocked(ThreadOpts{
		Name:      "idle",
		Priority:  idlePriority,
		Affinity:  cpuIdx,
		StackSize: defaultStackSize,
		Entry:     func(interface{}) {},
	}, cpuIdx)
}

// CreateThread validates opts and creates a new thread as a child of
// caller, linking it into its CPU's ready queue, the global table, and
// caller's children list in one critical section.
func CreateThread(caller *Thread, opts ThreadOpts) (*Thread, *kernel.Error) {
	if opts.Priority < 0 || opts.Priority > LowestPriority {
		return nil, kernel.NewError("sched", kernel.ForbiddenPriority, "")
	}
	if opts.Affinity < 0 || opts.Affinity >= len(cpus) {
		return nil, kernel.NewError("sched", kernel.OutOfRange, "affinity out of range")
	}
	if len(opts.Name) > MaxNameLen {
		return nil, kernel.NewError("sched", kernel.NameTooLong, "")
	}
	if opts.Entry == nil {
		return nil, kernel.NewError("sched", kernel.NullPointer, "nil entry function")
	}

	t, err := createThreadLocked(opts, opts.Affinity)
	if err != nil {
		return nil, err
	}

	if caller != nil {
		t.ParentID = caller.ID
		t.childNode = &list.Node{Value: t}
		caller.Children.PushBack(t.childNode)
	}

	return t, nil
}

func createThreadLocked(opts ThreadOpts, cpuIdx int) (*Thread, *kernel.Error) {
	stackSize := opts.StackSize
	if stackSize <= 0 {
		stackSize = defaultStackSize
	}
	// round up to a machine word, per spec.md §3 "Kernel stack".
	const wordSize = 4
	if rem := stackSize % wordSize; rem != 0 {
		stackSize += wordSize - rem
	}

	t := &Thread{
		ID:              atomic.AddUint64(&nextID, 1),
		Name:            opts.Name,
		Priority:        opts.Priority,
		InitialPriority: opts.Priority,
		Affinity:        cpuIdx,
		State:           Ready,
		Stack:           make([]byte, stackSize),
		entry:           opts.Entry,
		arg:             opts.Arg,
	}
	t.Children.Init()
	t.joiners.Init()
	t.Context = buildInitialContextFn(t)

	globalLock.Acquire()
	t.globalNode = &list.Node{Value: t}
	globals.PushBack(t.globalNode)
	globalLock.Release()

	cpu := cpus[cpuIdx]
	cpu.lock.Acquire()
	cpu.enqueueReadyLocked(t)
	cpu.lock.Release()

	return t, nil
}

// threadTrampoline is conceptually the function a freshly created thread's
// initial context resumes into: it records the start timestamp, invokes
// the thread's entry point, records the return value, and calls exit. In
// this Go port it is invoked directly on the current goroutine stack by
// tests driving CreateThread + Schedule end-to-end; on real hardware it
// would be reached by the arch context switch jumping to this address.
func threadTrampoline(t *Thread) {
	t.StartTimeTicks = ticksSinceBoot
	t.entry(t.arg)
	t.EndTimeTicks = ticksSinceBoot
	Exit(t, 0, Normal)
}

// Tick advances the scheduler's notion of time by one tick and is meant to
// be called from the timer driver's registered tick handler.
func Tick() {
	atomic.AddUint64(&ticksSinceBoot, 1)
}

// NowTicks returns the number of timer ticks elapsed since boot.
func NowTicks() uint64 {
	return atomic.LoadUint64(&ticksSinceBoot)
}

// Schedule runs the selection algorithm for the calling CPU (spec.md §4.3
// "Selection algorithm"): it requeues the previous thread (Ready back onto
// its queue, Sleeping into the sleeping queue), runs the wake-up pass,
// picks the highest-priority ready thread, and switches to it.
func Schedule(cpuIdx int) {
	cpu := cpus[cpuIdx]

	cpu.lock.Acquire()

	prev := cpu.current
	if prev != nil {
		switch prev.State {
		case Running:
			prev.State = Ready
			cpu.enqueueReadyLocked(prev)
		case Sleeping:
			cpu.enqueueSleepingLocked(prev)
		}
	}

	cpu.wakeDueLocked(NowTicks())

	next := cpu.popHighestReadyLocked()
	if next == nil {
		// Can only happen before IDLE has been created.
		cpu.lock.Release()
		return
	}

	next.State = Running
	cpu.previous = prev
	cpu.current = next
	cpu.scheduleCount++
	if next == cpu.idle {
		cpu.idleScheduleCount++
	}

	skipSave := cpu.firstSchedule
	cpu.firstSchedule = false

	cpu.lock.Release()

	if !skipSave && prev != nil {
		switchContextFn(prev, next)
	} else {
		switchContextFn(nil, next)
	}
}

// CurrentThread returns the thread currently running on cpuIdx, or nil
// before the first Schedule call on that CPU.
func CurrentThread(cpuIdx int) *Thread {
	cpu := cpus[cpuIdx]
	cpu.lock.Acquire()
	defer cpu.lock.Release()
	return cpu.current
}

// ScheduleCounts returns the total and idle schedule counters for cpuIdx,
// exposed read-only for tests/diagnostics (spec.md §3 "Per-CPU state").
func ScheduleCounts(cpuIdx int) (total, idle uint64) {
	cpu := cpus[cpuIdx]
	cpu.lock.Acquire()
	defer cpu.lock.Release()
	return cpu.scheduleCount, cpu.idleScheduleCount
}

// Sleep parks the calling thread for at least ms milliseconds. IDLE may
// never sleep (spec.md §4.3): calling Sleep with t.isIdle() fails with
// UnauthorizedAction.
func Sleep(t *Thread, ms uint64) *kernel.Error {
	if t.isIdle() {
		return kernel.NewError("sched", kernel.UnauthorizedAction, "idle thread cannot sleep")
	}

	deadline := NowTicks() + ms
	if ms > tickGranularityMS {
		deadline -= tickGranularityMS
	}
	t.Wakeup = deadline
	t.State = Sleeping

	Schedule(t.Affinity)
	return nil
}

// LockThread marks caller Waiting with the given reason and returns the
// list node the calling synchronization primitive should store in its own
// wait list. The caller does not yield here; per spec.md §4.3 it must call
// Schedule after releasing the primitive's lock.
func LockThread(t *Thread, reason BlockReason) (*list.Node, *kernel.Error) {
	if t.isIdle() {
		return nil, kernel.NewError("sched", kernel.UnauthorizedAction, "idle thread cannot block")
	}

	t.State = Waiting
	t.BlockReason = reason
	t.schedNode = &list.Node{Value: t}
	return t.schedNode, nil
}

// UnlockThread validates that the thread behind node is Waiting with
// expectedReason, marks it Ready, enqueues it on its own CPU/priority ready
// queue, and optionally triggers Schedule on its affinity CPU. From an
// interrupt handler, doSchedule must be false: the scheduler is already
// running atop that interrupt.
func UnlockThread(node *list.Node, expectedReason BlockReason, doSchedule bool) *kernel.Error {
	t, ok := node.Value.(*Thread)
	if !ok {
		return kernel.NewError("sched", kernel.NullPointer, "wait-list node has no thread")
	}

	// WaitThread parks its caller in the Joining state rather than
	// Waiting, since spec.md §3 tracks "blocked in wait_thread" as its
	// own lifecycle state distinct from blocking on a sync primitive.
	wantState := Waiting
	if expectedReason == Join {
		wantState = Joining
	}
	if t.State != wantState || t.BlockReason != expectedReason {
		return kernel.NewError("sched", kernel.UnauthorizedAction, "thread is not waiting on the expected reason")
	}

	t.State = Ready

	cpu := cpus[t.Affinity]
	cpu.lock.Acquire()
	cpu.ready[t.Priority].PushBack(node)
	cpu.lock.Release()

	if doSchedule {
		Schedule(cpu.id)
	}
	return nil
}

// State returns the current SystemState.
func State() SystemState {
	return system
}

// setState allows the boot orchestrator to mark the system Halted once
// INIT has observed every remaining child exit.
func setState(s SystemState) {
	system = s
}
