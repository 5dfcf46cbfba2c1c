package sched

// This file is the arch-specific half of the scheduler, following the same
// split the teacher uses between e.g. kernel/cpu/cpu_amd64.go (Go stubs) and
// the (never-checked-in) assembly backing them: switchContext and the stack
// frame buildInitialContext prepares are both 32-bit x86 specific and have
// no portable Go implementation, so they are declared here as bodyless
// functions to be supplied by an assembly file, exactly like
// cpu.DisableInterrupts or cpu.ReadEFlags.

// switchContext saves the currently running thread's register state onto
// its own kernel stack, records the resulting ESP into prev.Context, loads
// next.Context (switching CR3 if next.Context.PDT differs from the active
// PDT), and resumes execution on next's stack. When prev is nil (the very
// first schedule on a CPU, or resuming from the boot stack) no save is
// performed.
func switchContext(prev, next *Thread)

// buildInitialContext prepares the saved Context and initial kernel-stack
// frame for a thread that has never run: execution must resume into
// threadTrampoline(t) as if switchContext had just saved it there, with the
// page directory left at whatever the thread inherited at creation (the
// kernel's own PDT; spec.md has no notion of per-thread address spaces).
func buildInitialContext(t *Thread) Context
