package sched

import (
	"coreos/kernel"
	"coreos/kernel/list"
)

// Exit terminates t: it records the return value and cause, reparents any
// live children onto INIT (spec.md §4.3 "Thread exit"), wakes every thread
// already blocked in WaitThread on t, and either moves t onto the global
// zombie list (if nobody was waiting, so a later WaitThread call can still
// reap it) or, if a joiner already consumed it, leaves it ready for
// immediate reclamation by that joiner.
//
// Exit never returns: on real hardware the caller's stack is abandoned the
// moment Schedule switches away. The Go port still has to return so tests
// can inspect the resulting state; callers other than threadTrampoline
// should not resume any work afterward.
func Exit(t *Thread, retval int, cause TerminationCause) {
	t.ReturnValue = retval
	t.TerminationCause = cause

	reparentChildren(t)

	// A thread that exits while still queued (e.g. one that never ran) is
	// unlinked from its CPU's queues so Schedule cannot pick it again.
	if old := t.schedNode; old != nil {
		c := cpus[t.Affinity]
		c.lock.Acquire()
		c.ready[t.Priority].Remove(old)
		c.sleeping.Remove(old)
		c.lock.Release()
	}

	globalLock.Acquire()
	hadJoiners := t.joiners.Len() > 0
	t.State = Zombie
	t.schedNode = &list.Node{Value: t}
	if !hadJoiners {
		zombies.PushBack(t.schedNode)
	}
	globalLock.Release()

	// Wake every thread waiting in WaitThread(t): each one finds t already
	// a zombie and reaps it itself.
	for n := t.joiners.PopFront(); n != nil; n = t.joiners.PopFront() {
		UnlockThread(n, Join, false)
	}

	if t.isIdle() {
		// IDLE never legitimately exits; nothing left to schedule away to.
		return
	}
	Schedule(t.Affinity)
}

// reparentChildren moves every live child of t onto INIT's Children list,
// per spec.md §4.3: "a thread's children are reparented to INIT, never left
// orphaned." INIT itself (ParentID == 0, the thread created by sched.Init)
// is exempt since it never has a parent to reparent onto.
func reparentChildren(t *Thread) {
	if initThread == nil || t == initThread {
		return
	}
	for n := t.Children.Front(); n != nil; {
		next := n.Next()
		child := n.Value.(*Thread)
		t.Children.Remove(n)
		child.ParentID = initThread.ID
		child.childNode = &list.Node{Value: child}
		initThread.Children.PushBack(child.childNode)
		n = next
	}
}

// WaitThread blocks caller until child (which must be one of caller's
// direct children) exits, then returns its return value and termination
// cause and removes it from the global thread table. If child has already
// exited, WaitThread reaps it immediately without blocking.
func WaitThread(caller, child *Thread) (int, TerminationCause, *kernel.Error) {
	if child.ParentID != caller.ID {
		return 0, 0, kernel.NewError("sched", kernel.UnauthorizedAction, "can only wait on a direct child")
	}

	globalLock.Acquire()
	if child.State == Zombie {
		globalLock.Release()
		return reap(caller, child)
	}

	node := &list.Node{Value: caller}
	child.joiners.PushBack(node)
	globalLock.Release()

	caller.State = Joining
	caller.BlockReason = Join
	caller.schedNode = node
	Schedule(caller.Affinity)

	return reap(caller, child)
}

// reap removes child from the global thread table and caller's Children
// list and returns its exit status. Caller must not hold globalLock.
func reap(caller, child *Thread) (int, TerminationCause, *kernel.Error) {
	globalLock.Acquire()
	if child.schedNode != nil {
		zombies.Remove(child.schedNode)
	}
	if child.globalNode != nil {
		globals.Remove(child.globalNode)
	}
	globalLock.Release()

	if child.childNode != nil {
		caller.Children.Remove(child.childNode)
	}
	child.State = Dead

	return child.ReturnValue, child.TerminationCause, nil
}
