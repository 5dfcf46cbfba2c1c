// Package list implements the intrusive doubly-linked list primitive
// spec.md §2 places below the scheduler and synchronization primitives in
// the dependency order. It is intrusive in the sense that a Node is meant
// to be embedded (by pointer) inside the structure it threads together —
// a Thread, a semaphore waiter — rather than allocated and owned by the
// list itself; removing a node from one list and pushing it onto another
// is therefore two O(1) operations with no allocation, which is what lets
// the scheduler move a thread between its ready queue and its sleeping
// queue inside a single interrupt-disabled critical section.
//
// No third-party or standard-library container fits this shape: container/
// list owns and allocates its own elements, which this kernel cannot rely
// on doing safely inside an interrupt handler. The API below mirrors
// container/list's where the shapes coincide (PushBack, Remove, Front) so
// the rest of the kernel reads familiarly.
package list

// Node is an intrusive list link plus a payload. Embed or point to it from
// the structure being threaded onto a List; a Node belongs to at most one
// List at a time.
type Node struct {
	next, prev *Node
	list       *List

	// Value holds whatever payload the owning subsystem threads onto the
	// list (e.g. a *sched.Thread).
	Value interface{}
}

// Next returns the next node in the list, or nil if n is the last node or
// not currently linked.
func (n *Node) Next() *Node {
	if n.list == nil || n.next == &n.list.root {
		return nil
	}
	return n.next
}

// Prev returns the previous node in the list, or nil if n is the first
// node or not currently linked.
func (n *Node) Prev() *Node {
	if n.list == nil || n.prev == &n.list.root {
		return nil
	}
	return n.prev
}

// Linked reports whether n currently belongs to a List.
func (n *Node) Linked() bool {
	return n.list != nil
}

// List is a circular intrusive doubly-linked list with a sentinel root
// node, following the same shape as container/list.List.
type List struct {
	root Node
	len  int
}

// Init (re)initializes l as an empty list. The zero value is also an empty
// list: PushBack, PushFront and InsertSorted initialize it on first use
// (matching container/list's convention).
func (l *List) Init() *List {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

// Len returns the number of nodes in l.
func (l *List) Len() int { return l.len }

// Front returns the first node of l, or nil if l is empty.
func (l *List) Front() *Node {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last node of l, or nil if l is empty.
func (l *List) Back() *Node {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *List) lazyInit() {
	if l.root.next == nil {
		l.Init()
	}
}

func (l *List) insertAfter(n, at *Node) *Node {
	n.prev = at
	n.next = at.next
	n.prev.next = n
	n.next.prev = n
	n.list = l
	l.len++
	return n
}

// PushBack links n onto the tail of l.
func (l *List) PushBack(n *Node) *Node {
	l.lazyInit()
	return l.insertAfter(n, l.root.prev)
}

// PushFront links n onto the head of l.
func (l *List) PushFront(n *Node) *Node {
	l.lazyInit()
	return l.insertAfter(n, &l.root)
}

// InsertSorted links n into l just before the first node whose value n's
// value comes before, as determined by less(n.Value, candidateValue); n
// goes after any nodes with an equal key. This keeps the earliest-first ordering the sleeping-thread
// timer queue needs (spec.md §3 "sleeping[cpu]: priority queue ... keyed
// by wakeup deadline, earliest first") without requiring a heap: the
// sleeping queue is drained from the front every tick, so insertion cost
// is paid once per sleep rather than amortized across every tick.
func (l *List) InsertSorted(n *Node, less func(a, b interface{}) bool) *Node {
	l.lazyInit()

	for cur := l.root.next; cur != &l.root; cur = cur.next {
		if less(n.Value, cur.Value) {
			return l.insertAfter(n, cur.prev)
		}
	}
	return l.insertAfter(n, l.root.prev)
}

// Remove unlinks n from whatever list it currently belongs to. Removing an
// already-unlinked node is a no-op.
func (l *List) Remove(n *Node) {
	if n.list != l {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
	n.list = nil
	l.len--
}

// PopFront removes and returns the first node of l, or nil if l is empty.
func (l *List) PopFront() *Node {
	n := l.Front()
	if n == nil {
		return nil
	}
	l.Remove(n)
	return n
}
