package sync

import "coreos/kernel"

// Queue is a bounded FIFO ring buffer with blocking Put/Get, built from two
// semaphores the same way Mailbox is: one tracking free slots, one
// tracking filled slots, guarding a plain ring buffer behind them
// (spec.md §4.4 "Queue"). Unlike Mailbox its capacity is caller-chosen
// (at least one).
type Queue struct {
	free, full Semaphore
	lock       Spinlock
	buf        []interface{}
	head, tail int
	ready      bool
}

// Init prepares an empty queue with room for capacity items. Capacity must
// be at least 1.
func (q *Queue) Init(capacity int) *kernel.Error {
	if capacity < 1 {
		return kernel.NewError("sync", kernel.OutOfRange, "queue capacity must be >= 1")
	}
	q.buf = make([]interface{}, capacity)
	q.head, q.tail = 0, 0
	q.free.Init(capacity)
	q.full.Init(0)
	q.ready = true
	return nil
}

// Put blocks until a slot is free, then enqueues msg.
func (q *Queue) Put(msg interface{}) *kernel.Error {
	if !q.ready {
		return kernel.NewError("sync", kernel.QueueUninitialized, "")
	}
	if err := q.free.Pend(); err != nil {
		return err
	}

	q.lock.Acquire()
	q.buf[q.tail] = msg
	q.tail = (q.tail + 1) % len(q.buf)
	q.lock.Release()

	return q.full.Post()
}

// Get blocks until an item is available, then dequeues and returns it.
func (q *Queue) Get() (interface{}, *kernel.Error) {
	if !q.ready {
		return nil, kernel.NewError("sync", kernel.QueueUninitialized, "")
	}
	if err := q.full.Pend(); err != nil {
		return nil, err
	}

	q.lock.Acquire()
	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.lock.Release()

	if err := q.free.Post(); err != nil {
		return nil, err
	}
	return msg, nil
}

// TryGet attempts to dequeue without blocking.
func (q *Queue) TryGet() (interface{}, bool, *kernel.Error) {
	if !q.ready {
		return nil, false, kernel.NewError("sync", kernel.QueueUninitialized, "")
	}
	ok, err := q.full.TryPend()
	if err != nil || !ok {
		return nil, false, err
	}

	q.lock.Acquire()
	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.lock.Release()

	if err := q.free.Post(); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Size returns the number of items currently queued.
func (q *Queue) Size() int {
	return q.full.Count()
}

// IsEmpty reports whether the queue currently holds no items.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}
