package sync

import "coreos/kernel"

// Mailbox is a single-slot rendezvous: Post blocks until a pending message
// is consumed, and Fetch blocks until one is posted, following spec.md
// §4.4 "Mailbox". It is built from two semaphores rather than a fresh
// primitive, the way a blocking single-slot channel is conventionally
// built from a pair of counting semaphores (one tracking free slots, one
// tracking filled ones).
type Mailbox struct {
	free  Semaphore
	full  Semaphore
	slot  interface{}
	ready bool
}

// Init prepares an empty mailbox (one free slot, nothing to fetch).
func (m *Mailbox) Init() {
	m.free.Init(1)
	m.full.Init(0)
	m.ready = true
}

// Post blocks until the mailbox's single slot is free, deposits msg, and
// wakes the longest-waiting Fetch call.
func (m *Mailbox) Post(msg interface{}) *kernel.Error {
	if !m.ready {
		return kernel.NewError("sync", kernel.MailboxUninitialized, "")
	}
	if err := m.free.Pend(); err != nil {
		return err
	}
	m.slot = msg
	return m.full.Post()
}

// Fetch blocks until a message has been posted, returning it and freeing
// the slot for the next Post.
func (m *Mailbox) Fetch() (interface{}, *kernel.Error) {
	if !m.ready {
		return nil, kernel.NewError("sync", kernel.MailboxUninitialized, "")
	}
	if err := m.full.Pend(); err != nil {
		return nil, err
	}
	msg := m.slot
	m.slot = nil
	if err := m.free.Post(); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsEmpty reports whether the mailbox currently holds no message.
func (m *Mailbox) IsEmpty() bool {
	return m.full.Count() == 0
}

// TryFetch attempts to consume a pending message without blocking.
func (m *Mailbox) TryFetch() (interface{}, bool, *kernel.Error) {
	if !m.ready {
		return nil, false, kernel.NewError("sync", kernel.MailboxUninitialized, "")
	}
	ok, err := m.full.TryPend()
	if err != nil || !ok {
		return nil, false, err
	}
	msg := m.slot
	m.slot = nil
	if err := m.free.Post(); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}
