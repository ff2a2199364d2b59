// Package sleeplock provides a named, blocking exclusive lock whose waiters
// sleep on a condition variable instead of spinning.
//
// Every acquisition returns a Ticket. Release and Holding take that ticket, so
// a caller can check that it (and not some other holder) owns the lock, and a
// stale ticket from an earlier acquisition never passes the check.
package sleeplock

import (
	"sync"
)

// Ticket identifies one acquisition of a Lock. The zero Ticket is never issued.
type Ticket uint64

type Lock struct {
	mu     *sync.Mutex
	cond   *sync.Cond
	name   string
	holder Ticket // 0 when free
	issued Ticket
}

func Mk(name string) *Lock {
	mu := new(sync.Mutex)
	l := &Lock{
		mu:   mu,
		cond: sync.NewCond(mu),
		name: name,
	}
	return l
}

func (l *Lock) Name() string {
	return l.name
}

// Acquire blocks until the lock is free and returns the ticket of this
// acquisition.
func (l *Lock) Acquire() Ticket {
	l.mu.Lock()
	for l.holder != 0 {
		l.cond.Wait()
	}
	l.issued = l.issued + 1
	l.holder = l.issued
	t := l.holder
	l.mu.Unlock()
	return t
}

// Release panics if t is not the current holder's ticket.
func (l *Lock) Release(t Ticket) {
	l.mu.Lock()
	if t == 0 || l.holder != t {
		l.mu.Unlock()
		panic("releasesleep: " + l.name)
	}
	l.holder = 0
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *Lock) Holding(t Ticket) bool {
	l.mu.Lock()
	held := t != 0 && l.holder == t
	l.mu.Unlock()
	return held
}

// Locked reports whether anyone holds the lock.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	locked := l.holder != 0
	l.mu.Unlock()
	return locked
}
