package engine

import (
	"bytes"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"sync"
)

// Store is the exclusive owner of one state value.
//
// Every read and write goes through the Store's mutex. Observers are notified
// outside that mutex, strictly in commit order, and Update returns only once
// its own notification has reached every observer. An observer receives the
// committed state as its argument and may Read the Store; an Update issued
// from inside an observer commits immediately, returns without waiting and is
// delivered after the current notification finishes.
//
// Observers of two Stores must not Update each other's Store from
// concurrently delivering goroutines; each would wait on the other.
//
// Thread-safety: Store is safe for concurrent use.
type Store[S any] struct {
	mu        sync.Mutex
	turn      *sync.Cond // broadcast on delivery and on hand-off
	state     S
	nextID    uint64
	observers []observer[S] // copy-on-write

	pending   []notification[S]
	queued    uint64 // ticket of the newest notification
	delivered uint64 // ticket of the newest delivered notification
	awaited   uint64 // highest ticket a blocked committer waits for
	deliverer int64  // goroutine running observers, 0 when idle
}

type observer[S any] struct {
	id uint64
	fn func(S)
}

type notification[S any] struct {
	ticket    uint64
	state     S
	observers []observer[S]
}

// NewStore creates a Store holding initial.
func NewStore[S any](initial S) *Store[S] {
	s := &Store[S]{state: initial}
	s.turn = sync.NewCond(&s.mu)
	return s
}

// Read returns a snapshot of the current state.
func (s *Store[S]) Read() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update runs fn in the exclusive section, commits the result and notifies
// observers.
func (s *Store[S]) Update(fn func(*S)) {
	Apply(s, func(st *S) struct{} {
		fn(st)
		return struct{}{}
	})
}

// Apply runs fn in the exclusive section of s, commits and notifies
// observers, then returns fn's result.
func Apply[S, T any](s *Store[S], fn func(*S) T) T {
	out, _, _ := transact(s, func(st *S) (T, bool) {
		return fn(st), true
	})
	return out
}

// Watch subscribes fn to every future commit. Release the returned token to
// unsubscribe.
func (s *Store[S]) Watch(fn func(S)) *WatchToken {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(slices.Clip(s.observers), observer[S]{id: id, fn: fn})
	s.mu.Unlock()

	return newWatchToken(func() { s.unwatch(id) })
}

// Observers returns the number of active observers.
func (s *Store[S]) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Store[S]) unwatch(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = slices.DeleteFunc(slices.Clone(s.observers), func(o observer[S]) bool {
		return o.id == id
	})
}

// transact runs fn on a working copy of the state inside the exclusive
// section. When fn reports commit=false the state is left untouched and no
// observer is notified. Returns fn's result, the state after the section and
// whether it committed.
func transact[S, T any](s *Store[S], fn func(*S) (T, bool)) (T, S, bool) {
	out, state, ticket, committed := func() (T, S, uint64, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()

		next := s.state
		out, commit := fn(&next)
		if !commit {
			return out, s.state, 0, false
		}
		s.state = next
		if len(s.observers) == 0 {
			return out, next, 0, true
		}
		s.queued++
		s.pending = append(s.pending, notification[S]{ticket: s.queued, state: next, observers: s.observers})
		return out, next, s.queued, true
	}()

	if ticket != 0 {
		s.await(ticket)
	}
	return out, state, committed
}

// await blocks until the notification for ticket has been delivered,
// delivering it itself when no other goroutine is. A commit made by an
// observer on the delivering goroutine returns at once.
func (s *Store[S]) await(ticket uint64) {
	s.mu.Lock()
	if s.deliverer != 0 && s.deliverer == goroutineID() {
		s.mu.Unlock()
		return
	}
	s.awaited = max(s.awaited, ticket)
	for s.delivered < ticket && s.deliverer != 0 {
		s.turn.Wait()
	}
	if s.delivered >= ticket {
		s.mu.Unlock()
		return
	}
	s.deliverer = goroutineID()
	s.mu.Unlock()

	s.deliver(ticket)
}

// deliver runs pending notifications in commit order. It stops once ticket
// is delivered and a blocked committer is still waiting, handing delivery to
// that committer; otherwise it drains the queue, including commits made by
// its own observers.
func (s *Store[S]) deliver(ticket uint64) {
	var current uint64
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.delivered = max(s.delivered, current)
			s.deliverer = 0
			s.turn.Broadcast()
			s.mu.Unlock()
			panic(r)
		}
	}()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 || (s.delivered >= ticket && s.awaited > s.delivered) {
			s.deliverer = 0
			s.turn.Broadcast()
			s.mu.Unlock()
			return
		}
		n := s.pending[0]
		s.pending[0] = notification[S]{}
		s.pending = s.pending[1:]
		current = n.ticket
		s.mu.Unlock()

		for _, o := range n.observers {
			o.fn(n.state)
		}

		s.mu.Lock()
		s.delivered = n.ticket
		s.turn.Broadcast()
		s.mu.Unlock()
	}
}

// goroutineID returns the id of the calling goroutine, read from the
// "goroutine N [" header of its stack trace.
func goroutineID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("engine: cannot parse goroutine id from %q", b))
	}
	return id
}

// WatchToken cancels an observer subscription.
type WatchToken struct {
	once    sync.Once
	release func()
}

func newWatchToken(release func()) *WatchToken {
	return &WatchToken{release: release}
}

// Release unsubscribes the observer. Calling Release more than once is a
// no-op.
func (t *WatchToken) Release() {
	if t == nil || t.release == nil {
		return
	}
	t.once.Do(t.release)
}
