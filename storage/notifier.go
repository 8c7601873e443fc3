package storage

import "sync"

// Notifier fans mutation notices out to every execution context attached to
// one physical store, suppressing delivery back to the writer. Each
// subscriber is served by its own dispatch goroutine draining a FIFO queue,
// so a writer never runs sibling callbacks on its own goroutine and callback
// code may freely take locks or write back to the store. Per-subscriber FIFO
// order matches the order of physical writes, which is what last-writer-wins
// resolution needs.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	origin int
	fn     WatchFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Change
	closed bool
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscriber)}
}

// NewOrigin allocates an identity for one execution context.
func (n *Notifier) NewOrigin() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

// Subscribe registers fn on behalf of the given origin. The returned cancel
// func stops the subscriber's dispatch goroutine, dropping any queued
// changes; it is safe to call more than once.
func (n *Notifier) Subscribe(origin int, fn WatchFunc) func() {
	s := &subscriber{origin: origin, fn: fn}
	s.cond = sync.NewCond(&s.mu)
	go s.run()

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[id] = s
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		sub, ok := n.subs[id]
		delete(n.subs, id)
		n.mu.Unlock()
		if ok {
			sub.close()
		}
	}
}

// Broadcast enqueues c for every subscription whose origin differs from the
// writer's. It never blocks on subscriber callbacks.
func (n *Notifier) Broadcast(origin int, c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		if s.origin != origin {
			s.enqueue(c)
		}
	}
}

func (s *subscriber) enqueue(c Change) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, c)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.fn(c)
	}
}
