// Package dispatch serializes servant invocations according to the policy declared on each
// interface method.
//
//	Unordered  → every invocation runs on its own goroutine
//	PerMethod  → one at a time per (object, method)
//	PerObject  → one at a time per object, across all of its tagged methods
//	PerType    → one at a time per interface, across all of its instances
//
// A Queue is a FIFO with at most one worker goroutine. The worker is started when the first
// task arrives on an idle queue and exits once the queue drains, so idle queues cost no
// goroutine. Queues are cached for the lifetime of the Scheduler.
package dispatch

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

type Policy int

const (
	Unordered Policy = iota
	PerMethod
	PerObject
	PerType
)

func (p Policy) String() string {
	switch p {
	case Unordered:
		return "Unordered"
	case PerMethod:
		return "PerMethod"
	case PerObject:
		return "PerObject"
	case PerType:
		return "PerType"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Key identifies one serial queue.
type Key struct {
	Policy   Policy
	ObjectID uint64 // PerMethod, PerObject
	Name     string // method name for PerMethod, interface name for PerType
}

// KeyFor derives the queue key of an invocation. ok is false for Unordered.
func KeyFor(policy Policy, objectID uint64, iface, method string) (key Key, ok bool) {
	switch policy {
	case PerMethod:
		return Key{Policy: policy, ObjectID: objectID, Name: method}, true
	case PerObject:
		return Key{Policy: policy, ObjectID: objectID}, true
	case PerType:
		return Key{Policy: policy, Name: iface}, true
	default:
		return Key{}, false
	}
}

// Queue runs scheduled tasks one at a time in FIFO order.
type Queue struct {
	mu      deadlock.Mutex
	tasks   []func()
	running bool
}

// Schedule appends task and starts a worker if none is running.
func (q *Queue) Schedule(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

// Len reports the number of tasks waiting, not counting one that is executing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Scheduler owns the serial queues of one endpoint.
type Scheduler struct {
	mu     deadlock.Mutex
	queues map[Key]*Queue
}

func NewScheduler() *Scheduler {
	return &Scheduler{queues: make(map[Key]*Queue)}
}

// QueueFor returns the queue for an invocation, creating it on first use.
// It returns nil for Unordered.
func (s *Scheduler) QueueFor(policy Policy, objectID uint64, iface, method string) *Queue {
	key, ok := KeyFor(policy, objectID, iface, method)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = &Queue{}
		s.queues[key] = q
	}
	return q
}

// Dispatch runs task under the given policy.
func (s *Scheduler) Dispatch(policy Policy, objectID uint64, iface, method string, task func()) {
	q := s.QueueFor(policy, objectID, iface, method)
	if q == nil {
		go task()
		return
	}
	q.Schedule(task)
}

// NumQueues reports how many distinct keys have been used so far.
func (s *Scheduler) NumQueues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
