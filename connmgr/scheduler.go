package connmgr

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler is the cooperative timer set driving outgoing retries.  It
// holds at most one pending timer per peer.  All callbacks run on the
// scheduler's own goroutine in non-decreasing fire-time order; a
// callback may arm or cancel timers, including its own.
type Scheduler struct {
	clk clock.Clock

	mtx   sync.Mutex
	armed map[string]*retryTimer
	queue retryQueue
	seq   uint64

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	start int32
	stop  int32
}

type retryTimer struct {
	peer     string
	when     time.Time
	seq      uint64
	fn       func()
	canceled bool
}

// retryQueue orders timers by fire time, ties broken by arm order.
type retryQueue []*retryTimer

func (q retryQueue) Len() int { return len(q) }

func (q retryQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q retryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *retryQueue) Push(x interface{}) { *q = append(*q, x.(*retryTimer)) }

func (q *retryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// NewScheduler returns a stopped scheduler.  A nil clock uses the real
// one.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clk:   clk,
		armed: make(map[string]*retryTimer),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start() {
	if atomic.AddInt32(&s.start, 1) != 1 {
		return
	}
	s.wg.Add(1)
	go s.run()
}

// Stop halts delivery.  Armed timers are discarded.
func (s *Scheduler) Stop() {
	if atomic.AddInt32(&s.stop, 1) != 1 {
		return
	}
	close(s.quit)
}

// Wait blocks until the scheduler goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Arm schedules fn for "now + delay", replacing any timer already
// armed for the peer.
func (s *Scheduler) Arm(peer string, delay time.Duration, fn func()) {
	s.mtx.Lock()
	if old, ok := s.armed[peer]; ok {
		old.canceled = true
	}
	t := &retryTimer{peer: peer, when: s.clk.Now().Add(delay), seq: s.seq, fn: fn}
	s.seq++
	s.armed[peer] = t
	heap.Push(&s.queue, t)
	s.mtx.Unlock()
	s.kick()
}

// Cancel removes the pending timer for the peer, if any.
func (s *Scheduler) Cancel(peer string) {
	s.mtx.Lock()
	if t, ok := s.armed[peer]; ok {
		t.canceled = true
		delete(s.armed, peer)
	}
	s.mtx.Unlock()
	s.kick()
}

// Armed reports whether a timer is pending for the peer.
func (s *Scheduler) Armed(peer string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.armed[peer]
	return ok
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		s.mtx.Lock()
		for len(s.queue) > 0 && s.queue[0].canceled {
			heap.Pop(&s.queue)
		}
		var fire *retryTimer
		wait := time.Duration(-1)
		if len(s.queue) > 0 {
			if d := s.queue[0].when.Sub(s.clk.Now()); d <= 0 {
				fire = heap.Pop(&s.queue).(*retryTimer)
				delete(s.armed, fire.peer)
			} else {
				wait = d
			}
		}
		s.mtx.Unlock()

		if fire != nil {
			fire.fn()
			continue
		}

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.quit:
				return
			}
			continue
		}

		t := s.clk.Timer(wait)
		select {
		case <-t.C:
		case <-s.wake:
			t.Stop()
		case <-s.quit:
			t.Stop()
			return
		}
	}
}
