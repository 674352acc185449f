package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrShutdown is returned to every pending and future Acquire once the limiter is closed.
var ErrShutdown = errors.New("rate limiter shut down")

// Token records one admission.
type Token struct {
	Seq        uint64
	AdmittedAt time.Time
}

type waiter struct {
	ready chan struct{}
	tok   Token
	err   error
	done  bool
}

// Limiter admits at most Limit operations in any sliding window of length Window.
// Callers are admitted strictly in arrival order.
type Limiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time // admissions still inside the window, oldest first
	queue  *list.List  // of *waiter
	seq    uint64
	closed bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a limiter and starts its dispatcher. Close must be called to release it.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	l := &Limiter{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
		queue:  list.New(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Acquire blocks until the caller may start its operation, ctx is done, or the
// limiter is closed.
func (l *Limiter) Acquire(ctx context.Context) (Token, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Token{}, ErrShutdown
	}
	now := time.Now()
	l.prune(now)
	if l.queue.Len() == 0 && len(l.stamps) < l.limit {
		tok := l.admit(now)
		l.mu.Unlock()
		return tok, nil
	}
	w := &waiter{ready: make(chan struct{})}
	elem := l.queue.PushBack(w)
	l.mu.Unlock()
	l.signal()

	select {
	case <-w.ready:
		return w.tok, w.err
	case <-ctx.Done():
		l.mu.Lock()
		if w.done {
			// Admitted concurrently with cancellation; the slot is already spent.
			l.mu.Unlock()
			return w.tok, w.err
		}
		l.queue.Remove(elem)
		l.mu.Unlock()
		l.signal()
		return Token{}, ctx.Err()
	}
}

// Pending reports the number of queued callers.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Close fails all pending acquisitions with ErrShutdown and stops the dispatcher.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for e := l.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.err = ErrShutdown
		w.done = true
		close(w.ready)
	}
	l.queue.Init()
	l.mu.Unlock()
	close(l.stop)
	l.wg.Wait()
}

func (l *Limiter) run() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		wait := l.dispatch(time.Now())
		l.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-l.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatch admits queued waiters while the window has room and returns how long
// to sleep before the oldest admission leaves the window. Zero means nothing to wait for.
func (l *Limiter) dispatch(now time.Time) time.Duration {
	if l.closed {
		return 0
	}
	l.prune(now)
	for l.queue.Len() > 0 && len(l.stamps) < l.limit {
		front := l.queue.Front()
		w := l.queue.Remove(front).(*waiter)
		w.tok = l.admit(now)
		w.done = true
		close(w.ready)
	}
	if l.queue.Len() == 0 {
		return 0
	}
	wait := l.stamps[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) admit(now time.Time) Token {
	l.seq++
	l.stamps = append(l.stamps, now)
	return Token{Seq: l.seq, AdmittedAt: now}
}

func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.stamps) && now.Sub(l.stamps[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
