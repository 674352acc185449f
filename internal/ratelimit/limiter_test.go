package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestLimiter_SlidingWindowInvariant(t *testing.T) {
	const (
		limit   = 3
		window  = 40 * time.Millisecond
		callers = 10
	)
	l := New(limit, window)
	defer l.Close()

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			stamps = append(stamps, tok.AdmittedAt)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(stamps) != callers {
		t.Fatalf("expected %d admissions, got %d", callers, len(stamps))
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	for i := 0; i+limit < len(stamps); i++ {
		if gap := stamps[i+limit].Sub(stamps[i]); gap < window {
			t.Errorf("admissions %d and %d only %v apart, window %v", i, i+limit, gap, window)
		}
	}
}

func TestLimiter_FIFO(t *testing.T) {
	l := New(1, 100*time.Millisecond)
	defer l.Close()

	// Occupy the window so every following caller queues.
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	const n = 5
	seqs := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire %d: %v", idx, err)
				return
			}
			seqs[idx] = tok.Seq
		}(i)
		waitPending(t, l, i+1)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("caller %d admitted with seq %d before caller %d (seq %d)", i, seqs[i], i-1, seqs[i-1])
		}
	}
}

func TestLimiter_CloseFailsPending(t *testing.T) {
	l := New(1, time.Hour)
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background())
		errCh <- err
	}()
	waitPending(t, l, 1)
	l.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("expected ErrShutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending acquire not released by Close")
	}

	if _, err := l.Acquire(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("acquire after close: expected ErrShutdown, got %v", err)
	}
}

func TestLimiter_CancelledWaiterLeavesQueue(t *testing.T) {
	l := New(1, 200*time.Millisecond)
	defer l.Close()
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		cancelled <- err
	}()
	waitPending(t, l, 1)

	next := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background())
		next <- err
	}()
	waitPending(t, l, 2)
	cancel()

	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	select {
	case err := <-next:
		if err != nil {
			t.Errorf("next waiter: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("next waiter never admitted")
	}
	if p := l.Pending(); p != 0 {
		t.Errorf("expected empty queue, got %d", p)
	}
}

func waitPending(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for l.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending callers", n)
		}
		time.Sleep(time.Millisecond)
	}
}
