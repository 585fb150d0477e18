package observer

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPool_RunsSubmittedJobs(t *testing.T) {
	pool := NewWorkerPool(2, 16)
	pool.Start()
	defer pool.Close()

	var counter atomic.Int32
	for i := 0; i < 10; i++ {
		if !pool.TrySubmit(func() { counter.Add(1) }) {
			t.Fatalf("Expected job %d to be accepted", i)
		}
	}
	pool.Wait()

	if n := counter.Load(); n != 10 {
		t.Errorf("Expected counter to be 10, got %d", n)
	}
}

func TestWorkerPool_FullQueueRejects(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	pool.Start()

	pool.TrySubmit(func() {
		close(started)
		<-release
	})
	<-started

	if !pool.TrySubmit(func() {}) {
		t.Fatal("Expected queued job to be accepted")
	}
	if pool.TrySubmit(func() {}) {
		t.Error("Expected job to be rejected when the queue is full")
	}

	close(release)
	pool.Close()
}

func TestWorkerPool_CloseDrainsAndRejects(t *testing.T) {
	pool := NewWorkerPool(3, 8)

	var mu sync.Mutex
	var results []int
	for i := 0; i < 5; i++ {
		value := i
		pool.TrySubmit(func() {
			mu.Lock()
			results = append(results, value)
			mu.Unlock()
		})
	}

	// Close starts the workers if needed and waits for the queue to drain
	pool.Close()
	pool.Close()

	if len(results) != 5 {
		t.Errorf("Expected 5 results, got %d", len(results))
	}
	if pool.TrySubmit(func() {}) {
		t.Error("Expected closed pool to reject jobs")
	}
}
