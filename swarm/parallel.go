package swarm

import (
	"runtime"
	"sync"
)

// parallelEach runs fn once per live element of the pool, fanning the live
// handles out over at most workers goroutines and joining before returning.
// workers <= 0 means runtime.NumCPU(). With workers == 1 everything runs on
// the calling goroutine, which is the reproducible single-threaded executor.
//
// The pool's element lifecycle must be quiescent for the duration: fn must
// not construct, destroy, or move elements.
func parallelEach[T any](pool *Pool[T], workers int, fn func(v *T)) {
	handles := pool.Handles()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers == 1 || len(handles) <= 1 {
		for _, h := range handles {
			fn(pool.Get(h))
		}
		return
	}
	if workers > len(handles) {
		workers = len(handles)
	}

	work := make(chan Handle)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for h := range work {
				fn(pool.Get(h))
			}
		}()
	}
	for _, h := range handles {
		work <- h
	}
	close(work)
	wg.Wait()
}
