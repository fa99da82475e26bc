package transfer

import (
	"errors"
	"sync"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/progress"
)

func testDescriptor(digest string) ocispec.Descriptor {
	return ocispec.Descriptor{Digest: "sha256:" + digest, Size: 1}
}

func TestDoRunsOnceForConcurrentCallers(t *testing.T) {
	c := NewCoordinator()
	key := KeyFor(testDescriptor("a"), Download)

	var calls int
	var mu sync.Mutex
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = c.Do(key, progress.Discard, func(sink progress.Sink) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected fn to run exactly once, ran %d times", calls)
	}
	for i, err := range results {
		if err != nil {
			t.Fatalf("result %d: unexpected error %v", i, err)
		}
	}
}

func TestDoPropagatesFailureToWaiters(t *testing.T) {
	c := NewCoordinator()
	key := KeyFor(testDescriptor("b"), Upload)

	claimErr := errors.New("boom")
	ready := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.Do(key, progress.Discard, func(sink progress.Sink) error {
			close(ready)
			<-release
			return claimErr
		})
		if err != claimErr {
			t.Errorf("expected claimErr, got %v", err)
		}
	}()

	<-ready
	waiterErr := make(chan error, 1)
	go func() {
		waiterErr <- c.Do(key, progress.Discard, func(sink progress.Sink) error {
			t.Fatalf("waiter should not re-invoke fn")
			return nil
		})
	}()
	close(release)
	wg.Wait()

	err := <-waiterErr
	if err == nil {
		t.Fatalf("expected waiter to observe a failure")
	}
}

func TestDoAllowsRetryAfterCompletion(t *testing.T) {
	c := NewCoordinator()
	key := KeyFor(testDescriptor("c"), Download)

	if err := c.Do(key, progress.Discard, func(sink progress.Sink) error { return nil }); err != nil {
		t.Fatalf("first Do: %v", err)
	}

	var calls int
	if err := c.Do(key, progress.Discard, func(sink progress.Sink) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the entry to be released and fn to run again, ran %d times", calls)
	}
}
