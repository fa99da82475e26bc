// Package transfer implements a single-flight Transfer Coordinator,
// deduplicating concurrent downloads/uploads of the same blob across a
// process.
package transfer

import (
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
	"github.com/defenseunicorns/koci-sub000/progress"
)

// Direction distinguishes a download from an upload for the same descriptor,
// since both may be in flight for different callers simultaneously.
type Direction int

// Directions.
const (
	Download Direction = iota
	Upload
)

// Key identifies one coordinated transfer.
type Key struct {
	Digest    string
	Direction Direction
}

// KeyFor builds the Key for descriptor d in direction dir.
func KeyFor(d ocispec.Descriptor, dir Direction) Key {
	return Key{Digest: d.Digest.String(), Direction: dir}
}

// entry is the per-key coordination state: a completion signal, a succeeded
// flag, a claimed flag, and a reference count.
type entry struct {
	done      chan struct{}
	succeeded bool
	claimed   bool
	refs      int
}

// Coordinator deduplicates concurrent transfers keyed by (descriptor,
// direction). The zero value is ready to use.
type Coordinator struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewCoordinator constructs an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{entries: make(map[Key]*entry)}
}

// TransferFunc performs the actual transfer, reporting progress through
// sink. Its return error, if non-nil, marks the transfer as failed for every
// waiter.
type TransferFunc func(sink progress.Sink) error

// Do coordinates one logical transfer for key. The first caller to arrive
// claims the key and invokes fn; its progress is forwarded to sink. Later
// concurrent callers for the same key block until the first finishes: if it
// succeeded they return nil without re-invoking fn or emitting further
// progress (the caller is expected to treat the artifact as present); if it
// failed they receive errdef.TransferFailed.
func (c *Coordinator) Do(key Key, sink progress.Sink, fn TransferFunc) error {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[Key]*entry)
	}
	e, exists := c.entries[key]
	if !exists {
		e = &entry{done: make(chan struct{})}
		c.entries[key] = e
	}
	e.refs++
	claim := !e.claimed
	if claim {
		e.claimed = true
	}
	c.mu.Unlock()

	defer c.release(key, e)

	if !claim {
		<-e.done
		if e.succeeded {
			return nil
		}
		return errdef.TransferFailed(key.Digest)
	}

	err := fn(sink)
	e.succeeded = err == nil
	close(e.done)
	return err
}

// release decrements e's reference count and deletes the map entry once it
// reaches zero.
func (c *Coordinator) release(key Key, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		if c.entries[key] == e {
			delete(c.entries, key)
		}
	}
}
