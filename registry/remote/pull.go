package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/defenseunicorns/koci-sub000/progress"
	"github.com/defenseunicorns/koci-sub000/registry"
	"github.com/defenseunicorns/koci-sub000/transfer"
)

// maxConcurrentLayers bounds the fan-out of a single manifest pull.
const maxConcurrentLayers = 3

// Store is the subset of layout.Store the Repository engine writes pulled
// content into and reads existing content from, kept as an interface here
// so tests can substitute a fake without importing the layout package.
type Store interface {
	Exists(d ocispec.Descriptor) (bool, error)
	Push(ctx context.Context, d ocispec.Descriptor, r io.Reader, sink progress.Sink) error
	Tag(d ocispec.Descriptor, ref registry.Reference) error
	// StagingSize reports the size of any partially-written staging file
	// for d, so the caller can decide whether to resume.
	StagingSize(d ocispec.Descriptor) (int64, bool)
	// DiscardStaging removes any partially-written staging file for d,
	// used before a full (non-resumed) re-download.
	DiscardStaging(d ocispec.Descriptor) error
}

// PullTag resolves tag, pulls its full content into store, and tags the
// root descriptor with the pulled reference.
func (r *Repository) PullTag(ctx context.Context, tag string, store Store, platformResolver func(*ocispec.Platform) bool, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	desc, err := r.Resolve(ctx, tag, platformResolver)
	if err != nil {
		sink.Emit(progress.Event{Err: err})
		return err
	}
	if err := r.Pull(ctx, desc, store, sink); err != nil {
		return err
	}
	ref := registry.Reference{Registry: r.Host, Repository: r.Name, Reference: tag}
	if err := store.Tag(desc, ref); err != nil {
		sink.Emit(progress.Event{Err: err})
		return err
	}
	sink.Emit(progress.Event{State: progress.StateTransmitted, Percent: 100})
	r.logger().Info("pull complete", "repository", r.Name, "tag", tag, "digest", desc.Digest)
	return nil
}

// Pull recursively pulls descriptor's content into store: an index fans out
// over its children, a manifest fans out over layers+config with bounded
// concurrency, and anything else is downloaded directly.
func (r *Repository) Pull(ctx context.Context, d ocispec.Descriptor, store Store, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	if ok, err := store.Exists(d); err == nil && ok {
		sink.Emit(progress.Event{State: progress.StateExists, Percent: 100})
		return nil
	}

	switch d.MediaType {
	case ocispec.MediaTypeImageIndex:
		return r.pullIndex(ctx, d, store, sink)
	case ocispec.MediaTypeImageManifest:
		return r.pullManifest(ctx, d, store, sink)
	default:
		return r.download(ctx, d, store, sink)
	}
}

func (r *Repository) pullIndex(ctx context.Context, d ocispec.Descriptor, store Store, sink progress.Sink) error {
	idx, err := r.Index(ctx, d)
	if err != nil {
		sink.Emit(progress.Event{Err: err})
		return err
	}

	total := d.Size
	for _, child := range idx.Manifests {
		total += child.Size
	}
	weighted := progress.NewWeighted(sink, total)

	for i, child := range idx.Manifests {
		i := i
		child := child
		childSink := progress.Func(func(e progress.Event) {
			if e.Err != nil {
				return
			}
			weighted.Update(i, child.Size*int64(e.Percent)/100)
		})
		if err := r.Pull(ctx, child, store, childSink); err != nil {
			weighted.Fail(err)
			return err
		}
		weighted.Update(i, child.Size)
	}

	if err := r.download(ctx, d, store, progress.Func(func(e progress.Event) {
		if e.Err != nil {
			weighted.Fail(e.Err)
			return
		}
		weighted.Update(len(idx.Manifests), d.Size*int64(e.Percent)/100)
	})); err != nil {
		return err
	}
	weighted.Done()
	return nil
}

func (r *Repository) pullManifest(ctx context.Context, d ocispec.Descriptor, store Store, sink progress.Sink) error {
	man, err := r.Manifest(ctx, d)
	if err != nil {
		sink.Emit(progress.Event{Err: err})
		return err
	}

	leaves := append(append([]ocispec.Descriptor{}, man.Layers...), man.Config)
	total := d.Size
	for _, l := range leaves {
		total += l.Size
	}
	weighted := progress.NewWeighted(sink, total)

	sem := semaphore.NewWeighted(maxConcurrentLayers)
	g, gctx := errgroup.WithContext(ctx)
	for i, leaf := range leaves {
		i, leaf := i, leaf
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			childSink := progress.Func(func(e progress.Event) {
				if e.Err != nil {
					return
				}
				weighted.Update(i, leaf.Size*int64(e.Percent)/100)
			})
			if err := r.download(gctx, leaf, store, childSink); err != nil {
				return fmt.Errorf("pulling %s: %w", leaf.Digest, err)
			}
			weighted.Update(i, leaf.Size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		weighted.Fail(err)
		return err
	}

	if err := r.download(ctx, d, store, progress.Func(func(e progress.Event) {
		if e.Err != nil {
			weighted.Fail(e.Err)
			return
		}
		weighted.Update(len(leaves), d.Size*int64(e.Percent)/100)
	})); err != nil {
		return err
	}
	weighted.Done()
	return nil
}

// download fetches descriptor's content from the registry into store,
// single-flighted through the Repository's Transfer Coordinator keyed by
// (descriptor, Download), resuming a partial local file via Range when the
// server supports it.
func (r *Repository) download(ctx context.Context, d ocispec.Descriptor, store Store, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	key := transfer.KeyFor(d, transfer.Download)
	return r.coord().Do(key, sink, func(sink progress.Sink) error {
		if ok, err := store.Exists(d); err == nil && ok {
			sink.Emit(progress.Event{State: progress.StateExists, Percent: 100})
			return nil
		}

		scope := repositoryScope(r.Name, scopeActionPull)
		req, err := newRequest(ctx, http.MethodGet, r.endpointFor(d), scope)
		if err != nil {
			return err
		}
		if isManifestType(d.MediaType) {
			req.Header.Set("Accept", d.MediaType)
		}

		if partial, ok := store.StagingSize(d); ok {
			if !isManifestType(d.MediaType) && r.probeRangeSupport(ctx, d) {
				r.logger().Debug("resuming partial download", "digest", d.Digest, "offset", humanize.Bytes(uint64(partial)))
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", partial, d.Size-1))
				sink.Emit(progress.Event{State: progress.StateTransmitting, Percent: int(partial * 100 / max64(d.Size, 1))})
			} else if err := store.DiscardStaging(d); err != nil {
				return err
			}
		}

		resp, err := r.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatusIn(resp, http.StatusOK, http.StatusPartialContent); err != nil {
			return err
		}

		return store.Push(ctx, d, resp.Body, sink)
	})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
