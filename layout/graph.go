package layout

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
)

// expand computes the transitive closure of descs: for an on-disk index,
// itself plus its listed manifests and their expansions; for an on-disk
// manifest, itself plus its config and layers; for anything else, itself.
// A descriptor whose blob is missing on disk contributes only itself and no
// children.
func (s *Store) expand(descs []ocispec.Descriptor) map[string]struct{} {
	closure := make(map[string]struct{})
	var walk func(d ocispec.Descriptor)
	walk = func(d ocispec.Descriptor) {
		key := d.Digest.String()
		if _, seen := closure[key]; seen {
			return
		}
		closure[key] = struct{}{}

		switch d.MediaType {
		case ocispec.MediaTypeImageIndex:
			var idx ocispec.Index
			if !s.decodeBlob(d, &idx) {
				return
			}
			for _, child := range idx.Manifests {
				walk(child)
			}
		case ocispec.MediaTypeImageManifest:
			var man ocispec.Manifest
			if !s.decodeBlob(d, &man) {
				return
			}
			walk(man.Config)
			for _, layer := range man.Layers {
				walk(layer)
			}
		}
	}
	for _, d := range descs {
		walk(d)
	}
	return closure
}

// decodeBlob reads descriptor's blob and JSON-decodes it into v, returning
// false (without error) if the blob is absent or malformed, so that expand
// adds no children for it.
func (s *Store) decodeBlob(d ocispec.Descriptor, v any) bool {
	f, err := os.Open(s.blobPath(d.Digest))
	if err != nil {
		return false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// Predecessors returns every index entry whose transitive closure contains
// d's digest, i.e. what refers to this blob.
func (s *Store) Predecessors(d ocispec.Descriptor) []ocispec.Descriptor {
	s.indexMu.RLock()
	entries := append([]ocispec.Descriptor(nil), s.index.Manifests...)
	s.indexMu.RUnlock()

	var out []ocispec.Descriptor
	for _, e := range entries {
		if e.Digest == d.Digest {
			continue
		}
		closure := s.expand([]ocispec.Descriptor{e})
		if _, ok := closure[d.Digest.String()]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes descriptor from the layout: a blob is just a file delete; a
// manifest additionally removes its config and layers unless they remain
// reachable from another manifest; an index recursively removes every child
// manifest.
func (s *Store) Remove(d ocispec.Descriptor) error {
	unlock := s.removeLocks.Lock(d.Digest.String())
	defer unlock()

	s.activeRemovals.Add(1)
	defer s.activeRemovals.Add(-1)

	switch d.MediaType {
	case ocispec.MediaTypeImageIndex:
		return s.removeIndex(d)
	case ocispec.MediaTypeImageManifest:
		return s.removeManifest(d)
	default:
		return s.removeBlobFile(d)
	}
}

func (s *Store) removeBlobFile(d ocispec.Descriptor) error {
	if err := os.Remove(s.blobPath(d.Digest)); err != nil && !os.IsNotExist(err) {
		return errdef.IOError("removing blob", err)
	}
	return nil
}

func (s *Store) removeManifest(d ocispec.Descriptor) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	remaining, removedAny := removeEntry(s.index.Manifests, d)
	if !removedAny {
		// Not tracked in the index; still remove the blob itself and its
		// unshared children computed against the current index as-is.
		remaining = s.index.Manifests
	}

	for _, e := range remaining {
		if e.Digest == d.Digest {
			return errdef.UnableToRemove(d.Digest.String(), "still referenced by another index entry")
		}
	}

	var man ocispec.Manifest
	hasManifest := s.decodeBlob(d, &man)

	allOther := s.expand(remaining)

	s.index.Manifests = remaining
	if err := s.saveIndexLocked(); err != nil {
		return err
	}

	if hasManifest {
		if _, keep := allOther[man.Config.Digest.String()]; !keep {
			s.removeBlobFile(man.Config)
		}
		for _, layer := range man.Layers {
			if _, keep := allOther[layer.Digest.String()]; !keep {
				s.removeBlobFile(layer)
			}
		}
	}
	return s.removeBlobFile(d)
}

func (s *Store) removeIndex(d ocispec.Descriptor) error {
	s.indexMu.Lock()
	var idx ocispec.Index
	hasIndex := s.decodeBlob(d, &idx)
	remaining, _ := removeEntry(s.index.Manifests, d)
	s.index.Manifests = remaining
	err := s.saveIndexLocked()
	s.indexMu.Unlock()
	if err != nil {
		return err
	}

	if hasIndex {
		for _, child := range idx.Manifests {
			if rmErr := s.Remove(child); rmErr != nil {
				return rmErr
			}
		}
	}
	return s.removeBlobFile(d)
}

// removeEntry removes the first entry matching d's digest and platform (and
// d's ref.name annotation, when d carries one) from manifests, reporting
// whether it found one.
func removeEntry(manifests []ocispec.Descriptor, d ocispec.Descriptor) ([]ocispec.Descriptor, bool) {
	out := make([]ocispec.Descriptor, 0, len(manifests))
	removed := false
	for _, e := range manifests {
		if !removed && sameTaggedEntry(e, d) {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out, removed
}

func sameTaggedEntry(a, b ocispec.Descriptor) bool {
	if a.Digest != b.Digest {
		return false
	}
	if name, ok := b.Annotations[RefNameAnnotation]; ok && a.Annotations[RefNameAnnotation] != name {
		return false
	}
	return platformEqual(a.Platform, b.Platform)
}

func platformEqual(a, b *ocispec.Platform) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// GC deletes every staging file, then every blob whose digest is outside
// the transitive closure of index.manifests, returning the digests removed.
// Refuses to run while a push or remove is in progress.
func (s *Store) GC() ([]string, error) {
	if s.activeTransfers.Load() > 0 || s.activeRemovals.Load() > 0 {
		return nil, errdef.Generic("gc refused: transfers or removals in progress", nil)
	}

	if err := clearDir(s.stagingRoot); err != nil {
		return nil, err
	}

	s.indexMu.RLock()
	manifests := append([]ocispec.Descriptor(nil), s.index.Manifests...)
	s.indexMu.RUnlock()
	closure := s.expand(manifests)

	var deleted []string
	for _, algo := range []string{"sha256", "sha512"} {
		dir := filepath.Join(s.blobsRoot, algo)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errdef.IOError("listing blobs directory", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			digest := algo + ":" + entry.Name()
			if _, keep := closure[digest]; keep {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return nil, errdef.IOError("removing unreferenced blob", err)
			}
			deleted = append(deleted, digest)
		}
	}
	s.logger.Info("gc complete", "removed", len(deleted))
	return deleted, nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errdef.IOError("listing staging directory", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := clearDir(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return errdef.IOError("removing staging file", err)
		}
	}
	return nil
}
