package layout

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
	"github.com/defenseunicorns/koci-sub000/registry"
)

// PlatformResolver reports whether p is an acceptable platform match.
type PlatformResolver func(p *ocispec.Platform) bool

// Tag records ref as d's local tag. d must already be present (pushed) with
// a manifest or index media type and a positive size. If another index
// entry carries the same ref.name and platform, it is untagged first.
// Idempotent: tagging the same (descriptor, ref) pair twice leaves exactly
// one matching entry.
//
// When ref's Reference component is itself a digest, no ref.name annotation
// is written, since the manifest is already addressable by its own digest,
// but the descriptor is still recorded in the index if absent.
func (s *Store) Tag(d ocispec.Descriptor, ref registry.Reference) error {
	if d.MediaType != ocispec.MediaTypeImageManifest && d.MediaType != ocispec.MediaTypeImageIndex {
		return errdef.UnsupportedManifest(d.MediaType, "Layout.Tag")
	}
	if d.Size <= 0 {
		return errdef.Generic("cannot tag a descriptor with non-positive size", nil)
	}
	if err := ref.Validate(); err != nil {
		return err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	tagged := d
	if ref.IsDigest() {
		tagged.Annotations = withoutAnnotation(d.Annotations, RefNameAnnotation)
	} else {
		name := ref.String()
		tagged.Annotations = withAnnotation(d.Annotations, RefNameAnnotation, name)

		for i, e := range s.index.Manifests {
			if e.Annotations[RefNameAnnotation] == name && platformEqual(e.Platform, d.Platform) {
				if e.Digest == d.Digest {
					// Already tagged exactly this way; nothing to do.
					return nil
				}
				untagged := e
				untagged.Annotations = withoutAnnotation(e.Annotations, RefNameAnnotation)
				s.index.Manifests[i] = untagged
			}
		}
	}

	for i, e := range s.index.Manifests {
		if e.Digest != tagged.Digest || !platformEqual(e.Platform, tagged.Platform) {
			continue
		}
		if ref.IsDigest() {
			// Already recorded; a digest reference adds nothing.
			return nil
		}
		if _, hasName := e.Annotations[RefNameAnnotation]; !hasName {
			s.index.Manifests[i] = tagged
			return s.saveIndexLocked()
		}
	}
	s.index.Manifests = append(s.index.Manifests, tagged)
	return s.saveIndexLocked()
}

// Resolve returns the first index entry satisfying predicate.
func (s *Store) Resolve(predicate func(ocispec.Descriptor) bool) (ocispec.Descriptor, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	for _, e := range s.index.Manifests {
		if predicate(e) {
			return e, nil
		}
	}
	return ocispec.Descriptor{}, errdef.DescriptorNotFound("predicate matched no index entry")
}

// ResolveReference returns the first index entry tagged ref. A non-nil
// platformResolver is called with each tagged entry's Platform (which may be
// nil) and must accept it; a nil resolver requires an exact reference match
// only.
func (s *Store) ResolveReference(ref registry.Reference, platformResolver PlatformResolver) (ocispec.Descriptor, error) {
	name := ref.String()
	return s.Resolve(func(d ocispec.Descriptor) bool {
		if d.Annotations[RefNameAnnotation] != name {
			return false
		}
		if platformResolver == nil {
			return true
		}
		return platformResolver(d.Platform)
	})
}

// Catalog returns every index entry carrying a ref.name annotation, i.e. the
// layout's tagged content, for enumeration by callers (and tests) without
// reaching into the index file directly.
func (s *Store) Catalog() []ocispec.Descriptor {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	var out []ocispec.Descriptor
	for _, e := range s.index.Manifests {
		if _, ok := e.Annotations[RefNameAnnotation]; ok {
			out = append(out, e)
		}
	}
	return out
}

func withAnnotation(m map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

func withoutAnnotation(m map[string]string, key string) map[string]string {
	if _, ok := m[key]; !ok {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}
