package layout

import (
	"bytes"
	"context"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/registry"
)

func pushManifest(t *testing.T, s *Store, body []byte) ocispec.Descriptor {
	t.Helper()
	desc := blobDescriptor(t, body)
	desc.MediaType = ocispec.MediaTypeImageManifest
	if err := s.Push(context.Background(), desc, bytes.NewReader(body), nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	return desc
}

func mustParseRef(t *testing.T, raw string) registry.Reference {
	t.Helper()
	ref, err := registry.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return ref
}

func TestTagThenResolveReference(t *testing.T) {
	s := newTestStore(t)
	desc := pushManifest(t, s, []byte(`{"schemaVersion":2,"a":1}`))
	ref := mustParseRef(t, "example.com/repo:v1")

	if err := s.Tag(desc, ref); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	got, err := s.ResolveReference(ref, nil)
	if err != nil {
		t.Fatalf("ResolveReference: %v", err)
	}
	if got.Digest != desc.Digest {
		t.Fatalf("expected digest %s, got %s", desc.Digest, got.Digest)
	}
}

func TestTagRetaggingMovesReference(t *testing.T) {
	s := newTestStore(t)
	first := pushManifest(t, s, []byte(`{"schemaVersion":2,"a":1}`))
	second := pushManifest(t, s, []byte(`{"schemaVersion":2,"a":2}`))
	ref := mustParseRef(t, "example.com/repo:latest")

	if err := s.Tag(first, ref); err != nil {
		t.Fatalf("Tag first: %v", err)
	}
	if err := s.Tag(second, ref); err != nil {
		t.Fatalf("Tag second: %v", err)
	}

	got, err := s.ResolveReference(ref, nil)
	if err != nil {
		t.Fatalf("ResolveReference: %v", err)
	}
	if got.Digest != second.Digest {
		t.Fatalf("expected the tag to now point at the second descriptor, got %s", got.Digest)
	}

	catalog := s.Catalog()
	count := 0
	for _, e := range catalog {
		if e.Annotations[RefNameAnnotation] == ref.String() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry carrying the ref.name annotation, got %d", count)
	}
}

func TestTagIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	desc := pushManifest(t, s, []byte(`{"schemaVersion":2,"a":1}`))
	ref := mustParseRef(t, "example.com/repo:v1")

	if err := s.Tag(desc, ref); err != nil {
		t.Fatalf("first Tag: %v", err)
	}
	if err := s.Tag(desc, ref); err != nil {
		t.Fatalf("second Tag: %v", err)
	}
	if len(s.Catalog()) != 1 {
		t.Fatalf("expected one catalog entry after tagging the same pair twice, got %d", len(s.Catalog()))
	}
}

func TestTagRejectsNonManifestMediaType(t *testing.T) {
	s := newTestStore(t)
	desc := blobDescriptor(t, []byte("just a blob"))
	ref := mustParseRef(t, "example.com/repo:v1")
	if err := s.Tag(desc, ref); err == nil {
		t.Fatalf("expected Tag to reject a non-manifest, non-index media type")
	}
}

func TestTagDigestReferenceWritesNoAnnotation(t *testing.T) {
	s := newTestStore(t)
	desc := pushManifest(t, s, []byte(`{"schemaVersion":2,"a":1}`))
	ref := mustParseRef(t, "example.com/repo@"+desc.Digest.String())

	if err := s.Tag(desc, ref); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	for _, e := range s.Catalog() {
		if e.Digest == desc.Digest {
			t.Fatalf("expected digest-addressed tagging to not add a ref.name annotation")
		}
	}
}

func TestCatalogEmptyByDefault(t *testing.T) {
	s := newTestStore(t)
	if got := s.Catalog(); len(got) != 0 {
		t.Fatalf("expected an empty catalog on a fresh store, got %v", got)
	}
}

func TestResolveReportsNotFound(t *testing.T) {
	s := newTestStore(t)
	ref := mustParseRef(t, "example.com/repo:missing")
	if _, err := s.ResolveReference(ref, nil); err == nil {
		t.Fatalf("expected an error resolving a reference that was never tagged")
	}
}
