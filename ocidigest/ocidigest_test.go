package ocidigest

import (
	"strings"
	"testing"

	godigest "github.com/opencontainers/go-digest"
)

func TestParseRejectsUnsupportedAlgorithm(t *testing.T) {
	d := godigest.FromString("hello")
	sha1ish := "sha1:" + d.Encoded()
	if _, err := Parse(sha1ish); err == nil {
		t.Fatalf("expected Parse to reject sha1")
	}
}

func TestParseAcceptsSHA256(t *testing.T) {
	d := godigest.SHA256.FromString("hello")
	got, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != d {
		t.Fatalf("expected %s, got %s", d, got)
	}
}

func TestFromBytesAndFromReaderAgree(t *testing.T) {
	data := []byte("the quick brown fox")
	byBytes, err := FromBytes(godigest.SHA256, data)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	byReader, err := FromReader(godigest.SHA256, strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	if byBytes != byReader {
		t.Fatalf("expected matching digests, got %s vs %s", byBytes, byReader)
	}
}

func TestDigesterMatchesFromBytes(t *testing.T) {
	data := []byte("streamed content")
	want, err := FromBytes(godigest.SHA512, data)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	dg, err := NewDigester(godigest.SHA512)
	if err != nil {
		t.Fatalf("NewDigester: %v", err)
	}
	if _, err := dg.Write(data[:5]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := dg.Write(data[5:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := dg.Digest(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBlobPath(t *testing.T) {
	d := godigest.SHA256.FromString("x")
	path, err := BlobPath(d)
	if err != nil {
		t.Fatalf("BlobPath: %v", err)
	}
	want := "blobs/sha256/" + d.Encoded()
	if path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
}

func TestAlgorithmsStableOrder(t *testing.T) {
	a := Algorithms()
	b := Algorithms()
	if len(a) != len(b) {
		t.Fatalf("expected stable length")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected stable order at index %d", i)
		}
	}
}
