package registry

import (
	"strings"
	"testing"
)

func TestParseTagForm(t *testing.T) {
	ref, err := Parse("example.com/foo/bar:v1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Registry != "example.com" || ref.Repository != "foo/bar" || ref.Reference != "v1" {
		t.Fatalf("unexpected parse result: %+v", ref)
	}
}

func TestParseDigestForm(t *testing.T) {
	digest := "sha256:" + strings.Repeat("0", 64)
	ref, err := Parse("example.com/foo/bar@" + digest)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Reference != digest {
		t.Fatalf("expected reference %s, got %s", digest, ref.Reference)
	}
	if !ref.IsDigest() {
		t.Fatalf("expected IsDigest true")
	}
}

func TestParseDigestFormDropsTag(t *testing.T) {
	digest := "sha256:" + strings.Repeat("1", 64)
	ref, err := Parse("example.com/foo/bar:ignored@" + digest)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Repository != "foo/bar" {
		t.Fatalf("expected tag to be dropped from repository, got %q", ref.Repository)
	}
	if ref.Reference != digest {
		t.Fatalf("expected digest reference, got %q", ref.Reference)
	}
}

func TestParseRepositoryOnly(t *testing.T) {
	ref, err := Parse("example.com/foo/bar")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Reference != "" {
		t.Fatalf("expected empty reference, got %q", ref.Reference)
	}
}

func TestParseRejectsMissingSlash(t *testing.T) {
	if _, err := Parse("just-a-name"); err == nil {
		t.Fatalf("expected error for missing '/' separator")
	}
}

func TestParseRejectsInvalidTag(t *testing.T) {
	if _, err := Parse("example.com/foo/bar:has a space"); err == nil {
		t.Fatalf("expected error for invalid tag")
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"example.com/foo/bar:v1",
		"example.com/foo/bar",
	} {
		ref, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if ref.String() != raw {
			t.Fatalf("expected String() %q, got %q", raw, ref.String())
		}
	}
}
