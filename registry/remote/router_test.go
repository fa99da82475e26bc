package remote

import "testing"

func TestRouterBase(t *testing.T) {
	r := router{Host: "example.com"}
	if got, want := r.Base(), "https://example.com/v2/"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	r.PlainHTTP = true
	if got, want := r.Base(), "http://example.com/v2/"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRouterManifestAndBlob(t *testing.T) {
	r := router{Host: "example.com"}
	if got, want := r.Manifest("foo/bar", "v1"), "https://example.com/v2/foo/bar/manifests/v1"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := r.Blob("foo/bar", "sha256:abc"), "https://example.com/v2/foo/bar/blobs/sha256:abc"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRouterCatalogPaging(t *testing.T) {
	r := router{Host: "example.com"}
	got := r.Catalog(10, "last-repo")
	want := "https://example.com/v2/_catalog?last=last-repo&n=10"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRouterMount(t *testing.T) {
	r := router{Host: "example.com"}
	got := r.Mount("dest", "sha256:abc", "src")
	want := "https://example.com/v2/dest/blobs/uploads/?from=src&mount=sha256%3Aabc"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseUploadLocationRelative(t *testing.T) {
	resolved, err := ParseUploadLocation("https://example.com/v2/foo/blobs/uploads/", "/v2/foo/blobs/uploads/abc?_state=xyz")
	if err != nil {
		t.Fatalf("ParseUploadLocation: %v", err)
	}
	want := "https://example.com/v2/foo/blobs/uploads/abc?_state=xyz"
	if resolved != want {
		t.Fatalf("got %q, want %q", resolved, want)
	}
}

func TestParseUploadLocationAbsolute(t *testing.T) {
	resolved, err := ParseUploadLocation("https://example.com/v2/foo/blobs/uploads/", "https://other.example.com/upload/abc")
	if err != nil {
		t.Fatalf("ParseUploadLocation: %v", err)
	}
	want := "https://other.example.com/upload/abc"
	if resolved != want {
		t.Fatalf("got %q, want %q", resolved, want)
	}
}
