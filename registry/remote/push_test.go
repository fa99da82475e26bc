package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeUploadServer models a minimal distribution-spec upload session: one
// POST to start, then either a single PUT or a PATCH+PUT sequence.
type fakeUploadServer struct {
	mu       sync.Mutex
	received []byte
	finished bool
	chunked  bool
}

func (s *fakeUploadServer) handler(t *testing.T, digest ocispec.Descriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/v2/library/test/manifests/"+digest.Digest.String():
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodHead && r.URL.Path == "/v2/library/test/blobs/"+digest.Digest.String():
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/v2/library/test/blobs/uploads/":
			w.Header().Set("Location", "/v2/library/test/blobs/uploads/session1")
			if s.chunked {
				w.Header().Set("OCI-Chunk-Min-Length", "1")
			}
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch && r.URL.Path == "/v2/library/test/blobs/uploads/session1":
			s.mu.Lock()
			s.received = append(s.received, mustReadAll(t, r)...)
			s.mu.Unlock()
			w.Header().Set("Location", "/v2/library/test/blobs/uploads/session1")
			w.Header().Set("Range", fmt.Sprintf("0-%d", len(s.received)-1))
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut && r.URL.Path == "/v2/library/test/blobs/uploads/session1":
			if !s.chunked {
				s.mu.Lock()
				s.received = append(s.received, mustReadAll(t, r)...)
				s.mu.Unlock()
			}
			s.mu.Lock()
			s.finished = true
			s.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func mustReadAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		t.Fatalf("reading request body: %v", err)
	}
	return buf.Bytes()
}

func TestPushMonolithic(t *testing.T) {
	content := []byte("small enough for one PUT")
	fx := newFixture(t, "application/octet-stream", content)

	srv := &fakeUploadServer{}
	repo, server := newTestRepository(t, srv.handler(t, fx.desc))
	defer server.Close()

	if err := repo.Push(context.Background(), fx.desc, bytes.NewReader(content), nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !srv.finished {
		t.Fatalf("expected the upload to finish")
	}
	if string(srv.received) != string(content) {
		t.Fatalf("expected server to receive %q, got %q", content, srv.received)
	}
}

func TestPushChunked(t *testing.T) {
	// Exceed the 5 MiB chunk-size floor so Push takes the PATCH-loop path
	// instead of a single monolithic PUT.
	content := bytes.Repeat([]byte("x"), defaultMinChunkSize+10)
	fx := newFixture(t, "application/octet-stream", content)

	srv := &fakeUploadServer{chunked: true}
	repo, server := newTestRepository(t, srv.handler(t, fx.desc))
	defer server.Close()

	if err := repo.Push(context.Background(), fx.desc, bytes.NewReader(content), nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !srv.finished {
		t.Fatalf("expected the upload to finish")
	}
	if string(srv.received) != string(content) {
		t.Fatalf("expected server to receive %q, got %q", content, srv.received)
	}
}

func TestPushSkipsExistingContent(t *testing.T) {
	content := []byte("already uploaded")
	fx := newFixture(t, "application/octet-stream", content)

	var postCalled bool
	repo, server := newTestRepository(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/v2/library/test/blobs/"+fx.desc.Digest.String() {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method == http.MethodPost {
			postCalled = true
		}
		w.WriteHeader(http.StatusNotFound)
	})
	defer server.Close()

	if err := repo.Push(context.Background(), fx.desc, bytes.NewReader(content), nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if postCalled {
		t.Fatalf("expected Push to skip starting an upload when content already exists")
	}
}
