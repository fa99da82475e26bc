// Package layout implements an on-disk OCI Image Layout store: a
// content-addressable blob store with atomic finalization, resumable
// writes, integrity verification, and reference-graph garbage collection.
package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
	"github.com/defenseunicorns/koci-sub000/ocidigest"
	"github.com/defenseunicorns/koci-sub000/progress"
)

// RefNameAnnotation is the reserved annotation key carrying a blob's local
// tag.
const RefNameAnnotation = "org.opencontainers.image.ref.name"

// layoutVersion is the only imageLayoutVersion this store understands.
const layoutVersion = "1.0.0"

// marker is the LayoutMarker persisted as the file "oci-layout".
type marker struct {
	ImageLayoutVersion string `json:"imageLayoutVersion"`
}

// Store is an OCI Image Layout rooted at a directory on disk.
type Store struct {
	root        string
	blobsRoot   string
	stagingRoot string

	// Strict enables full stream-hash verification on exists(), not just a
	// size comparison.
	Strict bool

	logger *slog.Logger

	indexMu sync.RWMutex
	index   ocispec.Index

	pushLocks   keyedMutex
	removeLocks keyedMutex

	activeTransfers atomic.Int64
	activeRemovals  atomic.Int64
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger sets the Store's logger; the default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithStrictVerification enables full stream-hash verification in exists().
func WithStrictVerification() Option {
	return func(s *Store) { s.Strict = true }
}

// WithBlobsPath overrides the blobs directory, which may live on a
// different filesystem than root.
func WithBlobsPath(path string) Option {
	return func(s *Store) { s.blobsRoot = path }
}

// WithStagingPath overrides the staging directory, which may live on a
// different filesystem than root or blobsRoot.
func WithStagingPath(path string) Option {
	return func(s *Store) { s.stagingRoot = path }
}

// Create bootstraps (or opens) an OCI Image Layout rooted at root: creates
// root if missing, writes oci-layout if absent, loads or creates index.json,
// and ensures the blobs/sha256, blobs/sha512, and staging directories exist.
func Create(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:        root,
		blobsRoot:   filepath.Join(root, "blobs"),
		stagingRoot: filepath.Join(root, "staging"),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0777); err != nil {
			return nil, errdef.IOError("creating layout root", err)
		}
	case err != nil:
		return nil, errdef.IOError("statting layout root", err)
	case !info.IsDir():
		return nil, errdef.InvalidLayout(fmt.Sprintf("%s is not a directory", root))
	}

	if err := s.ensureMarker(); err != nil {
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	for _, algo := range ocidigest.Algorithms() {
		if err := os.MkdirAll(filepath.Join(s.blobsRoot, algo.String()), 0777); err != nil {
			return nil, errdef.IOError("creating blobs directory", err)
		}
	}
	if err := os.MkdirAll(s.stagingRoot, 0777); err != nil {
		return nil, errdef.IOError("creating staging directory", err)
	}
	return s, nil
}

func (s *Store) markerPath() string { return filepath.Join(s.root, "oci-layout") }
func (s *Store) indexPath() string  { return filepath.Join(s.root, "index.json") }

func (s *Store) ensureMarker() error {
	if _, err := os.Stat(s.markerPath()); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errdef.IOError("statting oci-layout", err)
	}
	data, err := json.Marshal(marker{ImageLayoutVersion: layoutVersion})
	if err != nil {
		return errdef.Generic("marshaling oci-layout", err)
	}
	if err := os.WriteFile(s.markerPath(), data, 0666); err != nil {
		return errdef.IOError("writing oci-layout", err)
	}
	return nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		s.index = ocispec.Index{
			Versioned: ocispec.Versioned{SchemaVersion: 2},
			MediaType: ocispec.MediaTypeImageIndex,
		}
		return s.saveIndexLocked()
	}
	if err != nil {
		return errdef.IOError("reading index.json", err)
	}
	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return errdef.Wrap(errdef.KindInvalidLayout, "decoding index.json", err)
	}
	s.index = idx
	return nil
}

func (s *Store) saveIndexLocked() error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return errdef.Generic("marshaling index.json", err)
	}
	if err := os.WriteFile(s.indexPath(), data, 0666); err != nil {
		return errdef.IOError("writing index.json", err)
	}
	return nil
}

// blobPath returns the final content-addressed path for d.
func (s *Store) blobPath(d godigest.Digest) string {
	return filepath.Join(s.blobsRoot, d.Algorithm().String(), d.Encoded())
}

// stagingPath returns the in-progress write path for d.
func (s *Store) stagingPath(d godigest.Digest) string {
	return filepath.Join(s.stagingRoot, d.Algorithm().String(), d.Encoded())
}

// StagingSize reports the size of any partially-written staging file for
// descriptor, so a caller (typically Repository.download) can decide
// whether to resume.
func (s *Store) StagingSize(d ocispec.Descriptor) (int64, bool) {
	info, err := os.Stat(s.stagingPath(d.Digest))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// DiscardStaging removes any partially-written staging file for descriptor,
// used before a full, non-resumed re-download.
func (s *Store) DiscardStaging(d ocispec.Descriptor) error {
	if err := os.Remove(s.stagingPath(d.Digest)); err != nil && !os.IsNotExist(err) {
		return errdef.IOError("discarding staging file", err)
	}
	return nil
}

// Exists reports whether descriptor's blob is present and well-formed on
// disk. A size mismatch is reported as an error, not merely false.
func (s *Store) Exists(d ocispec.Descriptor) (bool, error) {
	path := s.blobPath(d.Digest)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errdef.IOError("statting blob", err)
	}
	if info.Size() != d.Size {
		return false, errdef.SizeMismatch(d.Size, info.Size())
	}
	if !s.Strict {
		return true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, errdef.IOError("opening blob", err)
	}
	defer f.Close()
	got, err := ocidigest.FromReader(d.Digest.Algorithm(), f)
	if err != nil {
		return false, err
	}
	if got != d.Digest {
		return false, errdef.DigestMismatch(d.Digest.String(), got.String())
	}
	return true, nil
}

// Fetch opens descriptor's blob for reading. Callers must Close it.
func (s *Store) Fetch(d ocispec.Descriptor) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(d.Digest))
	if os.IsNotExist(err) {
		return nil, errdef.BlobNotFound(d.Digest.String())
	}
	if err != nil {
		return nil, errdef.IOError("opening blob", err)
	}
	return f, nil
}

// Push writes r's content to the blob addressed by descriptor, resuming any
// previously abandoned staging write, verifying size and digest on
// completion, and atomically finalizing into blobs/.
func (s *Store) Push(ctx context.Context, d ocispec.Descriptor, r io.Reader, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	tracker := progress.NewTracker(sink, d.Size)

	unlock := s.pushLocks.Lock(d.Digest.String())
	defer unlock()

	s.activeTransfers.Add(1)
	defer s.activeTransfers.Add(-1)

	if ok, err := s.Exists(d); err == nil && ok {
		tracker.Skip(progress.StateExists)
		return nil
	}

	if err := os.MkdirAll(filepath.Join(s.stagingRoot, d.Digest.Algorithm().String()), 0777); err != nil {
		err = errdef.IOError("creating staging directory", err)
		tracker.Fail(err)
		return err
	}
	staging := s.stagingPath(d.Digest)

	hasher, err := ocidigest.NewDigester(d.Digest.Algorithm())
	if err != nil {
		tracker.Fail(err)
		return err
	}

	var resumeOffset int64
	if info, statErr := os.Stat(staging); statErr == nil {
		if rehashErr := rehashExisting(staging, hasher); rehashErr == nil {
			resumeOffset = info.Size()
		}
	}

	if resumeOffset > 0 {
		if _, err := io.CopyN(io.Discard, r, resumeOffset); err != nil && err != io.EOF {
			err = errdef.IOError("skipping resumed bytes", err)
			tracker.Fail(err)
			return err
		}
	}

	out, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		err = errdef.IOError("opening staging file", err)
		tracker.Fail(err)
		return err
	}

	total := resumeOffset
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				werr = errdef.IOError("writing staging file", werr)
				tracker.Fail(werr)
				return werr
			}
			if _, herr := hasher.Write(buf[:n]); herr != nil {
				out.Close()
				herr = errdef.IOError("hashing staging file", herr)
				tracker.Fail(herr)
				return herr
			}
			total += int64(n)
			tracker.Update(total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			rerr = errdef.IOError("reading source stream", rerr)
			tracker.Fail(rerr)
			return rerr
		}
	}
	out.Close()

	if total != d.Size {
		os.Remove(staging)
		err := errdef.SizeMismatch(d.Size, total)
		tracker.Fail(err)
		return err
	}
	got := hasher.Digest()
	if got != d.Digest {
		os.Remove(staging)
		err := errdef.DigestMismatch(d.Digest.String(), got.String())
		tracker.Fail(err)
		return err
	}

	if err := os.MkdirAll(filepath.Join(s.blobsRoot, d.Digest.Algorithm().String()), 0777); err != nil {
		err = errdef.IOError("creating blobs directory", err)
		tracker.Fail(err)
		return err
	}
	if err := finalize(staging, s.blobPath(d.Digest)); err != nil {
		tracker.Fail(err)
		return err
	}

	if ok, err := s.Exists(d); err != nil || !ok {
		if err == nil {
			err = errdef.Generic("blob missing immediately after finalize", nil)
		}
		tracker.Fail(err)
		return err
	}

	s.logger.Debug("pushed blob", "digest", d.Digest.String(), "size", humanize.Bytes(uint64(d.Size)))
	tracker.Done()
	return nil
}

// rehashExisting streams an existing staging file's content into hasher so
// a resumed push's running digest accounts for the bytes already written.
func rehashExisting(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// finalize atomically moves src to dst, falling back to copy-then-delete on
// a cross-device rename error.
func finalize(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errdef.IOError("reopening staging file for cross-device copy", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return errdef.IOError("creating destination blob", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errdef.IOError("copying blob across devices", err)
	}
	if err := out.Close(); err != nil {
		return errdef.IOError("closing destination blob", err)
	}
	if err := os.Remove(src); err != nil {
		return errdef.IOError("removing staging file after cross-device copy", err)
	}
	return nil
}

// keyedMutex hands out per-key mutual exclusion: Lock blocks until any
// earlier caller for the same key has released it, used to single-flight
// Layout pushing/removing by descriptor.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
