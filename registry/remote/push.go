package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
	"github.com/defenseunicorns/koci-sub000/progress"
)

// defaultMinChunkSize is the floor applied to OCI-Chunk-Min-Length: used
// when the server doesn't advertise one, and enforced even when the server
// advertises something smaller.
const defaultMinChunkSize = 5 * 1024 * 1024

// Push uploads content (exactly desc.Size bytes, matching desc.Digest) to
// this repository, resuming a prior session when one is tracked in memory.
func (r *Repository) Push(ctx context.Context, desc ocispec.Descriptor, content io.ReadSeeker, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	tracker := progress.NewTracker(sink, desc.Size)

	if ok, err := r.Exists(ctx, desc); err == nil && ok {
		tracker.Skip(progress.StateExists)
		r.logger().Debug("push skipped, already exists", "digest", desc.Digest)
		return nil
	}

	session, err := r.resumeOrStartUpload(ctx, desc)
	if err != nil {
		tracker.Fail(err)
		return err
	}

	if _, err := content.Seek(session.offset, io.SeekStart); err != nil {
		err = errdef.Wrap(errdef.KindIOError, "seeking to resume offset", err)
		tracker.Fail(err)
		return err
	}

	bytesLeft := desc.Size - session.offset
	scope := repositoryScope(r.Name, scopeActionPull, scopeActionPush)

	if bytesLeft <= session.minChunkSize {
		if err := r.putMonolithic(ctx, session.location, desc, content, bytesLeft, scope); err != nil {
			tracker.Fail(err)
			return err
		}
		tracker.Done()
		r.forgetUpload(desc)
		r.logger().Info("push complete", "repository", r.Name, "digest", desc.Digest, "size", humanize.Bytes(uint64(desc.Size)))
		return nil
	}

	if err := r.patchChunks(ctx, desc, session, content, scope, tracker); err != nil {
		tracker.Fail(err)
		return err
	}
	tracker.Done()
	r.forgetUpload(desc)
	r.logger().Info("push complete", "repository", r.Name, "digest", desc.Digest, "size", humanize.Bytes(uint64(desc.Size)))
	return nil
}

func (r *Repository) uploadSessionKey(d ocispec.Descriptor) string { return d.Digest.String() }

func (r *Repository) rememberUpload(d ocispec.Descriptor, s *uploadSession) {
	r.uploadMu.Lock()
	defer r.uploadMu.Unlock()
	if r.uploads == nil {
		r.uploads = make(map[string]*uploadSession)
	}
	r.uploads[r.uploadSessionKey(d)] = s
}

func (r *Repository) forgetUpload(d ocispec.Descriptor) {
	r.uploadMu.Lock()
	defer r.uploadMu.Unlock()
	delete(r.uploads, r.uploadSessionKey(d))
}

func (r *Repository) existingUpload(d ocispec.Descriptor) (*uploadSession, bool) {
	r.uploadMu.Lock()
	defer r.uploadMu.Unlock()
	s, ok := r.uploads[r.uploadSessionKey(d)]
	return s, ok
}

// resumeOrStartUpload confirms a previously tracked upload session, or
// starts a fresh one.
func (r *Repository) resumeOrStartUpload(ctx context.Context, d ocispec.Descriptor) (*uploadSession, error) {
	if session, ok := r.existingUpload(d); ok && session.offset > 0 {
		confirmed, err := r.confirmUpload(ctx, session)
		if err == nil {
			return confirmed, nil
		}
		r.forgetUpload(d)
	}
	return r.startUpload(ctx, d)
}

func (r *Repository) startUpload(ctx context.Context, d ocispec.Descriptor) (*uploadSession, error) {
	uploadURL := r.router().Uploads(r.Name)
	req, err := newRequest(ctx, http.MethodPost, uploadURL, repositoryScope(r.Name, scopeActionPull, scopeActionPush))
	if err != nil {
		return nil, err
	}
	req.ContentLength = 0

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusAccepted); err != nil {
		return nil, err
	}

	location, err := ParseUploadLocation(uploadURL, resp.Header.Get("Location"))
	if err != nil {
		return nil, err
	}
	session := &uploadSession{
		location:     location,
		offset:       rangeEndOffset(resp.Header.Get("Range")),
		minChunkSize: chunkMinLength(resp.Header.Get("OCI-Chunk-Min-Length")),
	}
	r.rememberUpload(d, session)
	return session, nil
}

// confirmUpload re-checks a tracked session's location, adopting the
// server-reported offset on 204 or restarting the session on 404.
func (r *Repository) confirmUpload(ctx context.Context, session *uploadSession) (*uploadSession, error) {
	req, err := newRequest(ctx, http.MethodGet, session.location, repositoryScope(r.Name, scopeActionPull, scopeActionPush))
	if err != nil {
		return nil, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return &uploadSession{
			location:     session.location,
			offset:       rangeEndOffset(resp.Header.Get("Range")),
			minChunkSize: session.minChunkSize,
		}, nil
	case http.StatusNotFound:
		return nil, errdef.UnexpectedStatus(http.StatusNoContent, http.StatusNotFound)
	default:
		return nil, checkStatus(resp, http.StatusNoContent)
	}
}

func (r *Repository) putMonolithic(ctx context.Context, location string, desc ocispec.Descriptor, content io.Reader, length int64, scope string) error {
	finalURL := appendDigestQuery(location, desc.Digest.String())
	req, err := newRequestBody(ctx, http.MethodPut, finalURL, io.LimitReader(content, length), scope)
	if err != nil {
		return err
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusCreated)
}

// patchChunks runs the sequential chunked-upload PATCH loop, finishing
// with a bodyless PUT, updating tracker after each accepted chunk.
func (r *Repository) patchChunks(ctx context.Context, desc ocispec.Descriptor, session *uploadSession, content io.Reader, scope string, tracker *progress.Tracker) error {
	offset := session.offset
	location := session.location
	buf := make([]byte, session.minChunkSize)

	for offset < desc.Size {
		n, err := io.ReadFull(content, buf)
		if err == io.ErrUnexpectedEOF {
			err = nil
		}
		if err != nil && err != io.EOF {
			return errdef.Wrap(errdef.KindIOError, "reading upload content", err)
		}
		if n == 0 {
			break
		}

		end := offset + int64(n) - 1
		req, rerr := newRequestBody(ctx, http.MethodPatch, location, bytes.NewReader(buf[:n]), scope)
		if rerr != nil {
			return rerr
		}
		req.ContentLength = int64(n)
		req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, end))
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, derr := r.client().Do(req)
		if derr != nil {
			return derr
		}
		if serr := checkStatus(resp, http.StatusAccepted); serr != nil {
			resp.Body.Close()
			return serr
		}
		newLocation, lerr := ParseUploadLocation(location, resp.Header.Get("Location"))
		resp.Body.Close()
		if lerr == nil && newLocation != "" {
			location = newLocation
		}

		offset = end + 1
		tracker.Update(offset)
		session.offset = offset
		session.location = location
	}

	finalURL := appendDigestQuery(location, desc.Digest.String())
	req, err := newRequest(ctx, http.MethodPut, finalURL, scope)
	if err != nil {
		return err
	}
	req.ContentLength = 0
	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusCreated)
}

func appendDigestQuery(location, digest string) string {
	sep := "?"
	if strings.Contains(location, "?") {
		sep = "&"
	}
	return location + sep + "digest=" + digest
}

// rangeEndOffset parses a "0-N" Range/Content-Range-style header into the
// byte count already accepted (N+1): the server-reported offset is treated
// as a byte count, so a resumed upload skips(offset) rather than offset+1.
func rangeEndOffset(header string) int64 {
	if header == "" {
		return 0
	}
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0
	}
	end, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0
	}
	return end + 1
}

func chunkMinLength(header string) int64 {
	if header == "" {
		return defaultMinChunkSize
	}
	n, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil || n <= 0 {
		return defaultMinChunkSize
	}
	if n < defaultMinChunkSize {
		return defaultMinChunkSize
	}
	return n
}
