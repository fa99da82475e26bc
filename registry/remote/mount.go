package remote

import (
	"context"
	"net/http"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
)

// Mount cross-repository mounts descriptor from sourceRepository into this
// repository without re-uploading its content. Returns true if the registry
// completed the mount (201); false if it fell back to a normal upload
// session, which the caller must finish via Push (the returned session is
// remembered under descriptor's digest).
func (r *Repository) Mount(ctx context.Context, descriptor ocispec.Descriptor, sourceRepository string) (bool, error) {
	if isManifestType(descriptor.MediaType) {
		return false, errdef.Generic("cannot mount a manifest or index", nil)
	}
	if ok, err := r.Exists(ctx, descriptor); err == nil && ok {
		return true, nil
	}
	if _, ok := r.existingUpload(descriptor); ok {
		return false, nil
	}

	url := r.router().Mount(r.Name, descriptor.Digest.String(), sourceRepository)
	scopes := []string{
		repositoryScope(r.Name, scopeActionPull, scopeActionPush),
		repositoryScope(sourceRepository, scopeActionPull),
	}
	req, err := newRequest(ctx, http.MethodPost, url, scopes...)
	if err != nil {
		return false, err
	}
	req.ContentLength = 0

	resp, err := r.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		if resp.Header.Get("Location") == "" {
			return false, errdef.Generic("mount response missing Location header", nil)
		}
		return true, nil
	case http.StatusAccepted:
		location, err := ParseUploadLocation(url, resp.Header.Get("Location"))
		if err != nil {
			return false, err
		}
		r.rememberUpload(descriptor, &uploadSession{
			location:     location,
			offset:       rangeEndOffset(resp.Header.Get("Range")),
			minChunkSize: chunkMinLength(resp.Header.Get("OCI-Chunk-Min-Length")),
		})
		return false, nil
	default:
		return false, checkStatus(resp, http.StatusCreated)
	}
}
