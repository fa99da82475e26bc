package remote

import (
	"bytes"
	"context"
	"net/http"
	"regexp"

	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
	"github.com/defenseunicorns/koci-sub000/ocidigest"
)

var tagRegexp = regexp.MustCompile(`^\w[\w.-]{0,127}$`)

// Tag uploads body (already serialized, described by mediaType) to ref and,
// on 201 Created, returns a Descriptor computed locally from body (sha256
// digest and size). The response's headers are not read.
func (r *Repository) Tag(ctx context.Context, ref string, mediaType string, body []byte) (ocispec.Descriptor, error) {
	if !tagRegexp.MatchString(ref) {
		return ocispec.Descriptor{}, errdef.InvalidTag(ref, "does not match the tag grammar")
	}
	if mediaType == "" {
		mediaType = ocispec.MediaTypeImageManifest
	}

	digest, err := ocidigest.FromBytes(godigest.SHA256, body)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	url := r.router().Manifest(r.Name, ref)
	req, err := newRequestBody(ctx, http.MethodPut, url, bytes.NewReader(body), repositoryScope(r.Name, scopeActionPull, scopeActionPush))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", mediaType)

	resp, err := r.client().Do(req)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return ocispec.Descriptor{}, err
	}

	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest,
		Size:      int64(len(body)),
	}, nil
}
