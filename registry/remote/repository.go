package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/defenseunicorns/koci-sub000/errdef"
	"github.com/defenseunicorns/koci-sub000/ocidigest"
	"github.com/defenseunicorns/koci-sub000/transfer"
)

// rangeSupport is the process-local tri-state cache of whether a
// repository's blob endpoint honors Range requests.
type rangeSupport int

// States.
const (
	rangeUnknown rangeSupport = iota
	rangeSupported
	rangeUnsupported
)

// uploadSession is an in-memory UploadStatus for a resumable blob upload.
type uploadSession struct {
	location     string
	offset       int64
	minChunkSize int64
}

// Repository is a single named repository on a remote registry.
type Repository struct {
	Client Client
	// PlainHTTP selects "http" instead of "https".
	PlainHTTP bool
	// Host is the registry's host[:port].
	Host string
	// Name is the repository's path, e.g. "library/alpine".
	Name string
	// TagListPageSize hints at the page size for Tags (the "n" query
	// parameter). Zero means "let the server decide".
	TagListPageSize int
	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	coordinator *transfer.Coordinator

	rangeMu sync.Mutex
	rangeSt rangeSupport

	uploadMu sync.Mutex
	uploads  map[string]*uploadSession
}

// NewRepository constructs a standalone Repository not shared with a
// Registry, allocating its own Transfer Coordinator.
func NewRepository(client Client, host, name string) *Repository {
	return &Repository{
		Client:      client,
		Host:        host,
		Name:        name,
		coordinator: transfer.NewCoordinator(),
	}
}

func (r *Repository) router() router {
	return router{PlainHTTP: r.PlainHTTP, Host: r.Host}
}

func (r *Repository) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (r *Repository) client() Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *Repository) coord() *transfer.Coordinator {
	if r.coordinator == nil {
		r.coordinator = transfer.NewCoordinator()
	}
	return r.coordinator
}

func isManifestType(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageManifest || mediaType == ocispec.MediaTypeImageIndex
}

// Exists reports whether descriptor is present in this repository, via HEAD
// on the manifests or blobs endpoint.
func (r *Repository) Exists(ctx context.Context, d ocispec.Descriptor) (bool, error) {
	url := r.endpointFor(d)
	req, err := newRequest(ctx, http.MethodHead, url, repositoryScope(r.Name, scopeActionPull))
	if err != nil {
		return false, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	r.logger().Debug("exists", "digest", d.Digest, "status", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, checkStatus(resp, http.StatusOK)
	}
}

func (r *Repository) endpointFor(d ocispec.Descriptor) string {
	if isManifestType(d.MediaType) {
		return r.router().Manifest(r.Name, d.Digest.String())
	}
	return r.router().Blob(r.Name, d.Digest.String())
}

const acceptManifestTypes = ocispec.MediaTypeImageManifest + ", " + ocispec.MediaTypeImageIndex

// Resolve resolves tag to a Descriptor via HEAD on the manifests endpoint.
// When the resolved content is an index and platformResolver is non-nil,
// the first child descriptor whose platform satisfies it is returned
// instead of the index descriptor itself.
func (r *Repository) Resolve(ctx context.Context, tag string, platformResolver func(*ocispec.Platform) bool) (ocispec.Descriptor, error) {
	req, err := newRequest(ctx, http.MethodHead, r.router().Manifest(r.Name, tag), repositoryScope(r.Name, scopeActionPull))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req.Header.Set("Accept", acceptManifestTypes)

	resp, err := r.client().Do(req)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return ocispec.Descriptor{}, err
	}

	mediaType := resp.Header.Get("Content-Type")
	r.logger().Debug("resolve", "tag", tag, "mediaType", mediaType)
	switch mediaType {
	case ocispec.MediaTypeImageIndex:
		return r.resolveIndex(ctx, tag, platformResolver)
	case ocispec.MediaTypeImageManifest:
		return r.resolveByGet(ctx, tag, ocispec.MediaTypeImageManifest)
	default:
		return ocispec.Descriptor{}, errdef.UnsupportedManifest(mediaType, "Repository.Resolve")
	}
}

func (r *Repository) resolveByGet(ctx context.Context, ref, mediaType string) (ocispec.Descriptor, error) {
	req, err := newRequest(ctx, http.MethodGet, r.router().Manifest(r.Name, ref), repositoryScope(r.Name, scopeActionPull))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req.Header.Set("Accept", mediaType)

	resp, err := r.client().Do(req)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return ocispec.Descriptor{}, err
	}

	return descriptorFromBody(resp, mediaType)
}

func (r *Repository) resolveIndex(ctx context.Context, ref string, platformResolver func(*ocispec.Platform) bool) (ocispec.Descriptor, error) {
	req, err := newRequest(ctx, http.MethodGet, r.router().Manifest(r.Name, ref), repositoryScope(r.Name, scopeActionPull))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req.Header.Set("Accept", ocispec.MediaTypeImageIndex)

	resp, err := r.client().Do(req)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return ocispec.Descriptor{}, err
	}

	if platformResolver == nil {
		return descriptorFromBody(resp, ocispec.MediaTypeImageIndex)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ocispec.Descriptor{}, errdef.Wrap(errdef.KindIOError, "reading index body", err)
	}
	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return ocispec.Descriptor{}, errdef.Wrap(errdef.KindInvalidLayout, "decoding index", err)
	}
	for _, child := range idx.Manifests {
		if platformResolver(child.Platform) {
			return child, nil
		}
	}
	return ocispec.Descriptor{}, errdef.PlatformNotFound(ref)
}

// descriptorFromBody reads resp's entire body to compute a fresh Descriptor
// over it (digest and size), tagging it with mediaType.
func descriptorFromBody(resp *http.Response, mediaType string) (ocispec.Descriptor, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ocispec.Descriptor{}, errdef.Wrap(errdef.KindIOError, "reading manifest body", err)
	}
	digest, err := ocidigest.FromBytes(godigest.SHA256, data)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest,
		Size:      int64(len(data)),
	}, nil
}

// Manifest fetches and decodes a manifest descriptor's content.
func (r *Repository) Manifest(ctx context.Context, d ocispec.Descriptor) (ocispec.Manifest, error) {
	if d.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Manifest{}, errdef.UnsupportedManifest(d.MediaType, "Repository.Manifest")
	}
	var man ocispec.Manifest
	if err := r.fetchJSON(ctx, d, &man); err != nil {
		return ocispec.Manifest{}, err
	}
	return man, nil
}

// Index fetches and decodes an index descriptor's content.
func (r *Repository) Index(ctx context.Context, d ocispec.Descriptor) (ocispec.Index, error) {
	if d.MediaType != ocispec.MediaTypeImageIndex {
		return ocispec.Index{}, errdef.UnsupportedManifest(d.MediaType, "Repository.Index")
	}
	var idx ocispec.Index
	if err := r.fetchJSON(ctx, d, &idx); err != nil {
		return ocispec.Index{}, err
	}
	return idx, nil
}

func (r *Repository) fetchJSON(ctx context.Context, d ocispec.Descriptor, v any) error {
	rc, err := r.fetchBody(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}

// fetchBody issues the GET for descriptor's content (manifest endpoint for
// manifest/index media types, blob endpoint otherwise) with the pull scope
// and returns its body for the caller to read and close.
func (r *Repository) fetchBody(ctx context.Context, d ocispec.Descriptor) (io.ReadCloser, error) {
	req, err := newRequest(ctx, http.MethodGet, r.endpointFor(d), repositoryScope(r.Name, scopeActionPull))
	if err != nil {
		return nil, err
	}
	if isManifestType(d.MediaType) {
		req.Header.Set("Accept", d.MediaType)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// tagsResponse is the JSON body of GET /v2/<name>/tags/list.
type tagsResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Tags returns the tags from a single GET of this repository's tags list;
// a Link header pointing at further pages is not followed.
func (r *Repository) Tags(ctx context.Context) ([]string, error) {
	req, err := newRequest(ctx, http.MethodGet, r.router().Tags(r.Name, r.TagListPageSize, ""), repositoryScope(r.Name, scopeActionPull))
	if err != nil {
		return nil, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var body tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errdef.Wrap(errdef.KindIOError, "decoding tags response", err)
	}
	return body.Tags, nil
}

// probeRangeSupport issues a HEAD on a blob endpoint (if not already known)
// and caches whether the server advertises Accept-Ranges: bytes.
func (r *Repository) probeRangeSupport(ctx context.Context, d ocispec.Descriptor) bool {
	r.rangeMu.Lock()
	if r.rangeSt != rangeUnknown {
		defer r.rangeMu.Unlock()
		return r.rangeSt == rangeSupported
	}
	r.rangeMu.Unlock()

	req, err := newRequest(ctx, http.MethodHead, r.router().Blob(r.Name, d.Digest.String()), repositoryScope(r.Name, scopeActionPull))
	supported := false
	if err == nil {
		if resp, err := r.client().Do(req); err == nil {
			supported = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
			resp.Body.Close()
		}
	}

	r.rangeMu.Lock()
	if r.rangeSt == rangeUnknown {
		if supported {
			r.rangeSt = rangeSupported
		} else {
			r.rangeSt = rangeUnsupported
		}
	}
	supported = r.rangeSt == rangeSupported
	r.rangeMu.Unlock()
	if !supported {
		r.logger().Warn("registry does not advertise Accept-Ranges, resumption disabled", "repository", r.Name)
	}
	return supported
}

