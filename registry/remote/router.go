// Package remote implements the Repository engine and Registry façade: the
// HTTP-facing half of koci.
package remote

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// router builds the OCI Distribution Specification v2 endpoint URLs rooted
// at a registry host.
type router struct {
	// PlainHTTP selects "http" instead of "https" for every built URL.
	PlainHTTP bool
	Host      string
}

func (r router) scheme() string {
	if r.PlainHTTP {
		return "http"
	}
	return "https"
}

func (r router) base() string {
	return fmt.Sprintf("%s://%s/v2/", r.scheme(), r.Host)
}

// Base returns "<scheme>://<host>/v2/".
func (r router) Base() string {
	return r.base()
}

// Catalog returns "/v2/_catalog", optionally paged with n and last.
func (r router) Catalog(n int, last string) string {
	u := r.base() + "_catalog"
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	if last != "" {
		q.Set("last", last)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Tags returns "/v2/<repo>/tags/list", optionally paged with n and last.
func (r router) Tags(repo string, n int, last string) string {
	u := fmt.Sprintf("%s%s/tags/list", r.base(), repo)
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	if last != "" {
		q.Set("last", last)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Manifest returns "/v2/<repo>/manifests/<ref>".
func (r router) Manifest(repo, ref string) string {
	return fmt.Sprintf("%s%s/manifests/%s", r.base(), repo, encodeRef(ref))
}

// Blob returns "/v2/<repo>/blobs/<digest>".
func (r router) Blob(repo, digest string) string {
	return fmt.Sprintf("%s%s/blobs/%s", r.base(), repo, digest)
}

// Uploads returns "/v2/<repo>/blobs/uploads/".
func (r router) Uploads(repo string) string {
	return fmt.Sprintf("%s%s/blobs/uploads/", r.base(), repo)
}

// Mount returns "/v2/<repo>/blobs/uploads/?mount=<digest>&from=<srcRepo>".
func (r router) Mount(repo, digest, fromRepo string) string {
	q := url.Values{}
	q.Set("mount", digest)
	q.Set("from", fromRepo)
	return r.Uploads(repo) + "?" + q.Encode()
}

// ParseUploadLocation resolves a Location response header against the
// endpoint the request was sent to: absolute locations are used as-is;
// relative locations are joined against the request URL, keeping only the
// encoded path and query the server returned.
func ParseUploadLocation(requestURL, location string) (string, error) {
	base, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parsing request URL: %w", err)
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing Location header %q: %w", location, err)
	}
	resolved := base.ResolveReference(loc)
	return resolved.String(), nil
}

// encodeRef is a small helper used by callers that need to percent-encode
// a reference (tag or digest) before inserting it into a manifest URL; tags
// and digests both match a restricted grammar so encoding is rarely
// necessary, but this keeps behavior correct for the unusual case.
func encodeRef(ref string) string {
	if !strings.ContainsAny(ref, " \t\n") {
		return ref
	}
	return url.PathEscape(ref)
}
