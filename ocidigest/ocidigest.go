// Package ocidigest provides the "Digest & Algorithm" component of koci:
// parsing, validating, and rendering the content-hash identifiers used
// throughout the module, plus a factory for streaming hashers.
//
// Descriptor.Digest (github.com/opencontainers/image-spec) is already typed
// as github.com/opencontainers/go-digest's Digest, the de facto standard Go
// representation of an OCI digest string; this package does not reinvent
// that type, it narrows and wraps it to the two algorithms koci supports and
// translates go-digest's errors into koci's error model (errdef).
package ocidigest

import (
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	godigest "github.com/opencontainers/go-digest"

	"github.com/defenseunicorns/koci-sub000/errdef"
)

// Supported algorithms: only sha256 and sha512 are recognized, even though
// go-digest's registry knows about more.
var supported = map[godigest.Algorithm]bool{
	godigest.SHA256: true,
	godigest.SHA512: true,
}

// Algorithms returns the supported algorithms in a stable order.
func Algorithms() []godigest.Algorithm {
	algos := make([]godigest.Algorithm, 0, len(supported))
	for a := range supported {
		algos = append(algos, a)
	}
	sort.Slice(algos, func(i, j int) bool { return algos[i] < algos[j] })
	return algos
}

// Available reports whether algo is one koci understands.
func Available(algo godigest.Algorithm) bool {
	return supported[algo]
}

// Parse validates and decodes a digest string of the form "algo:hex",
// restricted to the supported algorithms. Failures are reported as an
// errdef.Error of kind KindInvalidDigest.
func Parse(s string) (godigest.Digest, error) {
	d := godigest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", errdef.Wrap(errdef.KindInvalidDigest, fmt.Sprintf("%q", s), err)
	}
	if !Available(d.Algorithm()) {
		return "", errdef.InvalidDigest(fmt.Sprintf("%q: unsupported algorithm %q", s, d.Algorithm()))
	}
	return d, nil
}

// FromBytes computes the digest of b using algo.
func FromBytes(algo godigest.Algorithm, b []byte) (godigest.Digest, error) {
	if !Available(algo) {
		return "", errdef.InvalidDigest(fmt.Sprintf("unsupported algorithm %q", algo))
	}
	return algo.FromBytes(b), nil
}

// FromReader streams r and returns its digest under algo.
func FromReader(algo godigest.Algorithm, r io.Reader) (godigest.Digest, error) {
	if !Available(algo) {
		return "", errdef.InvalidDigest(fmt.Sprintf("unsupported algorithm %q", algo))
	}
	return algo.FromReader(r)
}

// Hasher returns a new streaming hash.Hash for algo. Callers that need the
// final Digest rather than a raw sum should prefer a godigest.Digester via
// NewDigester.
func Hasher(algo godigest.Algorithm) (hash.Hash, error) {
	if !Available(algo) {
		return nil, errdef.InvalidDigest(fmt.Sprintf("unsupported algorithm %q", algo))
	}
	return algo.Hash(), nil
}

// Digester wraps a running hash for algo and yields a godigest.Digest once
// all bytes have been written, mirroring godigest.Digester.
type Digester struct {
	algo godigest.Algorithm
	hash hash.Hash
}

// NewDigester constructs a Digester for algo.
func NewDigester(algo godigest.Algorithm) (*Digester, error) {
	h, err := Hasher(algo)
	if err != nil {
		return nil, err
	}
	return &Digester{algo: algo, hash: h}, nil
}

// Write implements io.Writer.
func (d *Digester) Write(p []byte) (int, error) {
	return d.hash.Write(p)
}

// Digest returns the digest of everything written so far.
func (d *Digester) Digest() godigest.Digest {
	return godigest.NewDigestFromBytes(d.algo, d.hash.Sum(nil))
}

// BlobPath returns the path of a blob addressed by d, relative to a layout
// root: "blobs/<algo>/<hex>".
func BlobPath(d godigest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", errdef.Wrap(errdef.KindInvalidDigest, d.String(), err)
	}
	return strings.Join([]string{"blobs", d.Algorithm().String(), d.Encoded()}, "/"), nil
}
