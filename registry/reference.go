// Package registry provides the Reference type shared by the Layout store,
// the Repository engine, and the Registry façade.
package registry

import (
	"regexp"
	"strings"

	godigest "github.com/opencontainers/go-digest"

	"github.com/defenseunicorns/koci-sub000/errdef"
)

// Reference grammar.
var (
	registryRegexp   = regexp.MustCompile(`^(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])(?:\.(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]))*(?::[0-9]+)?$`)
	repositoryRegexp = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-*)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|-*)[a-z0-9]+)*)*$`)
	tagRegexp        = regexp.MustCompile(`^\w[\w.-]{0,127}$`)
)

// Reference is a parsed "registry[/repository][:tag|@digest]" string.
type Reference struct {
	Registry   string
	Repository string
	Reference  string
}

// Parse decodes raw following the form-B-drops-tag rule:
//   - registry = s.before('/'); rest = s.after('/').
//   - if rest contains '@': reference = rest.after('@'); repository =
//     rest.before('@').before(':') (the tag, if any, is dropped).
//   - else if rest contains ':': split on the first ':' into
//     (repository, tag).
//   - else: repository = rest, reference = "".
func Parse(raw string) (Reference, error) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) == 1 {
		return Reference{}, errdef.InvalidRepository(raw, "missing '/' separating registry from repository")
	}
	reg, rest := parts[0], parts[1]

	var repository, reference string
	if i := strings.IndexByte(rest, '@'); i != -1 {
		repository = rest[:i]
		reference = rest[i+1:]
		if j := strings.IndexByte(repository, ':'); j != -1 {
			repository = repository[:j]
		}
	} else if i := strings.IndexByte(rest, ':'); i != -1 {
		repository = rest[:i]
		reference = rest[i+1:]
	} else {
		repository = rest
	}

	r := Reference{Registry: reg, Repository: repository, Reference: reference}
	if err := r.Validate(); err != nil {
		return Reference{}, err
	}
	return r, nil
}

// Validate checks each component against its grammar.
func (r Reference) Validate() error {
	if !registryRegexp.MatchString(r.Registry) {
		return errdef.InvalidRegistry(r.Registry, "does not match host[:port] grammar")
	}
	if !repositoryRegexp.MatchString(r.Repository) {
		return errdef.InvalidRepository(r.Repository, "does not match repository grammar")
	}
	if r.Reference == "" {
		return nil
	}
	if _, err := r.Digest(); err == nil {
		return nil
	}
	if !tagRegexp.MatchString(r.Reference) {
		return errdef.InvalidTag(r.Reference, "not a valid tag or digest")
	}
	return nil
}

// Digest parses Reference as a digest, failing if it is not one.
func (r Reference) Digest() (godigest.Digest, error) {
	d := godigest.Digest(r.Reference)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// IsDigest reports whether Reference is a (syntactically valid) digest.
func (r Reference) IsDigest() bool {
	_, err := r.Digest()
	return err == nil
}

// String renders the canonical form: "reg/repo@digest" | "reg/repo:tag" |
// "reg/repo".
func (r Reference) String() string {
	base := r.Registry + "/" + r.Repository
	switch {
	case r.Reference == "":
		return base
	case r.IsDigest():
		return base + "@" + r.Reference
	default:
		return base + ":" + r.Reference
	}
}
