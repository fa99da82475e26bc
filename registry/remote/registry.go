package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/defenseunicorns/koci-sub000/transfer"
)

// Registry is the root of a remote OCI Distribution Specification registry.
type Registry struct {
	Client Client
	// PlainHTTP selects "http" instead of "https".
	PlainHTTP bool
	// Host is the registry's host[:port].
	Host string
	// CatalogPageSize hints at the page size for Catalog/List requests
	// (the "n" query parameter). Zero means "let the server decide".
	CatalogPageSize int
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
	// Coordinator deduplicates concurrent transfers across every
	// Repository this Registry hands out. A nil Coordinator is allocated
	// lazily by Repo.
	Coordinator *transfer.Coordinator
}

func (r *Registry) router() router {
	return router{PlainHTTP: r.PlainHTTP, Host: r.Host}
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (r *Registry) client() Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// Ping issues GET /v2/ and reports whether the registry is alive and
// distribution-spec compliant. An authless 200 and a 401 (still requiring
// auth, but confirming the endpoint exists) both count as alive; any other
// status is an error.
func (r *Registry) Ping(ctx context.Context) error {
	req, err := newRequest(ctx, http.MethodGet, r.router().Base())
	if err != nil {
		return err
	}
	r.logger().Debug("ping", "host", r.Host)
	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized:
		return nil
	default:
		return checkStatus(resp, http.StatusOK)
	}
}

// catalogResponse is the JSON body of GET /v2/_catalog.
type catalogResponse struct {
	Repositories []string `json:"repositories"`
}

// Catalog fetches one page of repository names starting after last (empty
// for the first page), honoring n as a hint. It returns the page and the
// URL to request the next page (empty when there is none), following
// Link: <url>; rel="next".
func (r *Registry) Catalog(ctx context.Context, n int, last string) (repos []string, next string, err error) {
	req, err := newRequest(ctx, http.MethodGet, r.router().Catalog(n, last))
	if err != nil {
		return nil, "", err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, "", err
	}

	var body catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", err
	}
	next = parseNextLink(resp.Header.Get("Link"))
	return body.Repositories, next, nil
}

// parseNextLink extracts the rel="next" URL from a Link response header.
func parseNextLink(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		lt := strings.IndexByte(part, '<')
		gt := strings.IndexByte(part, '>')
		if lt < 0 || gt < 0 || gt < lt {
			continue
		}
		if !strings.Contains(part[gt:], `rel="next"`) {
			continue
		}
		return part[lt+1 : gt]
	}
	return ""
}

// CatalogAll walks every page of the repository catalog, calling fn with
// each page in turn. fn returning an error stops iteration and is returned
// as-is.
func (r *Registry) CatalogAll(ctx context.Context, fn func(repos []string) error) error {
	last := ""
	pages := 0
	for {
		repos, next, err := r.Catalog(ctx, r.CatalogPageSize, last)
		if err != nil {
			return err
		}
		pages++
		r.logger().Debug("catalog page", "page", pages, "repos", len(repos))
		if err := fn(repos); err != nil {
			return err
		}
		if next == "" {
			r.logger().Info("catalog complete", "pages", pages)
			return nil
		}
		last, err = lastFromNextURL(next)
		if err != nil {
			return err
		}
	}
}

func lastFromNextURL(next string) (string, error) {
	u, err := url.Parse(next)
	if err != nil {
		return "", err
	}
	return u.Query().Get("last"), nil
}

// List flattens the repository catalog over each repository's tags,
// returning up to n "repo:tag" references.
func (r *Registry) List(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 1000
	}
	var out []string
	err := r.CatalogAll(ctx, func(repos []string) error {
		for _, name := range repos {
			repo := r.Repo(name)
			tags, err := repo.Tags(ctx)
			if err != nil {
				return err
			}
			for _, tag := range tags {
				out = append(out, name+":"+tag)
				if len(out) >= n {
					return errStopIteration
				}
			}
		}
		return nil
	})
	if err == errStopIteration {
		err = nil
	}
	return out, err
}

var errStopIteration = stopIteration{}

type stopIteration struct{}

func (stopIteration) Error() string { return "stop iteration" }

// Repo returns a Repository bound to name on this registry, sharing this
// Registry's Coordinator so concurrent transfers across repositories still
// dedup by descriptor.
func (r *Registry) Repo(name string) *Repository {
	if r.Coordinator == nil {
		r.Coordinator = transfer.NewCoordinator()
	}
	return &Repository{
		Client:      r.Client,
		PlainHTTP:   r.PlainHTTP,
		Host:        r.Host,
		Name:        name,
		Logger:      r.Logger,
		coordinator: r.Coordinator,
	}
}
