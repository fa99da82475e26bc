package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/defenseunicorns/koci-sub000/registry/remote/auth"
	"github.com/defenseunicorns/koci-sub000/registry/remote/errcode"
)

// Client is the HTTP round-tripper collaborator the Repository engine and
// Registry façade require. *http.Client, *auth.Client, and any test double
// satisfy it without adaptation.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}

// apiVersionHeader is set on every outgoing request.
const apiVersionHeader = "Docker-Distribution-API-Version"

// newRequest builds an HTTP request with the distribution API version
// header set and scopes attached to its context for the auth middleware to
// pick up.
func newRequest(ctx context.Context, method, url string, scopes ...string) (*http.Request, error) {
	return newRequestBody(ctx, method, url, nil, scopes...)
}

// newRequestBody is newRequest with an explicit request body, used by the
// upload path where PUT/PATCH carry chunk content.
func newRequestBody(ctx context.Context, method, url string, body io.Reader, scopes ...string) (*http.Request, error) {
	if len(scopes) > 0 {
		ctx = auth.AppendScopes(ctx, scopes...)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, url, err)
	}
	req.Header.Set(apiVersionHeader, "registry/2.0")
	return req, nil
}

// checkStatus returns nil if resp.StatusCode == want, otherwise decodes the
// distribution-spec error body (or a generic HttpError) via errcode.Parse.
// It does not close resp.Body on success.
func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	return errcode.Parse(resp)
}

// checkStatusIn is like checkStatus but accepts any of several codes.
func checkStatusIn(resp *http.Response, want ...int) error {
	for _, w := range want {
		if resp.StatusCode == w {
			return nil
		}
	}
	return errcode.Parse(resp)
}

const (
	scopeActionPull = "pull"
	scopeActionPush = "push"
)

func repositoryScope(name string, actions ...string) string {
	scope := "repository:" + name + ":"
	for i, a := range actions {
		if i > 0 {
			scope += ","
		}
		scope += a
	}
	return scope
}
