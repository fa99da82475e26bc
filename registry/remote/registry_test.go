package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func newTestRegistry(t *testing.T, handler http.Handler) (*Registry, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	return &Registry{Client: server.Client(), PlainHTTP: true, Host: u.Host}, server
}

func TestPingAcceptsOKAndUnauthorized(t *testing.T) {
	status := http.StatusOK
	reg, server := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	if err := reg.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	status = http.StatusUnauthorized
	if err := reg.Ping(context.Background()); err != nil {
		t.Fatalf("Ping with 401: %v", err)
	}

	status = http.StatusInternalServerError
	if err := reg.Ping(context.Background()); err == nil {
		t.Fatalf("expected Ping to fail on 500")
	}
}

func TestCatalogAllFollowsLinkHeader(t *testing.T) {
	pages := [][]string{{"a", "b"}, {"c"}}
	reg, server := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last := r.URL.Query().Get("last")
		var page []string
		var next string
		switch last {
		case "":
			page = pages[0]
			next = fmt.Sprintf("%s/v2/_catalog?last=b", "")
		case "b":
			page = pages[1]
		}
		if next != "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
		}
		json.NewEncoder(w).Encode(catalogResponse{Repositories: page})
	}))
	defer server.Close()

	var all []string
	err := reg.CatalogAll(context.Background(), func(repos []string) error {
		all = append(all, repos...)
		return nil
	})
	if err != nil {
		t.Fatalf("CatalogAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 repositories across both pages, got %v", all)
	}
}

func TestRepoSharesCoordinator(t *testing.T) {
	reg := &Registry{Host: "example.com"}
	a := reg.Repo("a")
	b := reg.Repo("b")
	if a.coordinator != b.coordinator {
		t.Fatalf("expected repositories from the same Registry to share a Coordinator")
	}
}

func TestParseNextLink(t *testing.T) {
	got := parseNextLink(`</v2/_catalog?last=b>; rel="next"`)
	if got != "/v2/_catalog?last=b" {
		t.Fatalf("unexpected next link: %q", got)
	}
	if got := parseNextLink(""); got != "" {
		t.Fatalf("expected empty string for empty header, got %q", got)
	}
}
