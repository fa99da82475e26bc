package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/defenseunicorns/koci-sub000/errdef"
)

// Credential is the set of secrets a Client may present to a challenge.
type Credential struct {
	Username     string
	Password     string
	RefreshToken string
	AccessToken  string
}

// EmptyCredential satisfies challenges anonymously.
var EmptyCredential = Credential{}

// CredentialFunc resolves the Credential to use for a given registry host.
type CredentialFunc func(ctx context.Context, registry string) (Credential, error)

// StaticCredential returns a CredentialFunc that always answers cred for
// host, and EmptyCredential for anything else.
func StaticCredential(host string, cred Credential) CredentialFunc {
	return func(_ context.Context, registry string) (Credential, error) {
		if registry == host {
			return cred, nil
		}
		return EmptyCredential, nil
	}
}

// httpDoer is the collaborator interface the Client wraps, matching
// *http.Client and satisfied by registry/remote.Client.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client is a request interceptor implementing the 401 challenge/response
// flow for bearer and basic authentication.
type Client struct {
	// Client performs the underlying HTTP round trip. Defaults to
	// http.DefaultClient.
	Client httpDoer
	// Header is added to every outgoing request before Do's own
	// Authorization header logic runs.
	Header http.Header
	// CredentialFunc resolves credentials per registry host. A nil func
	// behaves as EmptyCredential for every host.
	CredentialFunc CredentialFunc
	// Cache stores previously acquired tokens, keyed by (host, scope-set).
	// A nil Cache disables caching; NewClient sets a fresh *Cache.
	Cache *Cache
	// ClientID is sent as the OAuth2 client_id parameter. Defaults to
	// "koci".
	ClientID string
	// ForceAttemptOAuth2 requests the OAuth2 token flow even when no
	// refresh token is available, using the resolved username/password as
	// a password grant.
	ForceAttemptOAuth2 bool
	// Logger receives Debug-level request/response tracing. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// DefaultClientID is used when Client.ClientID is empty.
const DefaultClientID = "koci"

// NewClient constructs a Client with sane defaults.
func NewClient(cred CredentialFunc) *Client {
	return &Client{
		Client:         http.DefaultClient,
		CredentialFunc: cred,
		Cache:          NewCache(),
		ClientID:       DefaultClientID,
		Logger:         slog.New(slog.DiscardHandler),
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (c *Client) client() httpDoer {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *Client) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return DefaultClientID
}

// Do executes req, transparently handling a 401 challenge the first time it
// is encountered for req's host. req.Body, if non-nil, must support GetBody
// for a resend to be possible.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	registryKey := req.URL.Host
	scopes := GetScopes(req.Context())

	if c.Cache != nil {
		if tok, ok := c.Cache.Get(registryKey, scopes); ok {
			cloned := req.Clone(req.Context())
			cloned.Header.Set("Authorization", "Bearer "+tok)
			resp, err := c.client().Do(cloned)
			if err == nil && resp.StatusCode != http.StatusUnauthorized {
				return resp, nil
			}
			if err == nil {
				resp.Body.Close()
			}
		}
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challengeHeaders := resp.Header.Values("Www-Authenticate")
	resp.Body.Close()
	if len(challengeHeaders) == 0 {
		return resp, nil
	}

	body, err := rewindRequestBody(req)
	if err != nil {
		return nil, err
	}

	for _, header := range challengeHeaders {
		challenge := ParseChallenge(header)
		switch challenge.Scheme {
		case SchemeBasic:
			return c.doBasic(req, body)
		case SchemeBearer:
			resp, err := c.doBearer(req, body, challenge, registryKey, scopes)
			if resp != nil || err != nil {
				return resp, err
			}
		}
	}
	return resp, nil
}

func (c *Client) doBasic(req *http.Request, body io.ReadSeeker) (*http.Response, error) {
	cred, err := c.credential(req.Context(), req.URL.Host)
	if err != nil {
		return nil, err
	}
	if cred.Username == "" || cred.Password == "" {
		return nil, errdef.Generic("basic auth challenge requires a username and password", nil)
	}
	cloned, err := cloneWithBody(req, body)
	if err != nil {
		return nil, err
	}
	cloned.SetBasicAuth(cred.Username, cred.Password)
	return c.client().Do(cloned)
}

func (c *Client) doBearer(req *http.Request, body io.ReadSeeker, challenge Challenge, registryKey string, callerScopes []string) (*http.Response, error) {
	merged := CleanScopes(append(append([]string{}, callerScopes...), strings.Fields(challenge.Params["scope"])...))

	token, err := c.fetchToken(req.Context(), req.URL.Host, challenge, merged)
	if err != nil {
		return nil, err
	}
	if c.Cache != nil {
		c.Cache.Set(registryKey, merged, token)
	}

	cloned, err := cloneWithBody(req, body)
	if err != nil {
		return nil, err
	}
	cloned.Header.Set("Authorization", "Bearer "+token)
	return c.client().Do(cloned)
}

func (c *Client) credential(ctx context.Context, registry string) (Credential, error) {
	if c.CredentialFunc == nil {
		return EmptyCredential, nil
	}
	return c.CredentialFunc(ctx, registry)
}

// fetchToken dispatches to the OAuth2 or distribution-token flow depending
// on credential shape and ForceAttemptOAuth2.
func (c *Client) fetchToken(ctx context.Context, host string, challenge Challenge, scopes []string) (string, error) {
	cred, err := c.credential(ctx, host)
	if err != nil {
		return "", err
	}

	realm := challenge.Params["realm"]
	service := challenge.Params["service"]
	if realm == "" {
		return "", errdef.Generic("bearer challenge missing realm", nil)
	}

	if cred.RefreshToken != "" || c.ForceAttemptOAuth2 {
		return c.fetchOAuth2Token(ctx, realm, service, scopes, cred)
	}
	return c.fetchDistributionToken(ctx, realm, service, scopes, cred)
}

func (c *Client) fetchDistributionToken(ctx context.Context, realm, service string, scopes []string, cred Credential) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	if service != "" {
		q.Set("service", service)
	}
	for _, s := range scopes {
		q.Add("scope", s)
	}
	req.URL.RawQuery = q.Encode()

	if cred.Username != "" && cred.Password != "" {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	c.logger().Debug("fetching distribution token", "realm", realm, "service", service)
	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errdef.UnexpectedStatus(http.StatusOK, resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errdef.Wrap(errdef.KindIOError, "decoding token response", err)
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return "", errdef.EmptyTokenReturned()
}

func (c *Client) fetchOAuth2Token(ctx context.Context, realm, service string, scopes []string, cred Credential) (string, error) {
	form := url.Values{}
	if cred.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cred.RefreshToken)
	} else {
		form.Set("grant_type", "password")
		form.Set("username", cred.Username)
		form.Set("password", cred.Password)
	}
	form.Set("client_id", c.clientID())
	if service != "" {
		form.Set("service", service)
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, realm, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger().Debug("fetching oauth2 token", "realm", realm, "service", service)
	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errdef.UnexpectedStatus(http.StatusOK, resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errdef.Wrap(errdef.KindIOError, "decoding token response", err)
	}
	if body.AccessToken == "" {
		return "", errdef.EmptyTokenReturned()
	}
	return body.AccessToken, nil
}

// rewindRequestBody drains req.Body into memory (if any) so the request can
// be resent after a challenge, returning an io.ReadSeeker that callers clone
// fresh readers from via cloneWithBody.
func rewindRequestBody(req *http.Request) (io.ReadSeeker, error) {
	if req.Body == nil {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func cloneWithBody(req *http.Request, body io.ReadSeeker) (*http.Request, error) {
	cloned := req.Clone(req.Context())
	if body == nil {
		return cloned, nil
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	cloned.Body = io.NopCloser(body)
	return cloned, nil
}

// Cache maps (host, joined-sorted-scopes) to a previously acquired bearer
// token, process-wide and safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	byKey map[string]string
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{byKey: make(map[string]string)}
}

func cacheKey(host string, scopes []string) string {
	return host + "|" + strings.Join(CleanScopes(scopes), " ")
}

// Get returns the cached token for (host, scopes), if any.
func (c *Cache) Get(host string, scopes []string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.byKey[cacheKey(host, scopes)]
	return tok, ok
}

// Set stores token for (host, scopes).
func (c *Cache) Set(host string, scopes []string, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[cacheKey(host, scopes)] = token
}

// Clear removes every cached token for host.
func (c *Cache) Clear(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := host + "|"
	for k := range c.byKey {
		if strings.HasPrefix(k, prefix) {
			delete(c.byKey, k)
		}
	}
}
