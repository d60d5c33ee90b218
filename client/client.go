// Package client signs in to the session server and keeps an access token fresh
// through the refresh token cookie, exposed as an oauth2.TokenSource.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"golang.org/x/oauth2"
)

const (
	signInPath  = "/signin"
	refreshPath = "/refresh-token"
	signOutPath = "/signout"

	bearerTokenHeader = "Bearer-Token"
)

type Client struct {
	baseURL  *url.URL
	http     *http.Client
	email    string
	password string
	nowTime  func() time.Time

	lock     sync.Mutex
	signedIn bool
}

type Option func(*Client)

// WithTransport sets the round tripper used for every request (e.g. a test server's TLS transport).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = rt
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

func New(baseURL, email, password string, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[client New] base URL is required")
	}
	if email == "" || password == "" {
		return nil, errors.New("[client New] email and password are required")
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("[client New] invalid base URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("[client New] cookie jar: %w", err)
	}

	c := &Client{
		baseURL:  u,
		http:     &http.Client{Jar: jar, Timeout: 10 * time.Second},
		email:    email,
		password: password,
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

type tokenResponse struct {
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

// SignIn starts a new session; the refresh token lands in the client's cookie jar.
func (c *Client) SignIn(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"email": c.email, "password": c.password})
	if err != nil {
		return nil, err
	}
	tok, err := c.tokenRequest(ctx, signInPath, body)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	c.signedIn = true
	c.lock.Unlock()
	return tok, nil
}

// Refresh exchanges the refresh token cookie for a new pair.
func (c *Client) Refresh(ctx context.Context) (*oauth2.Token, error) {
	return c.tokenRequest(ctx, refreshPath, nil)
}

// SignOut ends the session on the server and forgets it locally.
func (c *Client) SignOut(ctx context.Context) error {
	resp, err := c.post(ctx, signOutPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.lock.Lock()
	c.signedIn = false
	c.lock.Unlock()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sign out: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// TokenSource signs in on first use and refreshes afterwards. The token is reused until it nears expiry.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &source{ctx: ctx, client: c})
}

// HTTPClient returns a client that sends the current access token on every request.
func (c *Client) HTTPClient(ctx context.Context) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: c.http.Transport, Timeout: c.http.Timeout})
	return oauth2.NewClient(ctx, c.TokenSource(ctx))
}

// Cookies exposes the jar's cookies for the server URL.
func (c *Client) Cookies(u *url.URL) []*http.Cookie {
	return c.http.Jar.Cookies(u)
}

type source struct {
	ctx    context.Context
	client *Client
}

// Token signs in again when the session behind the refresh cookie has been denied.
func (s *source) Token() (*oauth2.Token, error) {
	s.client.lock.Lock()
	signedIn := s.client.signedIn
	s.client.lock.Unlock()

	if signedIn {
		tok, err := s.client.Refresh(s.ctx)
		if err == nil || !errors.Is(err, apperrors.ErrAccessDenied) {
			return tok, err
		}
	}
	return s.client.SignIn(s.ctx)
}

func (c *Client) tokenRequest(ctx context.Context, path string, body []byte) (*oauth2.Token, error) {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized && path == signInPath:
		return nil, apperrors.ErrInvalidCredentials
	case resp.StatusCode == http.StatusUnauthorized:
		c.lock.Lock()
		c.signedIn = false
		c.lock.Unlock()
		return nil, apperrors.ErrAccessDenied
	case resp.StatusCode == http.StatusBadRequest:
		return nil, apperrors.ErrValidationFailed
	default:
		return nil, fmt.Errorf("%w: %s returned status %d", apperrors.ErrUpstreamUnavailable, path, resp.StatusCode)
	}

	access := resp.Header.Get(bearerTokenHeader)
	if access == "" {
		return nil, fmt.Errorf("%s: response carried no %s header", path, bearerTokenHeader)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", path, err)
	}

	tok := &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = c.nowTime().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrUpstreamUnavailable, path, err)
	}
	return resp, nil
}
