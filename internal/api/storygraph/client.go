// Package storygraph drives the StoryGraph website the way a browser
// would. There is no official API, so the client signs in with the
// user's credentials, keeps the session cookies, and scrapes or posts
// the same pages and forms the web UI uses.
package storygraph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/session"
	"github.com/shelfsync/shelfsync/internal/target"
)

const (
	// ServiceName is the identifier mappings and sync records use for
	// this service.
	ServiceName = "storygraph"

	// DefaultBaseURL is the public StoryGraph site.
	DefaultBaseURL = "https://app.thestorygraph.com"
	// DefaultTimeout is the default timeout for HTTP requests.
	DefaultTimeout = 30 * time.Second
	// DefaultRequestInterval is the default pause between requests.
	// Scraping a shared site calls for a gentler pace than an API.
	DefaultRequestInterval = time.Second
	// DefaultSessionMaxAge is how long persisted cookies are trusted
	// before forcing a fresh sign-in.
	DefaultSessionMaxAge = 14 * 24 * time.Hour

	signInPath  = "/users/sign_in"
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxSearched = 10
)

// ClientConfig holds configuration for the StoryGraph client.
type ClientConfig struct {
	// BaseURL is the site root (default: DefaultBaseURL).
	BaseURL string
	// Timeout specifies a time limit for requests.
	Timeout time.Duration
	// RequestInterval is the minimum time between requests.
	RequestInterval time.Duration
	// SessionFile persists cookies between runs. Empty disables
	// persistence and every run signs in from scratch.
	SessionFile string
	// SessionMaxAge caps how old a persisted session may be.
	SessionMaxAge time.Duration
}

// DefaultClientConfig returns the default configuration for the client.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:         DefaultBaseURL,
		Timeout:         DefaultTimeout,
		RequestInterval: DefaultRequestInterval,
		SessionMaxAge:   DefaultSessionMaxAge,
	}
}

// Client is a scraping client for StoryGraph. It implements
// target.Service.
type Client struct {
	baseURL     *url.URL
	email       string
	password    string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *logger.Logger
	sessionFile string
	maxAge      time.Duration

	session   *session.Session
	csrfToken string
}

// NewClient creates a StoryGraph client. Credentials are only used when
// no persisted session is usable.
func NewClient(cfg *ClientConfig, email, password string, log *logger.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if log == nil {
		log = logger.Get()
	}
	log = log.With(map[string]interface{}{"component": "storygraph_client"})

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = DefaultRequestInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAge := cfg.SessionMaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}

	return &Client{
		baseURL:     baseURL,
		email:       email,
		password:    password,
		httpClient:  &http.Client{Timeout: timeout, Jar: jar},
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		logger:      log,
		sessionFile: cfg.SessionFile,
		maxAge:      maxAge,
		session:     session.New(ServiceName),
	}, nil
}

// Name implements target.Service.
func (c *Client) Name() string { return ServiceName }

// BeginSession restores a persisted session when it still works,
// otherwise signs in with the configured credentials.
func (c *Client) BeginSession(ctx context.Context) error {
	if c.sessionFile != "" {
		saved, err := session.Load(c.sessionFile, ServiceName)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if !saved.Expired(c.maxAge) {
			c.session = saved
			c.httpClient.Jar.SetCookies(c.baseURL, saved.HTTPCookies())
			c.csrfToken = saved.GetToken()
			if err := c.probe(ctx); err == nil {
				c.logger.Debug("Reusing persisted StoryGraph session", nil)
				return nil
			} else if !target.IsAuthError(err) {
				return err
			}
			c.logger.Info("Persisted session no longer valid, signing in again", nil)
		}
	}

	if err := c.signIn(ctx); err != nil {
		return err
	}
	return c.persistSession()
}

// EndSession persists the cookies so the next run can skip the sign-in.
func (c *Client) EndSession(ctx context.Context) error {
	return c.persistSession()
}

// probe issues a cheap authenticated request to verify the session.
func (c *Client) probe(ctx context.Context) error {
	doc, err := c.fetchDocument(ctx, "/currently-reading")
	if err != nil {
		return err
	}
	c.rememberCSRF(doc)
	return nil
}

// signIn walks the sign-in form: fetch the page, pick up the CSRF token
// and hidden fields, post the credentials, and confirm we left the
// sign-in page.
func (c *Client) signIn(ctx context.Context) error {
	doc, err := c.fetchDocument(ctx, signInPath)
	if err != nil {
		return fmt.Errorf("failed to load sign-in page: %w", err)
	}
	c.rememberCSRF(doc)

	form := doc.Find("form").FilterFunction(func(_ int, f *goquery.Selection) bool {
		return f.Find(`input[name="user[email]"]`).Length() > 0
	}).First()
	if form.Length() == 0 {
		return fmt.Errorf("sign-in form not found on %s", signInPath)
	}

	data := url.Values{}
	form.Find("input[type=hidden]").Each(func(_ int, input *goquery.Selection) {
		if name := input.AttrOr("name", ""); name != "" {
			data.Set(name, input.AttrOr("value", ""))
		}
	})
	data.Set("user[email]", c.email)
	data.Set("user[password]", c.password)

	action := form.AttrOr("action", signInPath)
	resp, err := c.postForm(ctx, action, data)
	if err != nil {
		if target.IsTransient(err) || target.IsAuthError(err) {
			return fmt.Errorf("failed to submit sign-in form: %w", err)
		}
		// Anything else, like a 422 re-render, means the credentials
		// were rejected.
		return &target.AuthError{Service: ServiceName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || landedOnSignIn(resp) {
		return &target.AuthError{
			Service: ServiceName,
			Err:     fmt.Errorf("sign-in rejected for %s", c.email),
		}
	}

	if doc, err := goquery.NewDocumentFromReader(resp.Body); err == nil {
		c.rememberCSRF(doc)
	}
	c.logger.Info("Signed in to StoryGraph", map[string]interface{}{"email": c.email})
	return nil
}

// persistSession writes the live cookies and CSRF token to the session
// file, when one is configured.
func (c *Client) persistSession() error {
	if c.sessionFile == "" {
		return nil
	}
	c.session.SetCookies(c.httpClient.Jar.Cookies(c.baseURL))
	c.session.SetToken(c.csrfToken)
	if err := c.session.Save(c.sessionFile); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// fetchDocument performs a paced GET and parses the response body.
func (c *Client) fetchDocument(ctx context.Context, path string) (*goquery.Document, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

// postForm performs a paced form POST with the CSRF header attached.
func (c *Client) postForm(ctx context.Context, path string, data url.Values) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(data.Encode()), "application/x-www-form-urlencoded")
}

// do sends one request through the limiter and classifies the outcome.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", c.csrfToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &target.TransientError{Op: method + " " + path, Err: err}
	}

	if err := c.classify(resp, path); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// classify turns HTTP failures into the error taxonomy the sync engine
// understands. A redirect back to the sign-in page means the session
// died mid-run.
func (c *Client) classify(resp *http.Response, path string) error {
	if landedOnSignIn(resp) && !strings.Contains(path, "sign_in") {
		return &target.AuthError{
			Service: ServiceName,
			Err:     fmt.Errorf("redirected to sign-in while fetching %s", path),
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &target.AuthError{
			Service: ServiceName,
			Err:     fmt.Errorf("status %d on %s", resp.StatusCode, path),
		}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, target.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &target.TransientError{
			Op:  path,
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return fmt.Errorf("unexpected status %d on %s", resp.StatusCode, path)
	}
	return nil
}

// rememberCSRF stores the page's CSRF meta token for later form posts.
func (c *Client) rememberCSRF(doc *goquery.Document) {
	if token := doc.Find(`meta[name="csrf-token"]`).AttrOr("content", ""); token != "" {
		c.csrfToken = token
	}
}

// resolve joins a path or absolute URL against the base URL.
func (c *Client) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

// landedOnSignIn reports whether the response, after redirects, ended
// up on the sign-in page.
func landedOnSignIn(resp *http.Response) bool {
	return resp.Request != nil && strings.Contains(resp.Request.URL.Path, "sign_in")
}
