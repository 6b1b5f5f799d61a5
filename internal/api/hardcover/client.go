// Package hardcover talks to the Hardcover GraphQL API and implements
// the target service operations the sync engine needs: edition and
// title search, and reading-progress reads and writes on the user's
// shelf.
package hardcover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hasura/go-graphql-client"

	"github.com/shelfsync/shelfsync/internal/cache"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/target"
	"github.com/shelfsync/shelfsync/internal/util"
)

const (
	// ServiceName is the identifier mappings and sync records use for
	// this service.
	ServiceName = "hardcover"

	// DefaultBaseURL is the default base URL for the Hardcover API.
	DefaultBaseURL = "https://api.hardcover.app/v1/graphql"
	// DefaultTimeout is the default timeout for HTTP requests.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the default number of retries for failed requests.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the default delay between retries.
	DefaultRetryDelay = 500 * time.Millisecond
)

// Hardcover shelf statuses.
const (
	statusWantToRead = 1
	statusReading    = 2
	statusRead       = 3
)

// UserBookIDCacheTTL is the TTL for user book ID cache entries. Only
// identity is cached, progress is always read live.
const UserBookIDCacheTTL = 24 * time.Hour

// ClientConfig holds configuration for the Hardcover client.
type ClientConfig struct {
	// BaseURL is the base URL for the API (default: DefaultBaseURL).
	BaseURL string
	// Timeout specifies a time limit for requests (default: DefaultTimeout).
	Timeout time.Duration
	// MaxRetries specifies the maximum number of retries for failed requests.
	MaxRetries int
	// RetryDelay specifies the delay between retries.
	RetryDelay time.Duration
	// RateLimit specifies the minimum time between requests.
	RateLimit time.Duration
	// Burst specifies the burst size for rate limiting.
	Burst int
}

// DefaultClientConfig returns the default configuration for the client.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:    DefaultBaseURL,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		RateLimit:  util.DefaultRate,
		Burst:      util.DefaultBurst,
	}
}

// headerAddingTransport is an http.RoundTripper that adds the required
// headers for authenticating with the Hardcover API.
type headerAddingTransport struct {
	token string
	rt    http.RoundTripper
}

// RoundTrip implements the http.RoundTripper interface.
func (t *headerAddingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// Client is a client for the Hardcover API. It implements
// target.Service.
type Client struct {
	baseURL     string
	authToken   string
	httpClient  *http.Client
	gqlClient   *graphql.Client
	logger      *logger.Logger
	rateLimiter *util.RateLimiter
	maxRetries  int
	retryDelay  time.Duration

	currentUserID    int
	currentUserMutex sync.RWMutex

	// book id -> user_book id, so repeat writes for the same book skip
	// a lookup round trip.
	userBookIDCache cache.Cache[string, int64]
}

// NewClient creates a new Hardcover client with default configuration.
func NewClient(token string, log *logger.Logger) *Client {
	return NewClientWithConfig(DefaultClientConfig(), token, log)
}

// NewClientWithConfig creates a new Hardcover client with custom
// configuration.
func NewClientWithConfig(cfg *ClientConfig, token string, log *logger.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if log == nil {
		log = logger.Get()
	}
	log = log.With(map[string]interface{}{"component": "hardcover_client"})

	authClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &headerAddingTransport{
			token: token,
			rt:    http.DefaultTransport,
		},
	}

	client := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		authToken:       token,
		httpClient:      authClient,
		gqlClient:       graphql.NewClient(cfg.BaseURL, authClient),
		logger:          log,
		rateLimiter:     util.NewRateLimiter(cfg.RateLimit, cfg.Burst, log),
		maxRetries:      cfg.MaxRetries,
		retryDelay:      cfg.RetryDelay,
		userBookIDCache: cache.WithTTL[string, int64](cache.NewMemoryCache[string, int64](log), UserBookIDCacheTTL),
	}

	log.Debug("Created new Hardcover client", map[string]interface{}{
		"base_url":    cfg.BaseURL,
		"max_retries": cfg.MaxRetries,
		"rate_limit":  cfg.RateLimit.String(),
	})
	return client
}

// Name implements target.Service.
func (c *Client) Name() string { return ServiceName }

// BeginSession verifies the token by resolving the current user. The
// user id is needed for every shelf query anyway, so this doubles as
// the one-per-run auth probe.
func (c *Client) BeginSession(ctx context.Context) error {
	userID, err := c.GetCurrentUserID(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug("Hardcover session ready", map[string]interface{}{"user_id": userID})
	return nil
}

// EndSession implements target.Service. The API is stateless, there is
// nothing to release.
func (c *Client) EndSession(ctx context.Context) error { return nil }

// GetCurrentUserID resolves and caches the authenticated user's id.
// Safe for concurrent use.
func (c *Client) GetCurrentUserID(ctx context.Context) (int, error) {
	c.currentUserMutex.RLock()
	if c.currentUserID != 0 {
		userID := c.currentUserID
		c.currentUserMutex.RUnlock()
		return userID, nil
	}
	c.currentUserMutex.RUnlock()

	c.currentUserMutex.Lock()
	defer c.currentUserMutex.Unlock()
	if c.currentUserID != 0 {
		return c.currentUserID, nil
	}

	var q struct {
		Me []struct {
			ID       int    `graphql:"id"`
			Username string `graphql:"username"`
		} `graphql:"me"`
	}
	if err := c.gqlClient.Query(ctx, &q, nil); err != nil {
		return 0, classifyError("me query", err)
	}
	if len(q.Me) == 0 {
		return 0, &target.AuthError{Service: ServiceName, Err: fmt.Errorf("token resolved no user")}
	}

	c.currentUserID = q.Me[0].ID
	c.logger.Debug("Resolved current user", map[string]interface{}{
		"user_id":  q.Me[0].ID,
		"username": q.Me[0].Username,
	})
	return c.currentUserID, nil
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, string(e.Body))
}

// GraphQLQuery executes a GraphQL query and unmarshals the response
// data into result.
func (c *Client) GraphQLQuery(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	return c.executeGraphQL(ctx, query, variables, result)
}

// GraphQLMutation executes a GraphQL mutation and unmarshals the
// response data into result.
func (c *Client) GraphQLMutation(ctx context.Context, mutation string, variables map[string]interface{}, result interface{}) error {
	return c.executeGraphQL(ctx, mutation, variables, result)
}

// executeGraphQL posts one GraphQL operation with rate limiting and
// retries. Authentication failures abort immediately, 429s feed the
// rate limiter's backoff, other failures retry up to maxRetries with
// linear delay.
func (c *Client) executeGraphQL(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	if variables == nil {
		variables = make(map[string]interface{})
	}
	reqBody, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			c.logger.Warn("GraphQL request failed", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempt + 1,
			})
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &target.AuthError{
				Service: ServiceName,
				Err:     &HTTPError{StatusCode: resp.StatusCode, Body: body},
			}
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter, _ := util.ParseRetryAfter(resp.Header.Get("Retry-After"))
			c.rateLimiter.OnRateLimit(retryAfter)
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: body}
			continue
		case resp.StatusCode >= 400:
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: body}
			c.logger.Warn("GraphQL request failed with HTTP error", map[string]interface{}{
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
			})
			continue
		}

		c.rateLimiter.ObserveHeaders(resp)

		var gqlResp struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors,omitempty"`
		}
		if err := json.Unmarshal(body, &gqlResp); err != nil {
			lastErr = fmt.Errorf("failed to decode GraphQL response: %w", err)
			continue
		}
		if len(gqlResp.Errors) > 0 {
			msg := gqlResp.Errors[0].Message
			if isAuthMessage(msg) {
				return &target.AuthError{Service: ServiceName, Err: fmt.Errorf("GraphQL error: %s", msg)}
			}
			// Schema and validation errors will not get better on
			// retry.
			return fmt.Errorf("GraphQL error: %s", msg)
		}
		if result == nil {
			return nil
		}
		if len(gqlResp.Data) == 0 {
			lastErr = fmt.Errorf("empty data in GraphQL response")
			continue
		}
		if err := json.Unmarshal(gqlResp.Data, result); err != nil {
			return fmt.Errorf("failed to unmarshal GraphQL data: %w", err)
		}
		return nil
	}

	return &target.TransientError{
		Op:  "hardcover graphql",
		Err: fmt.Errorf("failed after %d attempts: %w", c.maxRetries+1, lastErr),
	}
}

// isAuthMessage reports whether a GraphQL-level error message indicates
// a credential problem rather than a bad request.
func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"jwt", "unauthorized", "authentication", "not authenticated"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// classifyError maps errors from the typed GraphQL client onto the
// target error taxonomy.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isAuthMessage(err.Error()) || strings.Contains(err.Error(), "401") || strings.Contains(err.Error(), "403") {
		return &target.AuthError{Service: ServiceName, Err: err}
	}
	return &target.TransientError{Op: op, Err: err}
}
