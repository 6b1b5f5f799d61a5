package hardcover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/target"
)

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// operationName extracts the operation name from a GraphQL document.
// Anonymous documents, like the ones the typed client builds, return "".
func operationName(query string) string {
	query = strings.TrimSpace(query)
	for _, prefix := range []string{"query ", "mutation "} {
		if strings.HasPrefix(query, prefix) {
			rest := query[len(prefix):]
			if i := strings.IndexAny(rest, "( {"); i > 0 {
				return rest[:i]
			}
		}
	}
	return ""
}

// fakeAPI is an in-memory GraphQL endpoint. Handlers are keyed by
// operation name and return the value serialized under "data".
type fakeAPI struct {
	t        *testing.T
	handlers map[string]func(vars map[string]interface{}) interface{}
	calls    []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{t: t, handlers: map[string]func(map[string]interface{}) interface{}{}}
	f.handlers[""] = func(map[string]interface{}) interface{} {
		return map[string]interface{}{
			"me": []map[string]interface{}{{"id": 42, "username": "reader"}},
		}
	}
	return f
}

func (f *fakeAPI) handle(name string, fn func(vars map[string]interface{}) interface{}) {
	f.handlers[name] = fn
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
		f.t.Errorf("missing auth header, got %q", got)
	}

	var req gqlRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	name := operationName(req.Query)
	f.calls = append(f.calls, name)
	handler, ok := f.handlers[name]
	if !ok {
		f.t.Errorf("unexpected GraphQL operation %q", name)
		http.Error(w, "unexpected operation", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(map[string]interface{}{
		"data": handler(req.Variables),
	}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &ClientConfig{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		RateLimit:  time.Millisecond,
		Burst:      100,
	}
	return NewClientWithConfig(cfg, "test-token", nil)
}

func TestGetCurrentUserIDCachesResult(t *testing.T) {
	fake := newFakeAPI(t)
	client := newTestClient(t, http.HandlerFunc(fake.serve))

	ctx := context.Background()
	id, err := client.GetCurrentUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	id, err = client.GetCurrentUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Len(t, fake.calls, 1, "second lookup should be served from cache")
}

func TestBeginSessionRejectsBadToken(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
	}))

	err := client.BeginSession(context.Background())
	require.Error(t, err)
	assert.True(t, target.IsAuthError(err))
}

func TestBeginSessionTokenWithoutUser(t *testing.T) {
	fake := newFakeAPI(t)
	fake.handle("", func(map[string]interface{}) interface{} {
		return map[string]interface{}{"me": []map[string]interface{}{}}
	})
	client := newTestClient(t, http.HandlerFunc(fake.serve))

	err := client.BeginSession(context.Background())
	require.Error(t, err)
	assert.True(t, target.IsAuthError(err))
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	var attempts int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"editions": []}}`))
	}))

	candidates, err := client.FindByASIN(context.Background(), "B08G9PRS1K")
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 2, attempts)
}

func TestExecuteExhaustedRetriesAreTransient(t *testing.T) {
	var attempts int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))

	_, err := client.FindByASIN(context.Background(), "B08G9PRS1K")
	require.Error(t, err)
	assert.True(t, target.IsTransient(err))
	assert.Equal(t, 3, attempts, "MaxRetries 2 means three attempts")
}

func TestExecuteAuthFailureDoesNotRetry(t *testing.T) {
	var attempts int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad credentials", http.StatusForbidden)
	}))

	_, err := client.FindByISBN(context.Background(), "9780593135204")
	require.Error(t, err)
	assert.True(t, target.IsAuthError(err))
	assert.Equal(t, 1, attempts)
}

func TestExecuteGraphQLAuthErrorMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors": [{"message": "Could not verify JWT: JWTExpired"}]}`))
	}))

	_, err := client.FindByISBN(context.Background(), "9780593135204")
	require.Error(t, err)
	assert.True(t, target.IsAuthError(err))
}

func TestExecuteGraphQLValidationErrorDoesNotRetry(t *testing.T) {
	var attempts int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors": [{"message": "field 'bogus' not found in type: 'query_root'"}]}`))
	}))

	_, err := client.FindByTitle(context.Background(), "Dune")
	require.Error(t, err)
	assert.False(t, target.IsTransient(err))
	assert.Contains(t, err.Error(), "GraphQL error")
	assert.Equal(t, 1, attempts)
}

func TestExecuteRecoversFromRateLimit(t *testing.T) {
	var attempts int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"books": []}}`))
	}))

	_, err := client.FindByTitle(context.Background(), "Dune")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
