package audiobookshelf

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://example.com/", "test-token", nil)
	assert.NotNil(t, client)
	assert.Equal(t, "http://example.com", client.baseURL, "trailing slash is trimmed")
	assert.Equal(t, "test-token", client.token)
	assert.NotNil(t, client.client)
}

// newTestServer serves the three endpoints GetListeningBooks walks.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/me/items-in-progress", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"libraryItems":[{"id":"li_1"},{"id":"li_2"},{"id":"li_3"}]}`)
	})

	items := map[string]string{
		"li_1": `{"id":"li_1","media":{"metadata":{"title":"Project Hail Mary","authorName":"Andy Weir","isbn":"978-0-593-13520-4","asin":"b08g9prs1k"},"duration":58320}}`,
		"li_2": `{"id":"li_2","media":{"metadata":{"title":"Piranesi","authorName":"Susanna Clarke"},"duration":24000}}`,
		// No title, dropped at ingest
		"li_3": `{"id":"li_3","media":{"metadata":{"title":"  ","authorName":"Unknown"},"duration":100}}`,
	}
	mux.HandleFunc("/api/items/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/api/items/"):]
		body, ok := items[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	})

	progress := map[string]string{
		"li_1": `{"libraryItemId":"li_1","currentTime":2916,"isFinished":false,"lastUpdate":1698000000000}`,
		// Listened beyond the total, must be clamped
		"li_2": `{"libraryItemId":"li_2","currentTime":25000,"isFinished":true,"lastUpdate":1698100000000}`,
		"li_3": `{"libraryItemId":"li_3","currentTime":0,"isFinished":false,"lastUpdate":0}`,
	}
	mux.HandleFunc("/api/me/progress/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/api/me/progress/"):]
		body, ok := progress[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	})

	return httptest.NewServer(mux)
}

func TestGetListeningBooks(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	client := NewClient(server.URL, "test-token", nil)
	snapshot, err := client.GetListeningBooks(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshot.Books, 2)
	assert.Equal(t, 1, snapshot.Invalid, "titleless item counted, not errored")

	first := snapshot.Books[0]
	assert.Equal(t, "li_1", first.ID)
	assert.Equal(t, "Project Hail Mary", first.Title)
	assert.Equal(t, "Andy Weir", first.Author)
	assert.Equal(t, "9780593135204", first.ISBN, "separators stripped")
	assert.Equal(t, "B08G9PRS1K", first.ASIN, "uppercased")
	assert.Equal(t, 58320*time.Second, first.TotalDuration)
	assert.Equal(t, 2916*time.Second, first.ListenedDuration)
	assert.False(t, first.Finished)
	assert.Equal(t, int64(1698000000), first.LastListenedAt.Unix())

	second := snapshot.Books[1]
	assert.True(t, second.Finished)
	assert.Equal(t, second.TotalDuration, second.ListenedDuration, "listened clamped to total")
	assert.Empty(t, second.ISBN)
}

func TestGetListeningBooksExcludedLibrary(t *testing.T) {
	var itemFetches []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/me/items-in-progress", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"libraryItems":[{"id":"li_1","libraryId":"lib_podcasts"},{"id":"li_2","libraryId":"lib_books"}]}`)
	})
	mux.HandleFunc("/api/items/", func(w http.ResponseWriter, r *http.Request) {
		itemFetches = append(itemFetches, r.URL.Path[len("/api/items/"):])
		fmt.Fprint(w, `{"id":"li_2","media":{"metadata":{"title":"Dune","authorName":"Frank Herbert"},"duration":72000}}`)
	})
	mux.HandleFunc("/api/me/progress/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"libraryItemId":"li_2","currentTime":3600,"isFinished":false}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL, "test-token", nil)
	client.ExcludeLibraries([]string{"lib_podcasts", " ", ""})

	snapshot, err := client.GetListeningBooks(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Books, 1)
	assert.Equal(t, "Dune", snapshot.Books[0].Title)
	assert.Zero(t, snapshot.Invalid, "excluded items are not invalid")
	assert.Equal(t, []string{"li_2"}, itemFetches, "excluded items are never fetched")
}

func TestGetListeningBooksMissingProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/me/items-in-progress", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"libraryItems":[{"id":"li_9"}]}`)
	})
	mux.HandleFunc("/api/items/li_9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"li_9","media":{"metadata":{"title":"Dune","authorName":"Frank Herbert"},"duration":72000}}`)
	})
	mux.HandleFunc("/api/me/progress/li_9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL, "test-token", nil)
	snapshot, err := client.GetListeningBooks(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Books, 1)
	assert.Zero(t, snapshot.Books[0].ListenedDuration, "missing progress row means unstarted")
	assert.False(t, snapshot.Books[0].Finished)
}

func TestGetListeningBooksAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-token", nil)
	snapshot, err := client.GetListeningBooks(context.Background())
	assert.Error(t, err)
	assert.Nil(t, snapshot)
}

func TestGetListeningBooksItemFetchFailureIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/me/items-in-progress", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"libraryItems":[{"id":"li_1"},{"id":"li_2"}]}`)
	})
	mux.HandleFunc("/api/items/li_1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"li_1","media":{"metadata":{"title":"Dune"},"duration":72000}}`)
	})
	mux.HandleFunc("/api/me/progress/li_1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"libraryItemId":"li_1","currentTime":100,"isFinished":false}`)
	})
	// li_2's metadata fetch blows up; the snapshot must fail as a whole.
	mux.HandleFunc("/api/items/li_2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL, "test-token", nil)
	snapshot, err := client.GetListeningBooks(context.Background())
	assert.Error(t, err)
	assert.Nil(t, snapshot, "partial snapshots are never returned")
}
