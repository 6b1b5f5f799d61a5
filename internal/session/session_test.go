package session

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nonexistent.json")
	s, err := Load(path, "storygraph")
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, s.Version)
	assert.Equal(t, "storygraph", s.Service)
	assert.True(t, s.Expired(0), "a fresh session is expired")
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")

	s := New("storygraph")
	s.SetCookies([]*http.Cookie{
		{Name: "_storygraph_session", Value: "abc123", Domain: "app.thestorygraph.com", Path: "/", Secure: true, HttpOnly: true},
		{Name: "remember_token", Value: "xyz", Expires: time.Now().Add(30 * 24 * time.Hour)},
	})
	s.SetToken("csrf-token-value")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path, "storygraph")
	require.NoError(t, err)
	assert.Equal(t, "csrf-token-value", loaded.GetToken())
	assert.False(t, loaded.SavedAt.IsZero())
	assert.False(t, loaded.Expired(time.Hour))

	cookies := loaded.HTTPCookies()
	require.Len(t, cookies, 2)
	assert.Equal(t, "_storygraph_session", cookies[0].Name)
	assert.Equal(t, "abc123", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func TestSavePermissions(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on Windows")
	}

	path := filepath.Join(t.TempDir(), "session.json")
	s := New("storygraph")
	require.NoError(t, s.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "session file carries credentials")
}

func TestLoad_UnknownVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"9.9","service":"storygraph"}`), 0600))

	s, err := Load(path, "storygraph")
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, s.Version)
	assert.Empty(t, s.Cookies, "unknown versions start fresh")
}

func TestLoad_DifferentService(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	other := New("hardcover")
	other.SetToken("tok")
	require.NoError(t, other.Save(path))

	s, err := Load(path, "storygraph")
	require.NoError(t, err)
	assert.Equal(t, "storygraph", s.Service)
	assert.Empty(t, s.GetToken())
}

func TestLoad_InvalidJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, err := Load(path, "storygraph")
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	t.Parallel()

	s := New("storygraph")
	assert.True(t, s.Expired(0), "no cookies yet")

	s.SetCookies([]*http.Cookie{{Name: "a", Value: "1"}})
	s.SavedAt = time.Now()
	assert.False(t, s.Expired(0))
	assert.False(t, s.Expired(time.Hour))

	s.SavedAt = time.Now().Add(-2 * time.Hour)
	assert.True(t, s.Expired(time.Hour), "older than maxAge")
	assert.False(t, s.Expired(0), "age check disabled")

	s.SetCookies([]*http.Cookie{{Name: "a", Value: "1", Expires: time.Now().Add(-time.Minute)}})
	s.SavedAt = time.Now()
	assert.True(t, s.Expired(0), "cookie past its expiry")

	s.Clear()
	assert.True(t, s.Expired(0))
}
